// Package transport is the tracker's HTTP client for the location server.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/syncerr"
)

const (
	PathLocationUpdate = "/location-update"
	PathLocationBatch  = "/location-batch"
	PathTrackingStatus = "/tracking-status"
	PathPing           = "/ping"
	PathDiagnosticLogs = "/diagnostic-logs"
	PathConfig         = "/config"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	timeout time.Duration
	logger  *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		logger:  logging.OrNop(logger),
	}
}

type batchRequest struct {
	Locations []sample.LocationSample `json:"locations"`
}

type statusRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// SendLocation posts one sample.
func (c *Client) SendLocation(ctx context.Context, s sample.LocationSample) error {
	_, err := c.do(ctx, "send location", fiber.MethodPost, PathLocationUpdate, s)
	return err
}

// SendBatch posts queued samples as one request.
func (c *Client) SendBatch(ctx context.Context, samples []sample.LocationSample) error {
	_, err := c.do(ctx, "send batch", fiber.MethodPost, PathLocationBatch, batchRequest{Locations: samples})
	return err
}

// SendStatus tells the server a session started or stopped.
func (c *Client) SendStatus(ctx context.Context, id, action string) error {
	_, err := c.do(ctx, "send status", fiber.MethodPost, PathTrackingStatus, statusRequest{ID: id, Action: action})
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "ping", fiber.MethodPost, PathPing, nil)
	return err
}

func (c *Client) UploadDiagnostics(ctx context.Context, payload any) error {
	_, err := c.do(ctx, "upload diagnostics", fiber.MethodPost, PathDiagnosticLogs, payload)
	return err
}

// FetchConfig returns the raw /config document.
func (c *Client) FetchConfig(ctx context.Context) ([]byte, error) {
	return c.do(ctx, "fetch config", fiber.MethodGet, PathConfig, nil)
}

// do runs one request. Any failure, including a non-2xx status, comes back
// as a transport error.
func (c *Client) do(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Transport(op, err)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	var agent *fiber.Agent
	switch method {
	case fiber.MethodGet:
		agent = fiber.Get(c.baseURL + path)
	default:
		agent = fiber.Post(c.baseURL + path)
	}
	agent.Timeout(timeout)
	agent.Set(fiber.HeaderCacheControl, "no-cache")
	if body != nil {
		agent.JSON(body)
	}

	// The agent has no cancellation hook; a cancelled caller stops waiting
	// and the request finishes within its timeout.
	type result struct {
		code int
		resp []byte
		errs []error
	}
	done := make(chan result, 1)
	go func() {
		code, resp, errs := agent.Bytes()
		done <- result{code: code, resp: resp, errs: errs}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return nil, syncerr.Transport(op, ctx.Err())
	}
	code, resp, errs := r.code, r.resp, r.errs
	if len(errs) > 0 {
		c.logger.Debug("request failed", zap.String("op", op), zap.Errors("errors", errs))
		return nil, syncerr.Transport(op, errs[0])
	}
	if code < fiber.StatusOK || code >= fiber.StatusMultipleChoices {
		return nil, syncerr.Transport(op, fmt.Errorf("unexpected status %d", code))
	}
	return resp, nil
}
