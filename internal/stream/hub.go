package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "tracker:"
	channelSuffix  = ":broadcast"
	channelPattern = channelPrefix + "*" + channelSuffix
)

// Hub fans tracker locations out to live viewers. With Redis configured every
// broadcast goes through pub/sub, so viewers on any instance receive it once.
type Hub struct {
	redis   redis.UniversalClient
	pubsub  *redis.PubSub
	logger  *zap.Logger
	metrics *metrics.Metrics
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
	done    chan struct{}
}

type Client struct {
	TrackerID string
	Send      chan []byte
}

func NewHub(redisClient redis.UniversalClient, logger *zap.Logger, m *metrics.Metrics) *Hub {
	h := &Hub{
		logger:  logging.OrNop(logger).Named("stream"),
		metrics: m,
		clients: map[string]map[*Client]struct{}{},
		done:    make(chan struct{}),
	}

	if redisClient == nil {
		close(h.done)
		return h
	}

	ctx := context.Background()
	pubsub := redisClient.PSubscribe(ctx, channelPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Warn("redis subscribe failed, broadcasting locally", zap.Error(err))
		_ = pubsub.Close()
		close(h.done)
		return h
	}
	h.redis = redisClient
	h.pubsub = pubsub
	go h.subscribeRedis()
	return h
}

func (h *Hub) Register(trackerID string) *Client {
	client := &Client{
		TrackerID: trackerID,
		Send:      make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[trackerID] == nil {
		h.clients[trackerID] = map[*Client]struct{}{}
	}
	h.clients[trackerID][client] = struct{}{}
	h.metrics.ViewerJoined()
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	trackerClients, ok := h.clients[client.TrackerID]
	if !ok {
		return
	}
	if _, ok := trackerClients[client]; !ok {
		return
	}
	delete(trackerClients, client)
	if len(trackerClients) == 0 {
		delete(h.clients, client.TrackerID)
	}
	close(client.Send)
	h.metrics.ViewerLeft()
}

// Broadcast delivers payload to the viewers of trackerID. A failed publish
// falls back to local delivery.
func (h *Hub) Broadcast(trackerID string, payload []byte) {
	if h.redis != nil {
		err := h.redis.Publish(context.Background(), redisChannel(trackerID), payload).Err()
		if err == nil {
			return
		}
		h.logger.Warn("redis publish failed", zap.String("tracker_id", trackerID), zap.Error(err))
	}
	h.deliver(trackerID, payload)
}

// Viewers reports how many local connections watch trackerID.
func (h *Hub) Viewers(trackerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[trackerID])
}

// Close stops the Redis subscription.
func (h *Hub) Close() error {
	if h.pubsub == nil {
		return nil
	}
	err := h.pubsub.Close()
	select {
	case <-h.done:
	case <-time.After(time.Second):
		h.logger.Warn("redis subscription did not stop in time")
	}
	return err
}

func (h *Hub) deliver(trackerID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// slow viewers drop messages rather than block the sender
	for client := range h.clients[trackerID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis() {
	defer close(h.done)
	for msg := range h.pubsub.Channel() {
		trackerID := trackerIDFromChannel(msg.Channel)
		if trackerID == "" {
			continue
		}
		h.deliver(trackerID, []byte(msg.Payload))
	}
}

func redisChannel(trackerID string) string {
	return channelPrefix + trackerID + channelSuffix
}

func trackerIDFromChannel(ch string) string {
	// tracker:{id}:broadcast
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
