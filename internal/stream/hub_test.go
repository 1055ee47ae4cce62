package stream

import (
	"context"
	"testing"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func receive(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case msg, ok := <-c.Send:
		if !ok {
			t.Fatalf("channel closed")
		}
		return string(msg)
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for message")
	}
	return ""
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	client := hub.Register("tracker-1")
	defer hub.Unregister(client)
	other := hub.Register("tracker-2")
	defer hub.Unregister(other)

	hub.Broadcast("tracker-1", []byte("hello"))

	if msg := receive(t, client); msg != "hello" {
		t.Fatalf("unexpected message %q", msg)
	}
	select {
	case <-other.Send:
		t.Fatalf("other tracker should not receive")
	default:
	}
}

func TestHubHelpers(t *testing.T) {
	ch := redisChannel("abc")
	if ch != "tracker:abc:broadcast" {
		t.Fatalf("unexpected channel %q", ch)
	}
	if trackerIDFromChannel(ch) != "abc" {
		t.Fatalf("unexpected tracker id")
	}
	if trackerIDFromChannel("bad") != "" {
		t.Fatalf("expected empty tracker id")
	}
	if trackerIDFromChannel("session:abc:broadcast") != "" {
		t.Fatalf("expected foreign channel to be ignored")
	}
}

func TestUnregisterClosesOnce(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	client := hub.Register("tracker-2")
	hub.Unregister(client)
	hub.Unregister(client)
	if _, ok := <-client.Send; ok {
		t.Fatalf("expected channel closed")
	}
	if hub.Viewers("tracker-2") != 0 {
		t.Fatalf("expected no viewers")
	}
}

func TestHubViewerGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	hub := NewHub(nil, nil, m)
	a := hub.Register("t")
	b := hub.Register("t")
	if hub.Viewers("t") != 2 {
		t.Fatalf("expected 2 viewers")
	}
	hub.Unregister(a)
	hub.Unregister(b)
	if hub.Viewers("t") != 0 {
		t.Fatalf("expected 0 viewers")
	}
}

func TestHubRedisDeliversOnce(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	hub := NewHub(client, nil, nil)
	defer hub.Close()
	ws := hub.Register("tracker-redis")
	defer hub.Unregister(ws)

	hub.Broadcast("tracker-redis", []byte("ping"))
	if msg := receive(t, ws); msg != "ping" {
		t.Fatalf("unexpected message %q", msg)
	}
	select {
	case <-ws.Send:
		t.Fatalf("message delivered twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRedisForwardsRemotePublish(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	hub := NewHub(client, nil, nil)
	defer hub.Close()
	ws := hub.Register("remote")
	defer hub.Unregister(ws)

	// another instance publishing
	if err := client.Publish(context.Background(), "tracker:remote:broadcast", "pong").Err(); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	if msg := receive(t, ws); msg != "pong" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestHubRedisUnavailableFallsBackToLocal(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	server.Close()
	defer client.Close()

	hub := NewHub(client, nil, nil)
	defer hub.Close()
	ws := hub.Register("tracker-bad")
	defer hub.Unregister(ws)

	hub.Broadcast("tracker-bad", []byte("ping"))
	if msg := receive(t, ws); msg != "ping" {
		t.Fatalf("unexpected message %q", msg)
	}
}
