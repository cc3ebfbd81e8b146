package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/nodescope/internal/broadcast"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/testutil"
)

func startServer(t *testing.T, h *broadcast.Hub) string {
	t.Helper()
	srv := broadcast.NewServer(h, "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)
	return testutil.WaitAddr(t, srv.Addr)
}

func waitSubscribers(t *testing.T, h *broadcast.Hub, n int) {
	t.Helper()
	err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return h.Stats().Subscribers >= n
	})
	if err != nil {
		t.Fatal("subscription did not register")
	}
}

func TestClientReceivesSubscribedTopics(t *testing.T) {
	h := broadcast.NewHub(16)
	addr := startServer(t, h)

	c, err := Dial(context.Background(), &Config{Addr: addr, Topics: []string{broadcast.TopicAlerts}})
	if err != nil {
		t.Fatalf("Dial error = %v", err)
	}
	defer c.Close()
	waitSubscribers(t, h, 1)

	h.Publish(broadcast.TopicEvents, map[string]any{"skip": true})
	h.Publish(broadcast.TopicAlerts, map[string]any{"node": "alpha", "severity": "critical"})

	ev, err := c.Next()
	if err != nil {
		t.Fatalf("Next error = %v", err)
	}
	if ev.Topic != broadcast.TopicAlerts {
		t.Errorf("topic = %q, want alerts", ev.Topic)
	}
	if ev.Seq != 2 {
		t.Errorf("seq = %d, want 2", ev.Seq)
	}
	if ev.Time.IsZero() {
		t.Error("time not decoded")
	}

	var payload struct {
		Node     string `json:"node"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Node != "alpha" || payload.Severity != "critical" {
		t.Errorf("payload = %+v", payload)
	}
	if c.Received() != 1 {
		t.Errorf("Received() = %d, want 1", c.Received())
	}
}

func TestClientRejectedTopic(t *testing.T) {
	h := broadcast.NewHub(4)
	addr := startServer(t, h)

	c, err := Dial(context.Background(), &Config{Addr: addr, Topics: []string{"bogus"}})
	if err != nil {
		t.Fatalf("Dial error = %v", err)
	}
	defer c.Close()

	_, err = c.Next()
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestClientCloseUnblocksNext(t *testing.T) {
	h := broadcast.NewHub(4)
	addr := startServer(t, h)

	c, err := Dial(context.Background(), &Config{Addr: addr})
	if err != nil {
		t.Fatalf("Dial error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Close()
	}()

	err = testutil.WithTimeout(2*time.Second, func() error {
		_, err := c.Next()
		return err
	})
	if !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}

	if _, err := c.Next(); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Next after Close = %v, want ErrClientClosed", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), &Config{Addr: addr, ConnectTimeout: time.Second})
	if !errors.Is(err, errors.ErrConnectionFailed) {
		t.Errorf("expected ErrConnectionFailed, got %v", err)
	}
}
