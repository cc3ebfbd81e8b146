package broadcast

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/xtxerr/nodescope/internal/resilience"
	"github.com/xtxerr/nodescope/internal/testutil"
	"github.com/xtxerr/nodescope/internal/wire"
)

func receive(t *testing.T, s *Subscription) Message {
	t.Helper()
	select {
	case m := <-s.C():
		return m
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestHub_TopicFiltering(t *testing.T) {
	h := NewHub(8)
	all := h.Subscribe()
	alerts := h.Subscribe(TopicAlerts)

	h.Publish(TopicEvents, "e1")
	h.Publish(TopicAlerts, "a1")

	if m := receive(t, all); m.Topic != TopicEvents || m.Payload != "e1" {
		t.Errorf("expected events/e1, got %s/%v", m.Topic, m.Payload)
	}
	if m := receive(t, all); m.Topic != TopicAlerts {
		t.Errorf("expected alerts, got %s", m.Topic)
	}
	m := receive(t, alerts)
	if m.Topic != TopicAlerts || m.Payload != "a1" {
		t.Errorf("expected alerts/a1, got %s/%v", m.Topic, m.Payload)
	}
	if m.Seq != 2 {
		t.Errorf("expected seq 2, got %d", m.Seq)
	}
	select {
	case m := <-alerts.C():
		t.Errorf("unexpected message %v", m)
	default:
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := NewHub(2)
	s := h.Subscribe()

	for i := 0; i < 5; i++ {
		h.Publish(TopicEvents, i)
	}

	if s.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", s.Dropped())
	}
	if st := h.Stats(); st.Published != 5 || st.Dropped != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestHub_CloseSubscription(t *testing.T) {
	h := NewHub(2)
	s := h.Subscribe()
	s.Close()
	s.Close()

	if _, ok := <-s.C(); ok {
		t.Error("expected closed channel")
	}
	h.Publish(TopicEvents, "x")
	if h.Stats().Subscribers != 0 {
		t.Error("expected no subscribers")
	}
}

type fixedStates []resilience.ConnectionState

func (f fixedStates) Snapshot() []resilience.ConnectionState { return f }

func TestStatusBroadcaster(t *testing.T) {
	h := NewHub(8)
	s := h.Subscribe(TopicStatus)
	b := NewStatusBroadcaster(h, fixedStates{{Endpoint: "tcp://x", State: resilience.StateConnected}}, 0)

	b.OnChange(resilience.Change{Endpoint: "tcp://x", From: resilience.StateConnecting,
		To: resilience.StateError, Err: errors.New("refused")})
	b.PublishSnapshot()

	m := receive(t, s)
	u, ok := m.Payload.(StatusUpdate)
	if !ok || u.Kind != "change" || u.Change.Error != "refused" {
		t.Fatalf("unexpected change payload %+v", m.Payload)
	}
	m = receive(t, s)
	u = m.Payload.(StatusUpdate)
	if u.Kind != "snapshot" || len(u.States) != 1 {
		t.Fatalf("unexpected snapshot payload %+v", u)
	}
}

func TestServer_StreamsSubscribedTopics(t *testing.T) {
	h := NewHub(16)
	srv := NewServer(h, "127.0.0.1:0")

	gt := testutil.NewGoroutineTest(t, 5*time.Second)
	gt.Go(srv.Run)
	addr := testutil.WaitAddr(t, srv.Addr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	w := wire.NewConn(conn)
	if err := w.Write(wire.NewSubscribe(TopicAlerts)); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// wait for the subscription to register
	testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return h.Stats().Subscribers > 0
	})

	h.Publish(TopicEvents, map[string]any{"skip": true})
	h.Publish(TopicAlerts, map[string]any{"category": "audit_score_critical"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := w.Read()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if wire.String(env, wire.FieldTopic) != TopicAlerts {
		t.Errorf("expected alerts topic, got %q", wire.String(env, wire.FieldTopic))
	}
	payload := env.GetFields()[wire.FieldPayload].GetStructValue()
	if payload.GetFields()["category"].GetStringValue() != "audit_score_critical" {
		t.Errorf("unexpected payload %v", payload)
	}

	gt.Cancel()
	gt.Wait()
}

func TestServer_RejectsUnknownTopic(t *testing.T) {
	h := NewHub(4)
	srv := NewServer(h, "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	addr := testutil.WaitAddr(t, srv.Addr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	w := wire.NewConn(conn)
	w.Write(wire.NewSubscribe("bogus"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := w.Read()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if wire.Type(env) != wire.TypeError {
		t.Errorf("expected error envelope, got %q", wire.Type(env))
	}
}

// failingListener fails every Accept until closed.
type failingListener struct {
	calls  atomic.Int32
	closed chan struct{}
	once   sync.Once
}

func (l *failingListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}
	l.calls.Add(1)
	return nil, syscall.EMFILE
}

func (l *failingListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServer_AcceptErrorsBackOff(t *testing.T) {
	ln := &failingListener{closed: make(chan struct{})}
	srv := NewServer(NewHub(4), "")

	gt := testutil.NewGoroutineTest(t, 5*time.Second)
	gt.Go(func(ctx context.Context) error {
		return srv.Serve(ctx, ln)
	})

	time.Sleep(200 * time.Millisecond)
	gt.Cancel()
	gt.Wait()

	// 5+10+20+40+80 ms of delays fit in 200ms; a busy loop would make
	// millions of calls.
	if n := ln.calls.Load(); n < 2 || n > 10 {
		t.Errorf("Accept called %d times, want a handful", n)
	}
}

func TestServer_ClosedListenerStops(t *testing.T) {
	ln := &failingListener{closed: make(chan struct{})}
	ln.Close()
	srv := NewServer(NewHub(4), "")

	err := testutil.WithTimeout(2*time.Second, func() error {
		return srv.Serve(context.Background(), ln)
	})
	if !errors.Is(err, net.ErrClosed) {
		t.Errorf("Serve = %v, want net.ErrClosed", err)
	}
}
