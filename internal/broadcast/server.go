package broadcast

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/wire"
)

// subscribeTimeout bounds how long a new client may take to send its
// subscribe request.
const subscribeTimeout = 10 * time.Second

// Accept failures back off from minAcceptDelay, doubling up to
// maxAcceptDelay.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// =============================================================================
// Stream Server
// =============================================================================

// Server streams hub messages to TCP clients.
//
// Protocol: the client sends one subscribe envelope, then only reads.
// Every message arrives as a length-delimited protobuf Struct.
type Server struct {
	hub    *Hub
	listen string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewServer creates a stream server for hub.
func NewServer(hub *Hub, listen string) *Server {
	return &Server{
		hub:    hub,
		listen: listen,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Addr returns the bound address once Run has started listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is cancelled. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Info("stream server listening", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeConns()
	}()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				log.Info("stream server stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return fmt.Errorf("accept: %w", err)
			}
			delay = min(max(2*delay, minAcceptDelay), maxAcceptDelay)
			log.Error("accept error", "error", err, "retry_in", delay)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
			continue
		}
		delay = 0
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// handleConn serves one client.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer conn.Close()

	w := wire.NewConn(conn)

	conn.SetReadDeadline(time.Now().Add(subscribeTimeout))
	env, err := w.Read()
	if err != nil {
		log.Debug("subscribe read failed", "remote", remote, "error", err)
		return
	}
	if wire.Type(env) != wire.TypeSubscribe {
		w.Write(wire.NewError("first message must be subscribe"))
		return
	}
	topics := wire.Topics(env)
	for _, t := range topics {
		if !knownTopic(t) {
			w.Write(wire.NewErrorf("unknown topic %q", t))
			return
		}
	}
	conn.SetReadDeadline(time.Time{})

	sub := s.hub.Subscribe(topics...)
	defer sub.Close()
	log.Info("stream client subscribed", "remote", remote, "topics", topics)

	// The client only reads. A failed read means it went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			log.Info("stream client disconnected", "remote", remote, "dropped", sub.Dropped())
			return
		case m, ok := <-sub.C():
			if !ok {
				return
			}
			env, err := wire.NewEvent(m.Topic, m.Seq, m.Time, m.Payload)
			if err != nil {
				log.Warn("cannot encode message", "topic", m.Topic, "error", err)
				continue
			}
			if err := w.Write(env); err != nil {
				log.Debug("write failed, closing stream", "remote", remote, "error", err)
				return
			}
		}
	}
}

func knownTopic(t string) bool {
	for _, k := range Topics {
		if k == t {
			return true
		}
	}
	return false
}
