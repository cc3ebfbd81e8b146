// Package client subscribes to the live update stream of a nodescope
// daemon.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/wire"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed = errors.New("client is closed")

	// ErrRejected is returned when the server answered with an error
	// envelope, for example for an unknown topic.
	ErrRejected = errors.New("subscription rejected")
)

// =============================================================================
// Client
// =============================================================================

// Event is one message received from the stream.
type Event struct {
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// Config holds client configuration.
type Config struct {
	Addr string

	// Topics to subscribe to. Empty subscribes to all of them.
	Topics []string

	ConnectTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "localhost:9300",
		ConnectTimeout: config.DefaultDialTimeout,
	}
}

// Client is one subscription. Next must not be called concurrently.
type Client struct {
	conn net.Conn
	wire *wire.Conn

	received  atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial connects and sends the subscribe request.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = config.DefaultDialTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConnectionFailed, "dial %s: %v", cfg.Addr, err)
	}

	c := &Client{conn: conn, wire: wire.NewConn(conn)}
	if err := c.wire.Write(wire.NewSubscribe(cfg.Topics...)); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "subscribe")
	}
	return c, nil
}

// Next blocks until the next event arrives. It returns ErrClientClosed
// after Close, and an error wrapping ErrRejected when the server refused
// the subscription.
func (c *Client) Next() (*Event, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	for {
		env, err := c.wire.Read()
		if err != nil {
			if c.closed.Load() {
				return nil, ErrClientClosed
			}
			return nil, err
		}

		switch wire.Type(env) {
		case wire.TypeEvent:
			ev, err := decodeEvent(env)
			if err != nil {
				return nil, err
			}
			c.received.Add(1)
			return ev, nil
		case wire.TypeError:
			return nil, fmt.Errorf("%w: %s", ErrRejected, wire.String(env, wire.FieldMessage))
		default:
			// unknown envelope types are skipped
		}
	}
}

// Received returns the number of events read so far.
func (c *Client) Received() uint64 {
	return c.received.Load()
}

// Close ends the subscription. A Next blocked in another goroutine
// returns ErrClientClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

func decodeEvent(env *structpb.Struct) (*Event, error) {
	fields := env.GetFields()
	ev := &Event{
		Topic: wire.String(env, wire.FieldTopic),
		Seq:   uint64(fields[wire.FieldSeq].GetNumberValue()),
	}

	if ts := wire.String(env, wire.FieldTime); ts != "" {
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.NewMalformed("event time " + ts)
		}
		ev.Time = at
	}

	if pv, ok := fields[wire.FieldPayload]; ok {
		data, err := json.Marshal(pv.AsInterface())
		if err != nil {
			return nil, errors.Wrap(err, "encode payload")
		}
		ev.Payload = data
	}
	return ev, nil
}
