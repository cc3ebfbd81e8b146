package source

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/types"
)

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	Node string
	Addr string

	DialTimeout  time.Duration
	MaxLineBytes int

	// Activity is called whenever a line was received.
	Activity func()
}

// Forwarder consumes the line stream of a remote forwarder process. Each
// line is "<arrival timestamp>\t<raw log line>".
//
// Lines lost while disconnected are not recovered.
type Forwarder struct {
	cfg  ForwarderConfig
	sink Sink

	rejected atomic.Int64
	warn     rate.Sometimes
}

// NewForwarder creates a forwarder client that pushes lines into sink.
func NewForwarder(cfg ForwarderConfig, sink Sink) *Forwarder {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = config.DefaultDialTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = config.DefaultMaxMessageSize
	}
	return &Forwarder{
		cfg:  cfg,
		sink: sink,
		warn: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Endpoint implements Source.
func (f *Forwarder) Endpoint() string {
	return "tcp://" + f.cfg.Addr
}

// Rejected returns the number of lines dropped for a bad frame.
func (f *Forwarder) Rejected() int64 {
	return f.rejected.Load()
}

// Attempt implements Source. A remote close ends the session without error;
// socket errors are returned.
func (f *Forwarder) Attempt(ctx context.Context, connected func()) error {
	d := net.Dialer{Timeout: f.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", f.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errors.ErrConnectionFailed, f.cfg.Addr, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	connected()
	log.Info("forwarder connected", "node", f.cfg.Node, "addr", f.cfg.Addr)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), f.cfg.MaxLineBytes)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		arrival, text, err := ParseFrame(line)
		if err != nil {
			total := f.rejected.Add(1)
			f.warn.Do(func() {
				log.Warn("rejected forwarder line", "node", f.cfg.Node, "rejected_total", total, "error", err)
			})
			continue
		}
		f.sink.Push(types.RawLine{
			Node:    f.cfg.Node,
			Arrival: arrival,
			Text:    text,
			Source:  types.SourceNetwork,
		})
		if f.cfg.Activity != nil {
			f.cfg.Activity()
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", errors.ErrConnectionClosed, f.cfg.Addr, err)
	}
	log.Info("forwarder closed the stream", "node", f.cfg.Node, "addr", f.cfg.Addr)
	return nil
}

// ParseFrame splits a forwarder line into its arrival time and the original
// log line.
func ParseFrame(line string) (time.Time, string, error) {
	ts, text, ok := strings.Cut(line, "\t")
	if !ok {
		return time.Time{}, "", errors.NewMalformed("missing arrival timestamp")
	}
	arrival, err := ParseArrival(ts)
	if err != nil {
		return time.Time{}, "", err
	}
	return arrival, text, nil
}

// ParseArrival accepts RFC 3339 with optional fractional seconds, or Unix
// seconds with a fractional part ("1705312800.250113").
func ParseArrival(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}

	secPart, fracPart, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q: %w", s, errors.ErrBadTimestamp)
	}
	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		n, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil || n < 0 {
			return time.Time{}, fmt.Errorf("%q: %w", s, errors.ErrBadTimestamp)
		}
		for i := len(fracPart); i < 9; i++ {
			n *= 10
		}
		nsec = n
	}
	return time.Unix(sec, nsec).UTC(), nil
}
