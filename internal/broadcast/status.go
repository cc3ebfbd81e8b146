package broadcast

import (
	"time"

	"github.com/xtxerr/nodescope/config"
	"github.com/xtxerr/nodescope/internal/resilience"
)

// StatusSource returns the current connection states.
type StatusSource interface {
	Snapshot() []resilience.ConnectionState
}

// StatusUpdate is the payload of the status topic.
type StatusUpdate struct {
	Kind   string                       `json:"kind"` // "change" or "snapshot"
	Change *StatusChange                `json:"change,omitempty"`
	States []resilience.ConnectionState `json:"states,omitempty"`
}

// StatusChange is one connection state transition.
type StatusChange struct {
	Endpoint string           `json:"endpoint"`
	From     resilience.State `json:"from"`
	To       resilience.State `json:"to"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

// StatusBroadcaster publishes connection state changes as they happen and
// full snapshots when asked (the scheduler calls PublishSnapshot).
type StatusBroadcaster struct {
	pub      Publisher
	src      StatusSource
	interval time.Duration
}

// NewStatusBroadcaster creates a broadcaster. Register OnChange with the
// resilience registry before managers are created.
func NewStatusBroadcaster(pub Publisher, src StatusSource, interval time.Duration) *StatusBroadcaster {
	if interval <= 0 {
		interval = config.DefaultStatusInterval
	}
	return &StatusBroadcaster{pub: pub, src: src, interval: interval}
}

// OnChange is a resilience.Listener.
func (b *StatusBroadcaster) OnChange(c resilience.Change) {
	sc := &StatusChange{Endpoint: c.Endpoint, From: c.From, To: c.To, At: c.At}
	if c.Err != nil {
		sc.Error = c.Err.Error()
	}
	b.pub.Publish(TopicStatus, StatusUpdate{Kind: "change", Change: sc})
}

// PublishSnapshot publishes the state of every connection.
func (b *StatusBroadcaster) PublishSnapshot() {
	b.pub.Publish(TopicStatus, StatusUpdate{Kind: "snapshot", States: b.src.Snapshot()})
}

// Interval is how often snapshots should be published.
func (b *StatusBroadcaster) Interval() time.Duration {
	return b.interval
}
