package types

import "time"

// ReputationSnapshot holds one satellite's scores for a node at poll time.
// Scores are percentages in [0, 100].
type ReputationSnapshot struct {
	Node            string
	SatelliteID     string
	SatelliteURL    string
	AuditScore      float64
	SuspensionScore float64
	OnlineScore     float64
	Disqualified    bool
	Suspended       bool
	PolledAt        time.Time
}

// StorageSnapshot is a node's disk accounting at poll time.
type StorageSnapshot struct {
	Node           string
	UsedBytes      int64
	AvailableBytes int64
	TrashBytes     int64
	PolledAt       time.Time
}

// TotalBytes is the node's allocated capacity.
func (s *StorageSnapshot) TotalBytes() int64 {
	return s.UsedBytes + s.AvailableBytes + s.TrashBytes
}

// UsedPercent is used plus trash over the allocation, 0 when unknown.
func (s *StorageSnapshot) UsedPercent() float64 {
	total := s.TotalBytes()
	if total <= 0 {
		return 0
	}
	return float64(s.UsedBytes+s.TrashBytes) / float64(total) * 100
}

// PayoutSnapshot is the node's estimated payout for the current month.
type PayoutSnapshot struct {
	Node                 string
	CurrentMonthCents    float64
	CurrentMonthExpected float64
	PolledAt             time.Time
}
