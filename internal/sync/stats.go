package sync

import (
	"sync/atomic"
	"time"
)

// Stats keeps running counters across drains. All fields are updated with
// atomics so the status view can read them while a drain is in flight.
type Stats struct {
	totalProcessed    atomic.Int64
	successful        atomic.Int64
	failed            atomic.Int64
	conflictsResolved atomic.Int64
}

// Record folds one batch result into the counters. Records parked for manual
// resolution count as failed until a human settles them.
func (s *Stats) Record(res *BatchResult) {
	s.totalProcessed.Add(int64(res.Processed))
	s.successful.Add(int64(res.Completed))
	s.failed.Add(int64(res.Errors + res.Conflicts))
	s.conflictsResolved.Add(int64(res.ConflictsResolved))
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalProcessed:    s.totalProcessed.Load(),
		Successful:        s.successful.Load(),
		Failed:            s.failed.Load(),
		ConflictsResolved: s.conflictsResolved.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	TotalProcessed    int64 `json:"total_processed"`
	Successful        int64 `json:"successful"`
	Failed            int64 `json:"failed"`
	ConflictsResolved int64 `json:"conflicts_resolved"`
}

// SuccessRate is the percentage of processed records that completed.
func (s StatsSnapshot) SuccessRate() float64 {
	total := s.TotalProcessed
	if total < 1 {
		total = 1
	}
	return float64(s.Successful) / float64(total) * 100
}

// StatusView is the engine health summary exposed to the API layer.
type StatusView struct {
	Enabled     bool           `json:"enabled"`
	Offline     bool           `json:"offline"`
	Strategy    Strategy       `json:"strategy"`
	LastSyncAt  *time.Time     `json:"last_sync_at,omitempty"`
	Pending     int            `json:"pending"`
	Errors      int            `json:"errors"`
	Conflicts   int            `json:"conflicts"`
	Stats       StatsSnapshot  `json:"stats"`
	SuccessRate float64        `json:"success_rate"`
	ByStatus    map[Status]int `json:"by_status"`
}
