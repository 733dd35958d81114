package sync

import "time"

// Config tunes the sync engine. Zero values fall back to the defaults below.
type Config struct {
	// Strategy settles detected conflicts; defaults to merge.
	Strategy Strategy
	// BatchSize caps how many pending records one drain claims.
	BatchSize int
	// GroupConcurrency bounds parallel entity-type groups per drain.
	GroupConcurrency int
	// DrainInterval paces the Run loop between drains.
	DrainInterval time.Duration
	// StaleAfter is how long a record may sit in processing before
	// RequeueStale returns it to pending.
	StaleAfter time.Duration
	// Disabled stops Enqueue and DrainQueue from accepting work; the status
	// view still reports.
	Disabled bool
}

const (
	DefaultBatchSize        = 100
	DefaultGroupConcurrency = 4
	DefaultDrainInterval    = 30 * time.Second
	DefaultStaleAfter       = 5 * time.Minute
)

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = DefaultStrategy
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.GroupConcurrency <= 0 {
		c.GroupConcurrency = DefaultGroupConcurrency
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}
