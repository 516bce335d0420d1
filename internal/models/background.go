package models

import "time"

// BackgroundTask is a periodic command bound to a connection. At most one
// exists per connection at any time (spec.md §3, §8 invariant 4).
type BackgroundTask struct {
	ConnectionID string
	Command      string
	IntervalMs   int64
	LastCheck    time.Time
	LastError    string
	RunCount     int
}
