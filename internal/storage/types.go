package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the optional stats store.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// EndpointStats are per-endpoint delivery counters. Deliberately not a
// message log: only counts plus the last failure for operator visibility.
type EndpointStats struct {
	Path      string    `json:"path"`
	Sent      int64     `json:"sent"`
	Failed    int64     `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
	LastAt    time.Time `json:"last_at,omitempty"`
}
