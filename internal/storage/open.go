// Package storage keeps per-endpoint delivery statistics.
package storage

import (
	"context"
	"errors"
	"strings"

	"tgrelay/pkg/logx"
)

// Store is the minimal persistence API used by the relay.
type Store interface {
	RecordDelivery(ctx context.Context, path string, ok bool, reason string) error
	Stats(ctx context.Context) ([]EndpointStats, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
