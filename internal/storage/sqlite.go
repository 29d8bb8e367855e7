package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tgrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RecordDelivery(ctx context.Context, path string, ok bool, reason string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	sentN, failN := 1, 0
	if !ok {
		sentN, failN = 0, 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoint_stats(path, sent, failed, last_error, last_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(path) DO UPDATE SET
		   sent       = sent + excluded.sent,
		   failed     = failed + excluded.failed,
		   last_error = CASE WHEN excluded.failed > 0 THEN excluded.last_error ELSE last_error END,
		   last_at    = excluded.last_at`,
		path, sentN, failN, nullStr(reason), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Stats(ctx context.Context) ([]EndpointStats, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, sent, failed, COALESCE(last_error, ''), COALESCE(last_at, '')
		 FROM endpoint_stats ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EndpointStats
	for rows.Next() {
		var st EndpointStats
		var lastAt string
		if err := rows.Scan(&st.Path, &st.Sent, &st.Failed, &st.LastError, &lastAt); err != nil {
			return nil, err
		}
		if lastAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, lastAt); err == nil {
				st.LastAt = t
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
