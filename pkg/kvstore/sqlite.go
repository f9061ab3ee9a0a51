package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// SQLite is a Store backed by a single sqlite table. Expired rows are hidden
// on read and deleted by Purge, which the optional cron janitor runs.
type SQLite struct {
	db      *sql.DB
	janitor *cron.Cron
	now     func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. A non-empty
// purgeSchedule starts a janitor using robfig/cron syntax, e.g. "@every 10m".
func OpenSQLite(path, purgeSchedule string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}

	if purgeSchedule != "" {
		s.janitor = cron.New()
		if _, err := s.janitor.AddFunc(purgeSchedule, func() {
			n, err := s.Purge(context.Background())
			if err != nil {
				log.Error().Err(err).Msg("Store purge failed")
				return
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("Expired store entries purged")
			}
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid purge schedule %q: %w", purgeSchedule, err)
		}
		s.janitor.Start()
	}

	return s, nil
}

func (s *SQLite) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) lookup(ctx context.Context, key string) ([]byte, int64, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, "SELECT value, expires_at FROM kv WHERE key = ?", key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	if expiresAt > 0 && expiresAt <= s.now().UnixNano() {
		return nil, 0, false, nil
	}
	return value, expiresAt, true, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, _, ok, err := s.lookup(ctx, key)
	return value, ok, err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) TTL(ctx context.Context, key string) (time.Duration, error) {
	_, expiresAt, ok, err := s.lookup(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	if expiresAt == 0 {
		return NoExpiry, nil
	}
	return time.Duration(expiresAt - s.now().UnixNano()), nil
}

// Purge deletes expired rows and reports how many were removed.
func (s *SQLite) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?", s.now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Backend() string { return "sqlite" }

// Close stops the janitor and closes the database.
func (s *SQLite) Close() error {
	if s.janitor != nil {
		<-s.janitor.Stop().Done()
	}
	return s.db.Close()
}
