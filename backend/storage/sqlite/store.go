// Package sqlite is a durable blob store on top of a sqlite file. Several
// server processes may share the same file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/webrtc-portal/backend/storage"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	defaultSweepInterval = time.Minute
	defaultBusyTimeout   = 5 * time.Second
)

var (
	ErrOpen    = errors.New("unable to open sqlite store")
	ErrMigrate = errors.New("unable to migrate sqlite store")
)

type Store struct {
	logger zerolog.Logger
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
}

type Config struct {
	Logger *zerolog.Logger

	// Path of the database file.
	Path string

	// TTL of a key since its last put, zero means keys never expire.
	TTL time.Duration

	Clock func() time.Time
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		path, defaultBusyTimeout.Milliseconds())
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, errors.Join(ErrOpen, err)
	}
	db.SetMaxOpenConns(1)

	if err = migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrMigrate, err)
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "sqlitestore").Logger()
	}
	return &Store{
		logger: logger,
		db:     db,
		ttl:    cfg.TTL,
		now:    now,
	}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS blobs(
		key        TEXT PRIMARY KEY,
		blob       BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		blob      []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT blob, expires_at FROM blobs WHERE key = ?`, key).Scan(&blob, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if expiresAt != 0 && s.now().UnixMilli() >= expiresAt {
		return nil, storage.ErrNotFound
	}
	return blob, nil
}

func (s *Store) Put(ctx context.Context, key string, blob []byte) error {
	var (
		now       = s.now()
		expiresAt int64
	)
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO blobs(key, blob, expires_at, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			blob = excluded.blob,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, blob, expiresAt, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Sweep deletes expired rows.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE expires_at != 0 AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	return res.RowsAffected()
}

// Run sweeps expired rows until ctx is done. The database stays open, owner
// closes it once nothing writes anymore.
func (s *Store) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		s.logger.Debug().Msg("janitor stopped")
		wg.Done()
	}()

	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.ttl <= 0 {
				continue
			}
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Debug().Int64("count", n).Msg("expired keys swept")
			}
		}
	}
}
