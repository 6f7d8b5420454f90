// Package postgres provides a ReplayStore backed by a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	spl402 "github.com/astrohackerx/spl402-sub000"
)

// DBTX is the subset of pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS spl402_replay (
  signature  text PRIMARY KEY,
  verified   boolean NOT NULL DEFAULT false,
  expires_at timestamptz NOT NULL
)`

	createIndexSQL = `CREATE INDEX IF NOT EXISTS spl402_replay_expires_at_idx ON spl402_replay (expires_at)`

	// A reservation succeeds when the row is new or the previous entry
	// expired.
	reserveSQL = `INSERT INTO spl402_replay (signature, verified, expires_at)
VALUES ($1, false, $2)
ON CONFLICT (signature) DO UPDATE
  SET verified = false, expires_at = EXCLUDED.expires_at
  WHERE spl402_replay.expires_at <= $3`

	commitSQL = `INSERT INTO spl402_replay (signature, verified, expires_at)
VALUES ($1, true, $2)
ON CONFLICT (signature) DO UPDATE
  SET verified = true, expires_at = EXCLUDED.expires_at`

	releaseSQL = `DELETE FROM spl402_replay WHERE signature = $1 AND NOT verified`

	seenSQL = `SELECT EXISTS (SELECT 1 FROM spl402_replay WHERE signature = $1 AND verified AND expires_at > $2)`

	purgeSQL = `DELETE FROM spl402_replay WHERE expires_at <= $1`
)

// DefaultReservationTTL bounds how long a crashed verification can hold a
// signature.
const DefaultReservationTTL = 30 * time.Second

// ReplayStore implements spl402.ReplayStore on Postgres. Uniqueness of the
// primary key makes reservations atomic across replicas.
type ReplayStore struct {
	db             DBTX
	ttl            time.Duration
	reservationTTL time.Duration
	now            func() time.Time
}

var _ spl402.ReplayStore = (*ReplayStore)(nil)

// Option configures a ReplayStore.
type Option func(*ReplayStore)

// WithTTL sets how long verified signatures are remembered.
func WithTTL(ttl time.Duration) Option {
	return func(s *ReplayStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithReservationTTL sets how long an uncommitted reservation lives.
func WithReservationTTL(ttl time.Duration) Option {
	return func(s *ReplayStore) {
		if ttl > 0 {
			s.reservationTTL = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *ReplayStore) {
		s.now = now
	}
}

// New creates a store on db. Call Migrate once before use.
func New(db DBTX, opts ...Option) *ReplayStore {
	s := &ReplayStore{
		db:             db,
		ttl:            spl402.ReplayTTL,
		reservationTTL: DefaultReservationTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool on url and pings it.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the replay table if it does not exist.
func (s *ReplayStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create spl402_replay: %w", err)
	}
	if _, err := s.db.Exec(ctx, createIndexSQL); err != nil {
		return fmt.Errorf("create spl402_replay index: %w", err)
	}
	return nil
}

// Reserve implements spl402.ReplayStore.
func (s *ReplayStore) Reserve(ctx context.Context, signature string) (bool, error) {
	now := s.now()
	tag, err := s.db.Exec(ctx, reserveSQL, signature, now.Add(s.reservationTTL), now)
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", signature, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Commit implements spl402.ReplayStore.
func (s *ReplayStore) Commit(ctx context.Context, signature string, issuedAt time.Time) error {
	expiresAt := spl402.ReplayStart(s.now(), issuedAt).Add(s.ttl)
	if _, err := s.db.Exec(ctx, commitSQL, signature, expiresAt); err != nil {
		return fmt.Errorf("commit %s: %w", signature, err)
	}
	return nil
}

// Release implements spl402.ReplayStore.
func (s *ReplayStore) Release(ctx context.Context, signature string) error {
	if _, err := s.db.Exec(ctx, releaseSQL, signature); err != nil {
		return fmt.Errorf("release %s: %w", signature, err)
	}
	return nil
}

// Seen implements spl402.ReplayStore.
func (s *ReplayStore) Seen(ctx context.Context, signature string) (bool, error) {
	var seen bool
	if err := s.db.QueryRow(ctx, seenSQL, signature, s.now()).Scan(&seen); err != nil {
		return false, fmt.Errorf("lookup %s: %w", signature, err)
	}
	return seen, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *ReplayStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeSQL, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge spl402_replay: %w", err)
	}
	return tag.RowsAffected(), nil
}
