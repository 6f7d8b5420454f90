// Package redis provides a ReplayStore shared by every replica that talks to
// the same Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	spl402 "github.com/astrohackerx/spl402-sub000"
)

// DefaultPrefix namespaces replay keys.
const DefaultPrefix = "spl402:replay:"

const (
	statePending  = "pending"
	stateVerified = "verified"
)

// DefaultReservationTTL bounds how long a crashed verification can hold a
// signature.
const DefaultReservationTTL = 30 * time.Second

// releaseScript deletes a key only while it still holds a reservation, so a
// late release cannot undo a commit.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ReplayStore implements spl402.ReplayStore on Redis. Reservations use SET NX
// so concurrent replicas cannot both claim a signature.
type ReplayStore struct {
	rdb            redis.UniversalClient
	prefix         string
	ttl            time.Duration
	reservationTTL time.Duration
	now            func() time.Time
}

var _ spl402.ReplayStore = (*ReplayStore)(nil)

// Option configures a ReplayStore.
type Option func(*ReplayStore)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *ReplayStore) {
		s.prefix = prefix
	}
}

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

// WithClock overrides time.Now when computing commit TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *ReplayStore) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a store on rdb.
func New(rdb redis.UniversalClient, opts ...Option) *ReplayStore {
	s := &ReplayStore{
		rdb:            rdb,
		prefix:         DefaultPrefix,
		ttl:            spl402.ReplayTTL,
		reservationTTL: DefaultReservationTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial parses url, connects and pings.
func Dial(ctx context.Context, url string, opts ...Option) (*ReplayStore, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(o)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, opts...), nil
}

func (s *ReplayStore) key(signature string) string {
	return s.prefix + signature
}

// Reserve implements spl402.ReplayStore.
func (s *ReplayStore) Reserve(ctx context.Context, signature string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(signature), statePending, s.reservationTTL).Result()
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", signature, err)
	}
	return ok, nil
}

// Commit implements spl402.ReplayStore.
func (s *ReplayStore) Commit(ctx context.Context, signature string, issuedAt time.Time) error {
	now := s.now()
	ttl := spl402.ReplayStart(now, issuedAt).Add(s.ttl).Sub(now)
	if err := s.rdb.Set(ctx, s.key(signature), stateVerified, ttl).Err(); err != nil {
		return fmt.Errorf("commit %s: %w", signature, err)
	}
	return nil
}

// Release implements spl402.ReplayStore.
func (s *ReplayStore) Release(ctx context.Context, signature string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.key(signature)}, statePending).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", signature, err)
	}
	return nil
}

// Seen implements spl402.ReplayStore.
func (s *ReplayStore) Seen(ctx context.Context, signature string) (bool, error) {
	v, err := s.rdb.Get(ctx, s.key(signature)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", signature, err)
	}
	return v == stateVerified, nil
}

// Close closes the underlying client.
func (s *ReplayStore) Close() error {
	return s.rdb.Close()
}
