package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/outcome"
)

// modeTTL bounds how long a cached outcome mode may lag an operator change
// made directly in the database.
const modeTTL = time.Second

// CachedStore wraps a primary Ledger (PostgreSQL) with a Redis read-through
// cache for balances and the outcome mode. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary. Open contracts and history are not cached: the settlement scan
// must always see the source of truth.
type CachedStore struct {
	Ledger
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Ledger, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Ledger: primary,
		rdb:    rdb,
		ttl:    ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ApplyBalanceDelta(ctx context.Context, userID string, account model.Account, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	after, err := s.Ledger.ApplyBalanceDelta(ctx, userID, account, delta, reason)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Del(ctx, balanceKey(userID, account))
	return after, nil
}

func (s *CachedStore) SettleContract(ctx context.Context, st *model.Settlement) (decimal.Decimal, error) {
	after, err := s.Ledger.SettleContract(ctx, st)
	// Invalidate even on error: a commit may have landed before a
	// network failure was reported.
	s.rdb.Del(ctx, balanceKey(st.UserID, st.Account))
	if err != nil {
		return decimal.Zero, err
	}
	return after, nil
}

func (s *CachedStore) SetOutcomeMode(ctx context.Context, mode outcome.Mode) error {
	if err := s.Ledger.SetOutcomeMode(ctx, mode); err != nil {
		return err
	}
	s.rdb.Set(ctx, modeKey(), string(mode), modeTTL)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID string, account model.Account) (decimal.Decimal, error) {
	// Try cache.
	if raw, err := s.rdb.Get(ctx, balanceKey(userID, account)).Result(); err == nil {
		if bal, err := decimal.NewFromString(raw); err == nil {
			return bal, nil
		}
	}

	// Cache miss: read from primary.
	bal, err := s.Ledger.GetBalance(ctx, userID, account)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, balanceKey(userID, account), bal.String(), s.ttl)
	return bal, nil
}

func (s *CachedStore) GetOutcomeMode(ctx context.Context) (outcome.Mode, error) {
	if raw, err := s.rdb.Get(ctx, modeKey()).Result(); err == nil {
		if mode, err := outcome.ParseMode(raw); err == nil {
			return mode, nil
		}
	}

	mode, err := s.Ledger.GetOutcomeMode(ctx)
	if err != nil {
		return "", err
	}
	s.rdb.Set(ctx, modeKey(), string(mode), modeTTL)
	return mode, nil
}

// --- Cache helpers ---

func balanceKey(uid string, account model.Account) string {
	return fmt.Sprintf("balance:%s:%s", uid, account)
}

func modeKey() string { return "settings:" + OutcomeModeKey }
