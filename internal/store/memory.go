package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/outcome"
)

type accountKey struct {
	userID  string
	account model.Account
}

// MemoryStore implements Ledger with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex makes every method, including SettleContract, atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	balances     map[accountKey]decimal.Decimal
	transactions []model.BalanceTransaction
	open         map[string]*model.Contract
	history      map[string]model.TradeRecord
	historyOrder []string
	mode         outcome.Mode
	now          func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[accountKey]decimal.Decimal),
		open:     make(map[string]*model.Contract),
		history:  make(map[string]model.TradeRecord),
		mode:     outcome.DefaultMode,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string, account model.Account) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[accountKey{userID, account}], nil
}

func (s *MemoryStore) ApplyBalanceDelta(_ context.Context, userID string, account model.Account, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyDeltaLocked(userID, account, "", uuid.New().String(), delta, reason), nil
}

// applyDeltaLocked mutates the balance and appends the audit row.
// Caller must hold s.mu.
func (s *MemoryStore) applyDeltaLocked(userID string, account model.Account, contractID, txID string, delta decimal.Decimal, reason string) decimal.Decimal {
	key := accountKey{userID, account}
	after := s.balances[key].Add(delta)
	s.balances[key] = after

	s.transactions = append(s.transactions, model.BalanceTransaction{
		ID:           txID,
		UserID:       userID,
		Account:      account,
		ContractID:   contractID,
		Delta:        delta,
		BalanceAfter: after,
		Reason:       reason,
		CreatedAt:    s.now(),
	})
	return after
}

func (s *MemoryStore) ListBalanceTransactions(_ context.Context, userID string, account model.Account) ([]model.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BalanceTransaction
	for _, tx := range s.transactions {
		if tx.UserID == userID && tx.Account == account {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertOpenContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, c.ID)
	}
	if _, ok := s.history[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, c.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *c
	s.open[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOpenContract(_ context.Context, id string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: contract %s", ErrNotFound, id)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListOpenContracts(_ context.Context) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contracts := make([]model.Contract, 0, len(s.open))
	for _, c := range s.open {
		contracts = append(contracts, *c)
	}
	sortByExpiry(contracts)
	return contracts, nil
}

func (s *MemoryStore) ListUserOpenContracts(_ context.Context, userID string) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var contracts []model.Contract
	for _, c := range s.open {
		if c.UserID == userID {
			contracts = append(contracts, *c)
		}
	}
	sortByExpiry(contracts)
	return contracts, nil
}

func (s *MemoryStore) ClaimContract(_ context.Context, id string, now time.Time, staleAfter time.Duration) (*model.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, id)
	}

	switch c.Status {
	case model.StatusOpen:
	case model.StatusSettling:
		stale := staleAfter > 0 && c.ClaimedAt != nil && now.Sub(*c.ClaimedAt) >= staleAfter
		if !stale {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, id)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, id)
	}

	claimedAt := now
	c.Status = model.StatusSettling
	c.ClaimedAt = &claimedAt

	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, id string, claimedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.open[id]
	if !ok || c.Status != model.StatusSettling {
		return nil
	}
	if c.ClaimedAt == nil || !c.ClaimedAt.Equal(claimedAt) {
		return nil
	}
	c.Status = model.StatusOpen
	c.ClaimedAt = nil
	return nil
}

func (s *MemoryStore) DeleteOpenContract(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.open, id)
	return nil
}

func (s *MemoryStore) SettleContract(_ context.Context, st *model.Settlement) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.open[st.ContractID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAlreadySettled, st.ContractID)
	}
	if c.Status != model.StatusSettling {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotClaimed, st.ContractID)
	}

	delete(s.open, st.ContractID)
	after := s.applyDeltaLocked(st.UserID, st.Account, st.ContractID, st.TransactionID, st.BalanceDelta, model.ReasonSettlement)
	s.upsertHistoryLocked(st.Record)
	return after, nil
}

func (s *MemoryStore) UpsertTradeHistory(_ context.Context, r *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertHistoryLocked(*r)
	return nil
}

func (s *MemoryStore) upsertHistoryLocked(r model.TradeRecord) {
	if _, ok := s.history[r.ContractID]; ok {
		return
	}
	s.history[r.ContractID] = r
	s.historyOrder = append(s.historyOrder, r.ContractID)
}

func (s *MemoryStore) ListTradeHistory(_ context.Context, userID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for i := len(s.historyOrder) - 1; i >= 0; i-- {
		r := s.history[s.historyOrder[i]]
		if r.UserID == userID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetOutcomeMode(_ context.Context) (outcome.Mode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.mode, nil
}

func (s *MemoryStore) SetOutcomeMode(_ context.Context, mode outcome.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = mode
	return nil
}

func sortByExpiry(contracts []model.Contract) {
	sort.Slice(contracts, func(i, j int) bool {
		if contracts[i].ExpiresAt.Equal(contracts[j].ExpiresAt) {
			return contracts[i].ID < contracts[j].ID
		}
		return contracts[i].ExpiresAt.Before(contracts[j].ExpiresAt)
	})
}
