// Package tradestate keeps a per-process mirror of each user's trading
// state: balances, merged open positions and the list of just-settled
// contracts awaiting acknowledgement. The ledger stays authoritative; the
// mirror is reconciled by explicit refreshes and by ledger change events,
// and is eventually consistent.
package tradestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/store"
)

// DefaultCompletedLimit bounds the recently-completed list per user.
const DefaultCompletedLimit = 20

// Source is the read side of the ledger the mirror is rebuilt from.
type Source interface {
	GetBalance(ctx context.Context, userID string, account model.Account) (decimal.Decimal, error)
	ListUserOpenContracts(ctx context.Context, userID string) ([]model.Contract, error)
}

// Snapshot is a copy of one user's mirrored state.
type Snapshot struct {
	UserID      string                            `json:"user_id"`
	Balances    map[model.Account]decimal.Decimal `json:"balances"`
	Positions   []model.Position                  `json:"positions"`
	Completed   []model.CompletedContract         `json:"completed"`
	RefreshedAt time.Time                         `json:"refreshed_at"`
}

type userState struct {
	balances    map[model.Account]decimal.Decimal
	contracts   map[string]model.Contract
	external    map[model.PositionKind][]model.Position
	completed   []model.CompletedContract
	loaded      bool
	refreshedAt time.Time
}

func newUserState() *userState {
	return &userState{
		balances:  make(map[model.Account]decimal.Decimal),
		contracts: make(map[string]model.Contract),
		external:  make(map[model.PositionKind][]model.Position),
	}
}

// State is the multi-user mirror. Safe for concurrent use.
type State struct {
	src            Source
	completedLimit int

	mu       sync.RWMutex
	users    map[string]*userState
	listener func(userID string)
}

// New creates a mirror backed by src. A non-positive completedLimit uses
// DefaultCompletedLimit.
func New(src Source, completedLimit int) *State {
	if completedLimit <= 0 {
		completedLimit = DefaultCompletedLimit
	}
	return &State{
		src:            src,
		completedLimit: completedLimit,
		users:          make(map[string]*userState),
	}
}

// OnChange registers fn to be called (outside the lock) whenever a user's
// mirrored state changes.
func (s *State) OnChange(fn func(userID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
}

func (s *State) changed(userID string) {
	s.mu.RLock()
	fn := s.listener
	s.mu.RUnlock()
	if fn != nil {
		fn(userID)
	}
}

// user returns the state of userID, creating it. Caller must hold s.mu.
func (s *State) user(userID string) *userState {
	u, ok := s.users[userID]
	if !ok {
		u = newUserState()
		s.users[userID] = u
	}
	return u
}

// Refresh refetches balances and open contracts of a user from the ledger
// and replaces the mirrored copies. Prices observed by UpdatePrice survive
// the refresh.
func (s *State) Refresh(ctx context.Context, userID string) error {
	balances := make(map[model.Account]decimal.Decimal, 2)
	for _, acct := range []model.Account{model.AccountLive, model.AccountPractice} {
		bal, err := s.src.GetBalance(ctx, userID, acct)
		if err != nil {
			return fmt.Errorf("refresh %s balance: %w", acct, err)
		}
		balances[acct] = bal
	}
	contracts, err := s.src.ListUserOpenContracts(ctx, userID)
	if err != nil {
		return fmt.Errorf("refresh open contracts: %w", err)
	}

	s.mu.Lock()
	u := s.user(userID)
	fresh := make(map[string]model.Contract, len(contracts))
	for _, c := range contracts {
		if old, ok := u.contracts[c.ID]; ok && old.CurrentPrice.IsPositive() {
			c.CurrentPrice = old.CurrentPrice
		}
		fresh[c.ID] = c
	}
	u.balances = balances
	u.contracts = fresh
	u.loaded = true
	u.refreshedAt = time.Now().UTC()
	s.mu.Unlock()

	s.changed(userID)
	return nil
}

// Ensure loads a user from the ledger on first access.
func (s *State) Ensure(ctx context.Context, userID string) error {
	s.mu.RLock()
	u, ok := s.users[userID]
	loaded := ok && u.loaded
	s.mu.RUnlock()

	if loaded {
		return nil
	}
	return s.Refresh(ctx, userID)
}

// Loaded reports whether the user's state has been fetched at least once.
func (s *State) Loaded(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	return ok && u.loaded
}

// Balance returns the mirrored balance of an account.
func (s *State) Balance(userID string, account model.Account) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[userID]; ok {
		return u.balances[account]
	}
	return decimal.Zero
}

// AddOpenContract mirrors a newly opened contract.
func (s *State) AddOpenContract(c model.Contract) {
	s.mu.Lock()
	s.user(c.UserID).contracts[c.ID] = c
	s.mu.Unlock()

	s.changed(c.UserID)
}

// RemoveOpenContract drops a contract from the mirrored open list.
func (s *State) RemoveOpenContract(userID, contractID string) {
	s.mu.Lock()
	if u, ok := s.users[userID]; ok {
		delete(u.contracts, contractID)
	}
	s.mu.Unlock()

	s.changed(userID)
}

// Contract returns one mirrored open contract.
func (s *State) Contract(userID, contractID string) (model.Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return model.Contract{}, false
	}
	c, ok := u.contracts[contractID]
	return c, ok
}

// OpenContracts returns the mirrored open contracts of a user ordered by
// expiry.
func (s *State) OpenContracts(userID string) []model.Contract {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	out := make([]model.Contract, 0, len(u.contracts))
	for _, c := range u.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// UpdatePrice applies a price tick to every mirrored contract on assetID
// and returns the ids of the users affected.
func (s *State) UpdatePrice(assetID string, price decimal.Decimal) []string {
	var touched []string

	s.mu.Lock()
	for userID, u := range s.users {
		hit := false
		for id, c := range u.contracts {
			if c.AssetID == assetID {
				c.CurrentPrice = price
				u.contracts[id] = c
				hit = true
			}
		}
		for kind, ps := range u.external {
			for i := range ps {
				if ps[i].AssetID == assetID {
					ps[i].CurrentPrice = price
					hit = true
				}
			}
			u.external[kind] = ps
		}
		if hit {
			touched = append(touched, userID)
		}
	}
	s.mu.Unlock()

	for _, userID := range touched {
		s.changed(userID)
	}
	return touched
}

// SetPositions replaces the positions of one non-contract kind (spot,
// futures) for a user.
func (s *State) SetPositions(userID string, kind model.PositionKind, positions []model.Position) error {
	if kind == model.KindContract {
		return errors.New("tradestate: contract positions derive from open contracts")
	}

	cp := make([]model.Position, len(positions))
	copy(cp, positions)

	s.mu.Lock()
	s.user(userID).external[kind] = cp
	s.mu.Unlock()

	s.changed(userID)
	return nil
}

// Positions returns the merged open positions of a user: external kinds
// first (spot, futures), then contracts by expiry.
func (s *State) Positions(userID string) []model.Position {
	contracts := s.OpenContracts(userID)

	s.mu.RLock()
	var out []model.Position
	if u, ok := s.users[userID]; ok {
		for _, kind := range []model.PositionKind{model.KindSpot, model.KindFutures} {
			out = append(out, u.external[kind]...)
		}
	}
	s.mu.RUnlock()

	for _, c := range contracts {
		out = append(out, model.PositionFromContract(c))
	}
	return out
}

// AddCompleted records a just-settled contract: the contract leaves the
// open list and joins the recently-completed list, evicting the oldest
// entry beyond the limit.
func (s *State) AddCompleted(cc model.CompletedContract) {
	userID := cc.Contract.UserID

	s.mu.Lock()
	u := s.user(userID)
	delete(u.contracts, cc.Contract.ID)
	for _, existing := range u.completed {
		if existing.Contract.ID == cc.Contract.ID {
			s.mu.Unlock()
			return
		}
	}
	u.completed = append(u.completed, cc)
	if over := len(u.completed) - s.completedLimit; over > 0 {
		u.completed = append([]model.CompletedContract(nil), u.completed[over:]...)
	}
	s.mu.Unlock()

	s.changed(userID)
}

// Completed returns the recently-completed contracts of a user, oldest
// first.
func (s *State) Completed(userID string) []model.CompletedContract {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	return append([]model.CompletedContract(nil), u.completed...)
}

// Ack clears the recently-completed list once the UI has shown it.
func (s *State) Ack(userID string) {
	s.mu.Lock()
	if u, ok := s.users[userID]; ok {
		u.completed = nil
	}
	s.mu.Unlock()

	s.changed(userID)
}

// Snapshot returns a copy of a user's mirrored state.
func (s *State) Snapshot(userID string) Snapshot {
	positions := s.Positions(userID)
	completed := s.Completed(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		UserID:    userID,
		Balances:  make(map[model.Account]decimal.Decimal, 2),
		Positions: positions,
		Completed: completed,
	}
	if snap.Positions == nil {
		snap.Positions = []model.Position{}
	}
	if snap.Completed == nil {
		snap.Completed = []model.CompletedContract{}
	}
	if u, ok := s.users[userID]; ok {
		for acct, bal := range u.balances {
			snap.Balances[acct] = bal
		}
		snap.RefreshedAt = u.refreshedAt
	}
	return snap
}

// Run subscribes to ledger change events and refetches the affected user
// whenever one of their rows changes. Only users already loaded into this
// mirror are refetched. Blocks until ctx is done.
func (s *State) Run(ctx context.Context, broker store.Broker) error {
	events, err := broker.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe ledger changes: %w", err)
	}
	slog.Info("trading state subscribed to ledger changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *State) handle(ctx context.Context, ev store.ChangeEvent) {
	switch ev.Table {
	case store.TableBalances, store.TableOpenContracts:
	default:
		return
	}
	if ev.UserID == "" || !s.Loaded(ev.UserID) {
		return
	}
	if err := s.Refresh(ctx, ev.UserID); err != nil {
		slog.Warn("refetch after ledger change failed", "user", ev.UserID, "table", ev.Table, "err", err)
	}
}
