// Package store defines the persistence interface for the contract engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), in-memory (for testing and development), and a change-publishing
// wrapper that feeds realtime subscribers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/outcome"
)

var (
	// ErrNotFound is returned when a contract does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when a contract id is inserted twice.
	ErrAlreadyExists = errors.New("store: contract already exists")

	// ErrAlreadyClaimed is returned when another settler holds a live claim.
	ErrAlreadyClaimed = errors.New("store: contract already claimed")

	// ErrAlreadySettled is returned when the open contract row is gone.
	ErrAlreadySettled = errors.New("store: contract already settled")

	// ErrNotClaimed is returned when settling a contract that is still OPEN.
	ErrNotClaimed = errors.New("store: contract not claimed for settlement")
)

// OutcomeModeKey is the system settings key holding the global outcome mode.
const OutcomeModeKey = "contract.outcome_mode"

// Ledger is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Balance mutations are always expressed as deltas applied by the storage
// layer, never as read-then-write in the caller.
type Ledger interface {
	// --- Balances ---

	// GetBalance returns the balance of an account; zero if none exists.
	GetBalance(ctx context.Context, userID string, account model.Account) (decimal.Decimal, error)

	// ApplyBalanceDelta atomically adds delta to the balance, records an
	// audit transaction and returns the new balance.
	ApplyBalanceDelta(ctx context.Context, userID string, account model.Account, delta decimal.Decimal, reason string) (decimal.Decimal, error)

	// ListBalanceTransactions returns the audit log of an account, oldest first.
	ListBalanceTransactions(ctx context.Context, userID string, account model.Account) ([]model.BalanceTransaction, error)

	// --- Open contracts ---

	// InsertOpenContract persists a new OPEN contract. No balance change.
	InsertOpenContract(ctx context.Context, c *model.Contract) error

	// GetOpenContract returns an open (or settling) contract by id.
	GetOpenContract(ctx context.Context, id string) (*model.Contract, error)

	// ListOpenContracts returns every open or settling contract.
	ListOpenContracts(ctx context.Context) ([]model.Contract, error)

	// ListUserOpenContracts returns the open or settling contracts of a user.
	ListUserOpenContracts(ctx context.Context, userID string) ([]model.Contract, error)

	// ClaimContract transitions OPEN -> SETTLING. A SETTLING claim older
	// than staleAfter may be taken over (staleAfter <= 0 disables this).
	// Returns ErrAlreadyClaimed or ErrAlreadySettled when the claim fails.
	ClaimContract(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (*model.Contract, error)

	// ReleaseClaim transitions SETTLING -> OPEN after a failed settlement.
	// Only the claim stamped claimedAt is released; a claim taken over
	// since then is left alone.
	ReleaseClaim(ctx context.Context, id string, claimedAt time.Time) error

	// DeleteOpenContract removes an open contract row. Deleting a row that
	// is already gone is a no-op.
	DeleteOpenContract(ctx context.Context, id string) error

	// --- Settlement ---

	// SettleContract applies a settlement in one transaction: deletes the
	// SETTLING row, applies the balance delta, writes the audit
	// transaction and the trade history record. Returns the new balance.
	// If the row is already gone nothing is applied and ErrAlreadySettled
	// is returned.
	SettleContract(ctx context.Context, s *model.Settlement) (decimal.Decimal, error)

	// --- Trade history ---

	// UpsertTradeHistory inserts a history record; an existing record for
	// the same contract id is left untouched.
	UpsertTradeHistory(ctx context.Context, r *model.TradeRecord) error

	// ListTradeHistory returns a user's settled contracts, newest first.
	ListTradeHistory(ctx context.Context, userID string) ([]model.TradeRecord, error)

	// --- Settings ---

	// GetOutcomeMode returns the operator-selected outcome mode.
	GetOutcomeMode(ctx context.Context) (outcome.Mode, error)

	// SetOutcomeMode stores the outcome mode.
	SetOutcomeMode(ctx context.Context, mode outcome.Mode) error
}
