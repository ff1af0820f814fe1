// Package model defines the core domain types shared across the contract engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction a contract bets on.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Status is the contract lifecycle state: OPEN -> SETTLING -> SETTLED.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusSettling Status = "SETTLING"
	StatusSettled  Status = "SETTLED"
)

// Result is the terminal outcome of a contract.
type Result string

const (
	ResultWin  Result = "WIN"
	ResultLoss Result = "LOSS"
	ResultTie  Result = "TIE"
)

// Account separates real-money balances from paper trading balances.
type Account string

const (
	AccountLive     Account = "LIVE"
	AccountPractice Account = "PRACTICE"
)

// Valid reports whether a is a known account.
func (a Account) Valid() bool {
	return a == AccountLive || a == AccountPractice
}

// Contract is a fixed-duration binary-outcome position with a payout rate
// fixed at open time. Investment is NOT deducted when the contract opens;
// it is only debited if the contract settles as a loss.
type Contract struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Account         Account         `json:"account" db:"account"`
	AssetID         string          `json:"asset_id" db:"asset_id"`
	AssetName       string          `json:"asset_name" db:"asset_name"`
	Side            Side            `json:"side" db:"side"`
	EntryPrice      decimal.Decimal `json:"entry_price" db:"entry_price"`
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	Investment      decimal.Decimal `json:"investment" db:"investment"`
	PayoutPercent   decimal.Decimal `json:"payout_percent" db:"payout_percent"`
	DurationSeconds int             `json:"duration_seconds" db:"duration_seconds"`
	OpenedAt        time.Time       `json:"opened_at" db:"opened_at"`
	ExpiresAt       time.Time       `json:"expires_at" db:"expires_at"`
	Status          Status          `json:"status" db:"status"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty" db:"claimed_at"`
	FinalResult     Result          `json:"final_result,omitempty" db:"final_result"`
	FinalProfit     decimal.Decimal `json:"final_profit" db:"final_profit"`
}

// Expired reports whether the contract is due for settlement at now.
func (c *Contract) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Remaining returns the countdown until expiry, floored at zero.
func (c *Contract) Remaining(now time.Time) time.Duration {
	if c.Expired(now) {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}

// Settlement is the single atomic ledger mutation that closes a contract.
type Settlement struct {
	ContractID    string          `json:"contract_id"`
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Account       Account         `json:"account"`
	Result        Result          `json:"result"`
	ExitPrice     decimal.Decimal `json:"exit_price"`
	Profit        decimal.Decimal `json:"profit"`        // finalProfit: >0 only on WIN
	BalanceDelta  decimal.Decimal `json:"balance_delta"` // +profit, -investment or 0
	Record        TradeRecord     `json:"record"`
	SettledAt     time.Time       `json:"settled_at"`
}

// TradeRecord is the trade history row written once per settled contract.
type TradeRecord struct {
	ContractID     string          `json:"contract_id" db:"contract_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Account        Account         `json:"account" db:"account"`
	AssetID        string          `json:"asset_id" db:"asset_id"`
	AssetName      string          `json:"asset_name" db:"asset_name"`
	Side           Side            `json:"side" db:"side"`
	EntryPrice     decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice      decimal.Decimal `json:"exit_price" db:"exit_price"`
	Investment     decimal.Decimal `json:"investment" db:"investment"`
	PayoutPercent  decimal.Decimal `json:"payout_percent" db:"payout_percent"`
	ProfitOrLoss   decimal.Decimal `json:"profit_or_loss" db:"profit_or_loss"` // signed
	Result         Result          `json:"result" db:"result"`
	TerminalStatus Status          `json:"terminal_status" db:"terminal_status"`
	OpenedAt       time.Time       `json:"opened_at" db:"opened_at"`
	SettledAt      time.Time       `json:"settled_at" db:"settled_at"`
}

// Transaction reasons.
const (
	ReasonSettlement = "contract_settlement"
	ReasonAdjustment = "adjustment"
)

// BalanceTransaction is an immutable audit row for every balance mutation.
// The sum of deltas for a (user, account) equals the net balance change.
type BalanceTransaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Account      Account         `json:"account" db:"account"`
	ContractID   string          `json:"contract_id,omitempty" db:"contract_id"`
	Delta        decimal.Decimal `json:"delta" db:"delta"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Reason       string          `json:"reason" db:"reason"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// PositionKind distinguishes the order paths that feed the merged position list.
type PositionKind string

const (
	KindSpot     PositionKind = "SPOT"
	KindFutures  PositionKind = "FUTURES"
	KindContract PositionKind = "CONTRACT"
)

// Position is one row of the merged open-positions view.
type Position struct {
	Kind         PositionKind    `json:"kind"`
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Account      Account         `json:"account"`
	AssetID      string          `json:"asset_id"`
	AssetName    string          `json:"asset_name"`
	Side         Side            `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Amount       decimal.Decimal `json:"amount"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// PositionFromContract maps an open contract into the merged position view.
func PositionFromContract(c Contract) Position {
	expires := c.ExpiresAt
	return Position{
		Kind:         KindContract,
		ID:           c.ID,
		UserID:       c.UserID,
		Account:      c.Account,
		AssetID:      c.AssetID,
		AssetName:    c.AssetName,
		Side:         c.Side,
		EntryPrice:   c.EntryPrice,
		CurrentPrice: c.CurrentPrice,
		Amount:       c.Investment,
		ExpiresAt:    &expires,
	}
}

// Notification is a user-facing settlement event.
type Notification struct {
	UserID     string          `json:"user_id"`
	ContractID string          `json:"contract_id"`
	Kind       Result          `json:"kind"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CompletedContract is a just-settled contract kept for the win/loss modal.
type CompletedContract struct {
	Contract  Contract        `json:"contract"`
	Result    Result          `json:"result"`
	Profit    decimal.Decimal `json:"profit"`
	Delta     decimal.Decimal `json:"delta"`
	ExitPrice decimal.Decimal `json:"exit_price"`
	SettledAt time.Time       `json:"settled_at"`
}
