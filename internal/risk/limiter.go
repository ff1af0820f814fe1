// Package risk implements the open-time checks for contracts: the user must
// be able to cover the stake, and exposure is capped per asset and per
// correlated asset class.
//
// Contracts do not debit the balance when they open, so the available
// balance is the ledger balance minus the stakes of contracts still open.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/instrument"
)

var (
	// ErrInsufficientBalance is returned when the stake exceeds the
	// balance not already committed to open contracts.
	ErrInsufficientBalance = errors.New("risk: insufficient available balance")

	// ErrPerAssetLimitExceeded is returned when a contract would push the
	// open stake on a single asset beyond the per-asset maximum.
	ErrPerAssetLimitExceeded = errors.New("risk: per-asset exposure limit exceeded")

	// ErrClassLimitExceeded is returned when a contract would push the
	// aggregate open stake across one asset class beyond the class maximum.
	ErrClassLimitExceeded = errors.New("risk: asset-class exposure limit exceeded")

	// ErrInvalidStake is returned for zero or negative stakes.
	ErrInvalidStake = errors.New("risk: stake must be positive")
)

// Limiter enforces stake limits with asset-class correlation awareness.
// Assets of the same class (all CRYPTO, all FOREX, ...) tend to move
// together, so their open stakes are summed against MaxPerClass.
//
// A zero limit disables that check.
type Limiter struct {
	// MaxPerAsset is the maximum total open stake on any single asset.
	MaxPerAsset decimal.Decimal

	// MaxPerClass is the maximum aggregate open stake across all assets
	// that share an asset class.
	MaxPerClass decimal.Decimal
}

// NewLimiter creates a limiter with the given per-asset and per-class limits.
func NewLimiter(maxPerAsset, maxPerClass decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerAsset: maxPerAsset,
		MaxPerClass: maxPerClass,
	}
}

// CheckOpen validates whether a new contract respects the limits.
//
// Parameters:
//   - assetID: instrument of the contract being opened
//   - stake: investment of the new contract
//   - balance: current ledger balance of the account
//   - openStakes: map of asset ID → total stake of contracts still open
func (l *Limiter) CheckOpen(
	assetID string,
	stake decimal.Decimal,
	balance decimal.Decimal,
	openStakes map[string]decimal.Decimal,
) error {
	if !stake.IsPositive() {
		return ErrInvalidStake
	}

	// 1. Available balance.
	committed := decimal.Zero
	for _, s := range openStakes {
		committed = committed.Add(s)
	}
	if stake.GreaterThan(balance.Sub(committed)) {
		return ErrInsufficientBalance
	}

	// 2. Per-asset limit.
	newOnAsset := openStakes[assetID].Add(stake)
	if l.MaxPerAsset.IsPositive() && newOnAsset.GreaterThan(l.MaxPerAsset) {
		return ErrPerAssetLimitExceeded
	}

	// 3. Correlated class exposure.
	if !l.MaxPerClass.IsPositive() {
		return nil
	}
	targetClass := instrument.ClassOf(assetID)
	totalClass := newOnAsset
	for id, s := range openStakes {
		if id == assetID {
			continue // already counted via newOnAsset above
		}
		if instrument.ClassOf(id) == targetClass {
			totalClass = totalClass.Add(s)
		}
	}
	if totalClass.GreaterThan(l.MaxPerClass) {
		return ErrClassLimitExceeded
	}

	return nil
}
