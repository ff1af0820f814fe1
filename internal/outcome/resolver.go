// Package outcome decides how an expired contract resolves.
//
// The global mode is operator-controlled and fetched fresh for every
// settlement batch. LIVE contracts follow the mode; PRACTICE contracts
// always resolve against the actual price movement.
package outcome

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/model"
)

// Mode is the global outcome policy.
type Mode string

const (
	// ModeAlwaysWin forces every live contract to WIN.
	ModeAlwaysWin Mode = "ALWAYS_WIN"

	// ModeAlwaysLoss forces every live contract to LOSS.
	ModeAlwaysLoss Mode = "ALWAYS_LOSS"

	// ModeFair draws WIN or LOSS with equal probability, independent of
	// entry and current price.
	ModeFair Mode = "FAIR"

	// ModeMarket compares current price to entry price against the side.
	// The only mode that can produce a TIE.
	ModeMarket Mode = "MARKET"
)

// DefaultMode is used until a mode has been fetched successfully.
const DefaultMode = ModeFair

// ErrUnknownMode is returned by ParseMode for unrecognised values.
var ErrUnknownMode = errors.New("outcome: unknown mode")

// ParseMode parses a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeAlwaysWin, ModeAlwaysLoss, ModeFair, ModeMarket:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Coin returns true for WIN on a FAIR draw.
type Coin func() bool

// FairCoin is a uniform 50/50 draw. math/rand/v2 top-level functions are
// safe for concurrent use.
func FairCoin() bool {
	return rand.IntN(2) == 0
}

// Resolver maps (contract, mode) to exactly one result.
type Resolver struct {
	coin Coin
}

// NewResolver creates a resolver. Pass nil to use FairCoin.
func NewResolver(coin Coin) *Resolver {
	if coin == nil {
		coin = FairCoin
	}
	return &Resolver{coin: coin}
}

// Resolve decides the result for c under mode. The contract's
// CurrentPrice must already hold the exit price.
func (r *Resolver) Resolve(c *model.Contract, mode Mode) model.Result {
	if c.Account == model.AccountPractice {
		return CompareMarket(c.Side, c.EntryPrice, c.CurrentPrice)
	}

	switch mode {
	case ModeAlwaysWin:
		return model.ResultWin
	case ModeAlwaysLoss:
		return model.ResultLoss
	case ModeMarket:
		return CompareMarket(c.Side, c.EntryPrice, c.CurrentPrice)
	default:
		if r.coin() {
			return model.ResultWin
		}
		return model.ResultLoss
	}
}

// CompareMarket derives the result from the price movement: LONG wins if
// the price rose, SHORT wins if it fell, an unchanged price is a TIE.
func CompareMarket(side model.Side, entry, current decimal.Decimal) model.Result {
	switch cmp := current.Cmp(entry); {
	case cmp == 0:
		return model.ResultTie
	case (cmp > 0) == (side == model.SideLong):
		return model.ResultWin
	default:
		return model.ResultLoss
	}
}
