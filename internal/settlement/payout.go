package settlement

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/model"
)

// ErrUnknownDuration is returned when no payout tier matches a duration.
var ErrUnknownDuration = errors.New("settlement: no payout tier for duration")

var hundred = decimal.NewFromInt(100)

// Tiers maps a contract duration in seconds to its payout percent.
type Tiers map[int]decimal.Decimal

// DefaultTiers returns the standard schedule: 30s pays 20%, 60s pays 25%,
// 120s pays 50%.
func DefaultTiers() Tiers {
	return Tiers{
		30:  decimal.NewFromInt(20),
		60:  decimal.NewFromInt(25),
		120: decimal.NewFromInt(50),
	}
}

// ParseTiers parses "seconds:percent" pairs separated by commas, e.g.
// "30:20,60:25,120:50".
func ParseTiers(s string) (Tiers, error) {
	tiers := make(Tiers)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		secs, pct, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("settlement: bad tier %q", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(secs))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("settlement: bad tier duration %q", secs)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(pct))
		if err != nil || !p.IsPositive() {
			return nil, fmt.Errorf("settlement: bad tier percent %q", pct)
		}
		tiers[n] = p
	}
	if len(tiers) == 0 {
		return nil, errors.New("settlement: no payout tiers")
	}
	return tiers, nil
}

// Payout returns the payout percent for a duration.
func (t Tiers) Payout(durationSeconds int) (decimal.Decimal, error) {
	pct, ok := t[durationSeconds]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %ds", ErrUnknownDuration, durationSeconds)
	}
	return pct, nil
}

// Durations returns the configured durations in ascending order.
func (t Tiers) Durations() []int {
	out := make([]int, 0, len(t))
	for secs := range t {
		out = append(out, secs)
	}
	sort.Ints(out)
	return out
}

// Compute builds the settlement of a contract for a resolved result.
//
//	WIN:  profit = investment * payout% / 100, delta = +profit
//	LOSS: profit = 0, delta = -investment
//	TIE:  profit = 0, delta = 0
//
// The stake was never debited at open, so a WIN credits only the profit.
func Compute(c *model.Contract, result model.Result, exit decimal.Decimal, at time.Time) *model.Settlement {
	var profit, delta decimal.Decimal
	switch result {
	case model.ResultWin:
		profit = c.Investment.Mul(c.PayoutPercent).Div(hundred)
		delta = profit
	case model.ResultLoss:
		delta = c.Investment.Neg()
	}

	return &model.Settlement{
		ContractID:   c.ID,
		UserID:       c.UserID,
		Account:      c.Account,
		Result:       result,
		ExitPrice:    exit,
		Profit:       profit,
		BalanceDelta: delta,
		SettledAt:    at,
		Record: model.TradeRecord{
			ContractID:     c.ID,
			UserID:         c.UserID,
			Account:        c.Account,
			AssetID:        c.AssetID,
			AssetName:      c.AssetName,
			Side:           c.Side,
			EntryPrice:     c.EntryPrice,
			ExitPrice:      exit,
			Investment:     c.Investment,
			PayoutPercent:  c.PayoutPercent,
			ProfitOrLoss:   delta,
			Result:         result,
			TerminalStatus: model.StatusSettled,
			OpenedAt:       c.OpenedAt,
			SettledAt:      at,
		},
	}
}
