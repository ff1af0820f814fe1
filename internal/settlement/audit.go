package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/store"
)

var (
	// ErrAuditMismatch is returned when the balance does not equal the
	// opening balance plus the sum of recorded deltas.
	ErrAuditMismatch = errors.New("settlement: balance does not match transaction log")

	// ErrDuplicateSettlement is returned when one contract has more than
	// one settlement transaction.
	ErrDuplicateSettlement = errors.New("settlement: contract settled more than once")
)

// AuditReport summarises an account's transaction log.
type AuditReport struct {
	UserID       string          `json:"user_id"`
	Account      model.Account   `json:"account"`
	Opening      decimal.Decimal `json:"opening"`
	Sum          decimal.Decimal `json:"sum"`
	Balance      decimal.Decimal `json:"balance"`
	Transactions int             `json:"transactions"`
	Settlements  int             `json:"settlements"`
}

// Audit checks that every balance change of an account is accounted for:
// each transaction's BalanceAfter follows from the previous one, at most
// one settlement row exists per contract, and the current balance equals
// opening plus the sum of deltas.
func Audit(ctx context.Context, ledger store.Ledger, userID string, account model.Account, opening decimal.Decimal) (*AuditReport, error) {
	txs, err := ledger.ListBalanceTransactions(ctx, userID, account)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	balance, err := ledger.GetBalance(ctx, userID, account)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}

	report := &AuditReport{
		UserID:       userID,
		Account:      account,
		Opening:      opening,
		Sum:          decimal.Zero,
		Balance:      balance,
		Transactions: len(txs),
	}

	running := opening
	settled := make(map[string]struct{})
	for _, tx := range txs {
		running = running.Add(tx.Delta)
		report.Sum = report.Sum.Add(tx.Delta)
		if !running.Equal(tx.BalanceAfter) {
			return report, fmt.Errorf("%w: tx %s expected balance %s, recorded %s",
				ErrAuditMismatch, tx.ID, running, tx.BalanceAfter)
		}
		if tx.Reason != model.ReasonSettlement {
			continue
		}
		if _, dup := settled[tx.ContractID]; dup {
			return report, fmt.Errorf("%w: %s", ErrDuplicateSettlement, tx.ContractID)
		}
		settled[tx.ContractID] = struct{}{}
		report.Settlements++
	}

	if !opening.Add(report.Sum).Equal(balance) {
		return report, fmt.Errorf("%w: opening %s + sum %s != balance %s",
			ErrAuditMismatch, opening, report.Sum, balance)
	}
	return report, nil
}
