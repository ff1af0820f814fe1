// Package notify delivers settlement notifications to users. Sinks are
// fire-and-forget: a delivery failure is logged and never affects the
// ledger.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/contract-engine/internal/model"
)

// Sink receives user notifications.
type Sink interface {
	Notify(ctx context.Context, n model.Notification)
}

// ForSettlement builds the user-facing notification for a settled contract.
func ForSettlement(c *model.Contract, st *model.Settlement) model.Notification {
	n := model.Notification{
		UserID:     c.UserID,
		ContractID: c.ID,
		Kind:       st.Result,
		CreatedAt:  st.SettledAt,
	}
	switch st.Result {
	case model.ResultWin:
		n.Title = "Contract won"
		n.Message = c.AssetName + " " + string(c.Side) + ": +$" + st.Profit.StringFixed(2)
		n.Amount = st.Profit
	case model.ResultLoss:
		n.Title = "Contract lost"
		n.Message = c.AssetName + " " + string(c.Side) + ": -$" + c.Investment.StringFixed(2)
		n.Amount = c.Investment.Neg()
	default:
		n.Title = "Contract tied"
		n.Message = c.AssetName + " " + string(c.Side) + ": stake returned"
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return n
}

// LogSink writes notifications to the structured log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n model.Notification) {
	slog.Info("notification",
		"user", n.UserID,
		"contract", n.ContractID,
		"kind", n.Kind,
		"amount", n.Amount.String(),
		"message", n.Message,
	)
}

// Multi fans a notification out to several sinks.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n model.Notification) {
	for _, s := range m {
		if s != nil {
			s.Notify(ctx, n)
		}
	}
}
