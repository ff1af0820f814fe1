package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/outcome"
)

// ObservedStore publishes a ChangeEvent to the broker after every successful
// write to the wrapped Ledger. Publish failures are logged and never fail
// the write.
type ObservedStore struct {
	Ledger
	broker Broker
	now    func() time.Time
}

// NewObservedStore wraps a ledger with change publication.
func NewObservedStore(inner Ledger, broker Broker) *ObservedStore {
	return &ObservedStore{
		Ledger: inner,
		broker: broker,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *ObservedStore) publish(ctx context.Context, ev ChangeEvent) {
	ev.At = s.now()
	if err := s.broker.Publish(ctx, ev); err != nil {
		slog.Warn("publish change", "table", ev.Table, "op", ev.Op, "error", err)
	}
}

func (s *ObservedStore) ApplyBalanceDelta(ctx context.Context, userID string, account model.Account, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	after, err := s.Ledger.ApplyBalanceDelta(ctx, userID, account, delta, reason)
	if err != nil {
		return decimal.Zero, err
	}
	s.publish(ctx, ChangeEvent{Table: TableBalances, Op: OpUpdate, UserID: userID, Account: account})
	return after, nil
}

func (s *ObservedStore) InsertOpenContract(ctx context.Context, c *model.Contract) error {
	if err := s.Ledger.InsertOpenContract(ctx, c); err != nil {
		return err
	}
	s.publish(ctx, ChangeEvent{Table: TableOpenContracts, Op: OpInsert, UserID: c.UserID, Account: c.Account, ContractID: c.ID})
	return nil
}

func (s *ObservedStore) DeleteOpenContract(ctx context.Context, id string) error {
	c, _ := s.Ledger.GetOpenContract(ctx, id)
	if err := s.Ledger.DeleteOpenContract(ctx, id); err != nil {
		return err
	}
	ev := ChangeEvent{Table: TableOpenContracts, Op: OpDelete, ContractID: id}
	if c != nil {
		ev.UserID, ev.Account = c.UserID, c.Account
	}
	s.publish(ctx, ev)
	return nil
}

func (s *ObservedStore) SettleContract(ctx context.Context, st *model.Settlement) (decimal.Decimal, error) {
	after, err := s.Ledger.SettleContract(ctx, st)
	if err != nil {
		return decimal.Zero, err
	}
	s.publish(ctx, ChangeEvent{Table: TableOpenContracts, Op: OpDelete, UserID: st.UserID, Account: st.Account, ContractID: st.ContractID})
	s.publish(ctx, ChangeEvent{Table: TableBalances, Op: OpUpdate, UserID: st.UserID, Account: st.Account})
	s.publish(ctx, ChangeEvent{Table: TableTradeHistory, Op: OpInsert, UserID: st.UserID, Account: st.Account, ContractID: st.ContractID})
	return after, nil
}

func (s *ObservedStore) UpsertTradeHistory(ctx context.Context, r *model.TradeRecord) error {
	if err := s.Ledger.UpsertTradeHistory(ctx, r); err != nil {
		return err
	}
	s.publish(ctx, ChangeEvent{Table: TableTradeHistory, Op: OpInsert, UserID: r.UserID, Account: r.Account, ContractID: r.ContractID})
	return nil
}

func (s *ObservedStore) SetOutcomeMode(ctx context.Context, mode outcome.Mode) error {
	if err := s.Ledger.SetOutcomeMode(ctx, mode); err != nil {
		return err
	}
	s.publish(ctx, ChangeEvent{Table: TableSettings, Op: OpUpdate})
	return nil
}
