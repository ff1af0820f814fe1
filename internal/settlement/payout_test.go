package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCompute(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)
	c := &model.Contract{
		ID:            "c1",
		UserID:        "u1",
		Account:       model.AccountLive,
		EntryPrice:    d(100),
		Investment:    d(100),
		PayoutPercent: d(25),
	}

	tests := []struct {
		result        model.Result
		profit, delta float64
	}{
		{model.ResultWin, 25, 25},
		{model.ResultLoss, 0, -100},
		{model.ResultTie, 0, 0},
	}
	for _, tt := range tests {
		st := Compute(c, tt.result, d(101), at)
		if !st.Profit.Equal(d(tt.profit)) {
			t.Errorf("%s: expected profit %v, got %s", tt.result, tt.profit, st.Profit)
		}
		if !st.BalanceDelta.Equal(d(tt.delta)) {
			t.Errorf("%s: expected delta %v, got %s", tt.result, tt.delta, st.BalanceDelta)
		}
		if !st.Record.ProfitOrLoss.Equal(st.BalanceDelta) {
			t.Errorf("%s: record profit-or-loss %s differs from delta", tt.result, st.Record.ProfitOrLoss)
		}
		if st.Record.TerminalStatus != model.StatusSettled || !st.Record.SettledAt.Equal(at) {
			t.Errorf("%s: unexpected record %+v", tt.result, st.Record)
		}
	}
}

func TestCompute_FractionalPayout(t *testing.T) {
	c := &model.Contract{Investment: d(33.33), PayoutPercent: d(20)}
	st := Compute(c, model.ResultWin, d(1), time.Now())
	if !st.Profit.Equal(d(6.666)) {
		t.Errorf("expected 6.666, got %s", st.Profit)
	}
}

func TestTiers(t *testing.T) {
	tiers := DefaultTiers()

	for secs, want := range map[int]float64{30: 20, 60: 25, 120: 50} {
		got, err := tiers.Payout(secs)
		if err != nil {
			t.Fatalf("%ds: unexpected error: %v", secs, err)
		}
		if !got.Equal(d(want)) {
			t.Errorf("%ds: expected %v%%, got %s", secs, want, got)
		}
	}

	if _, err := tiers.Payout(90); !errors.Is(err, ErrUnknownDuration) {
		t.Errorf("expected ErrUnknownDuration, got %v", err)
	}

	got := tiers.Durations()
	if len(got) != 3 || got[0] != 30 || got[2] != 120 {
		t.Errorf("unexpected durations %v", got)
	}
}

func TestParseTiers(t *testing.T) {
	tiers, err := ParseTiers(" 30:20, 60:25 ,300:80.5,")
	if err != nil {
		t.Fatal(err)
	}
	if len(tiers) != 3 || !tiers[300].Equal(d(80.5)) {
		t.Errorf("unexpected tiers %v", tiers)
	}

	for _, bad := range []string{"", "30", "x:20", "30:y", "0:20", "30:-5"} {
		if _, err := ParseTiers(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard(0)

	if !g.TryAcquire("c1") {
		t.Fatal("expected first acquire to succeed")
	}
	if g.TryAcquire("c1") {
		t.Error("expected second acquire to fail")
	}
	if !g.TryAcquire("c2") {
		t.Error("expected distinct id to be acquirable")
	}
	if g.Len() != 2 {
		t.Errorf("expected 2 held, got %d", g.Len())
	}

	g.Release("c1")
	if g.Held("c1") {
		t.Error("expected immediate release without cooldown")
	}
}

func TestGuard_Cooldown(t *testing.T) {
	g := NewGuard(30 * time.Millisecond)
	g.TryAcquire("c1")
	g.Release("c1")

	if !g.Held("c1") {
		t.Error("expected id held during cooldown")
	}
	deadline := time.Now().Add(time.Second)
	for g.Held("c1") {
		if time.Now().After(deadline) {
			t.Fatal("guard never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEligible(t *testing.T) {
	e := &Engine{cfg: Config{ClaimTTL: 30 * time.Second}}
	exp := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	claimed := exp.Add(time.Second)

	tests := []struct {
		name string
		c    model.Contract
		now  time.Time
		want bool
	}{
		{"open before expiry", model.Contract{Status: model.StatusOpen, ExpiresAt: exp}, exp.Add(-time.Nanosecond), false},
		{"open at expiry", model.Contract{Status: model.StatusOpen, ExpiresAt: exp}, exp, true},
		{"fresh claim", model.Contract{Status: model.StatusSettling, ExpiresAt: exp, ClaimedAt: &claimed}, exp.Add(5 * time.Second), false},
		{"stale claim", model.Contract{Status: model.StatusSettling, ExpiresAt: exp, ClaimedAt: &claimed}, claimed.Add(30 * time.Second), true},
		{"settled", model.Contract{Status: model.StatusSettled, ExpiresAt: exp}, exp.Add(time.Hour), false},
	}
	for _, tt := range tests {
		if got := e.eligible(&tt.c, tt.now); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestAudit_DetectsMismatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.ApplyBalanceDelta(ctx, "u1", model.AccountLive, d(100), model.ReasonAdjustment)
	s.ApplyBalanceDelta(ctx, "u1", model.AccountLive, d(-40), model.ReasonAdjustment)

	report, err := Audit(ctx, s, "u1", model.AccountLive, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected audit failure: %v", err)
	}
	if report.Transactions != 2 || !report.Sum.Equal(d(60)) || !report.Balance.Equal(d(60)) {
		t.Errorf("unexpected report %+v", report)
	}

	// A wrong opening balance breaks the chain.
	if _, err := Audit(ctx, s, "u1", model.AccountLive, d(5)); !errors.Is(err, ErrAuditMismatch) {
		t.Errorf("expected ErrAuditMismatch, got %v", err)
	}
}
