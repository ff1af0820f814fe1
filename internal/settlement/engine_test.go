package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/contract-engine/internal/instrument"
	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/outcome"
	"github.com/atmx/contract-engine/internal/pricefeed"
	"github.com/atmx/contract-engine/internal/risk"
	"github.com/atmx/contract-engine/internal/settlement"
	"github.com/atmx/contract-engine/internal/store"
	"github.com/atmx/contract-engine/internal/tradestate"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const btc = "CRYPTO-BTCUSD"

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	got []model.Notification
}

func (r *recorder) Notify(_ context.Context, n model.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) all() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Notification(nil), r.got...)
}

type harness struct {
	ledger store.Ledger
	mem    *store.MemoryStore
	feed   *pricefeed.Table
	state  *tradestate.State
	sink   *recorder
	engine *settlement.Engine
}

func testConfig() settlement.Config {
	cfg := settlement.DefaultConfig()
	cfg.GuardCooldown = 0
	return cfg
}

func newHarness(t *testing.T, mode outcome.Mode, opts ...settlement.Option) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	return newHarnessOn(t, mem, mem, mode, testConfig(), opts...)
}

func newHarnessOn(t *testing.T, ledger store.Ledger, mem *store.MemoryStore, mode outcome.Mode, cfg settlement.Config, opts ...settlement.Option) *harness {
	t.Helper()
	require.NoError(t, mem.SetOutcomeMode(context.Background(), mode))

	feed := pricefeed.NewTable()
	require.NoError(t, feed.Set(btc, d(100)))

	state := tradestate.New(ledger, 0)
	sink := &recorder{}
	opts = append([]settlement.Option{settlement.WithClock(func() time.Time { return t0 })}, opts...)

	return &harness{
		ledger: ledger,
		mem:    mem,
		feed:   feed,
		state:  state,
		sink:   sink,
		engine: settlement.New(ledger, feed, state, sink, nil, cfg, opts...),
	}
}

func (h *harness) fund(t *testing.T, user string, amount float64) {
	t.Helper()
	_, err := h.ledger.ApplyBalanceDelta(context.Background(), user, model.AccountLive, d(amount), model.ReasonAdjustment)
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	bal, err := h.ledger.GetBalance(context.Background(), user, model.AccountLive)
	require.NoError(t, err)
	return bal
}

// insert writes an open contract straight into the ledger, bypassing the
// open-time risk checks.
func (h *harness) insert(t *testing.T, user string, investment, pct float64, duration int) *model.Contract {
	t.Helper()
	c := &model.Contract{
		ID:              uuid.New().String(),
		UserID:          user,
		Account:         model.AccountLive,
		AssetID:         btc,
		AssetName:       "BTC/USD",
		Side:            model.SideLong,
		EntryPrice:      d(100),
		CurrentPrice:    d(100),
		Investment:      d(investment),
		PayoutPercent:   d(pct),
		DurationSeconds: duration,
		OpenedAt:        t0,
		ExpiresAt:       t0.Add(time.Duration(duration) * time.Second),
		Status:          model.StatusOpen,
	}
	require.NoError(t, h.ledger.InsertOpenContract(context.Background(), c))
	return c
}

func openRequest(user string, investment float64, duration int) settlement.OpenRequest {
	return settlement.OpenRequest{
		UserID:          user,
		AssetID:         btc,
		Side:            model.SideLong,
		Investment:      d(investment),
		DurationSeconds: duration,
	}
}

// --- At most one settlement per contract ---

func TestTick_ConcurrentScansSettleOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	sink := &recorder{}
	feed := pricefeed.NewTable()
	require.NoError(t, feed.Set(btc, d(100)))
	require.NoError(t, mem.SetOutcomeMode(context.Background(), outcome.ModeAlwaysWin))

	// Three engines share one ledger, as three processes would.
	engines := make([]*settlement.Engine, 3)
	for i := range engines {
		engines[i] = settlement.New(mem, feed, tradestate.New(mem, 0), sink, nil, testConfig())
	}

	h := &harness{ledger: mem, mem: mem}
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 25, 60)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(e *settlement.Engine) {
			defer wg.Done()
			_, err := e.Tick(context.Background(), c.ExpiresAt)
			assert.NoError(t, err)
		}(engines[i%len(engines)])
	}
	wg.Wait()

	assert.True(t, h.balance(t, "u1").Equal(d(1025)), "balance %s", h.balance(t, "u1"))

	hist, err := mem.ListTradeHistory(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
	assert.Len(t, sink.all(), 1)

	report, err := settlement.Audit(context.Background(), mem, "u1", model.AccountLive, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settlements)
}

// --- Payout rules ---

func TestTick_WinCreditsProfitOnly(t *testing.T) {
	h := newHarness(t, outcome.ModeAlwaysWin)
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 25, 60)

	n, err := h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.balance(t, "u1").Equal(d(1025)))
}

func TestTick_LossDebitsInvestment(t *testing.T) {
	h := newHarness(t, outcome.ModeAlwaysLoss)
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 25, 60)

	_, err := h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)
	assert.True(t, h.balance(t, "u1").Equal(d(900)))
}

func TestTick_TieLeavesBalance(t *testing.T) {
	h := newHarness(t, outcome.ModeMarket)
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 25, 60)

	_, err := h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)
	assert.True(t, h.balance(t, "u1").Equal(d(1000)))

	hist, _ := h.ledger.ListTradeHistory(context.Background(), "u1")
	require.Len(t, hist, 1)
	assert.Equal(t, model.ResultTie, hist[0].Result)
	assert.True(t, hist[0].ProfitOrLoss.IsZero())

	notes := h.sink.all()
	require.Len(t, notes, 1)
	assert.Equal(t, model.ResultTie, notes[0].Kind)
}

func TestTick_MarketModeFollowsPrice(t *testing.T) {
	h := newHarness(t, outcome.ModeMarket)
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 50, 120)

	require.NoError(t, h.feed.Set(btc, d(99)))
	_, err := h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)

	hist, _ := h.ledger.ListTradeHistory(context.Background(), "u1")
	require.Len(t, hist, 1)
	assert.Equal(t, model.ResultLoss, hist[0].Result)
	assert.True(t, hist[0].ExitPrice.Equal(d(99)))
	assert.True(t, h.balance(t, "u1").Equal(d(900)))
}

// --- Outcome mode enforcement ---

func TestTick_ForcedModesOverManyContracts(t *testing.T) {
	for _, tc := range []struct {
		mode outcome.Mode
		want model.Result
	}{
		{outcome.ModeAlwaysWin, model.ResultWin},
		{outcome.ModeAlwaysLoss, model.ResultLoss},
	} {
		t.Run(string(tc.mode), func(t *testing.T) {
			h := newHarness(t, tc.mode)
			h.fund(t, "u1", 1_000_000)
			for i := 0; i < 1000; i++ {
				h.insert(t, "u1", 10, 20, 30)
			}

			n, err := h.engine.Tick(context.Background(), t0.Add(30*time.Second))
			require.NoError(t, err)
			assert.Equal(t, 1000, n)

			hist, _ := h.ledger.ListTradeHistory(context.Background(), "u1")
			require.Len(t, hist, 1000)
			for _, r := range hist {
				if r.Result != tc.want {
					t.Fatalf("contract %s: expected %s, got %s", r.ContractID, tc.want, r.Result)
				}
			}
		})
	}
}

func TestTick_FairUsesInjectedCoin(t *testing.T) {
	// Price rises, but the coin says LOSS for a LONG position.
	h := newHarness(t, outcome.ModeFair, settlement.WithCoin(func() bool { return false }))
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 25, 60)
	require.NoError(t, h.feed.Set(btc, d(150)))

	_, err := h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)
	assert.True(t, h.balance(t, "u1").Equal(d(900)))
}

func TestTick_PracticeAccountIgnoresForcedMode(t *testing.T) {
	h := newHarness(t, outcome.ModeAlwaysLoss)
	ctx := context.Background()
	_, err := h.ledger.ApplyBalanceDelta(ctx, "u1", model.AccountPractice, d(10000), model.ReasonAdjustment)
	require.NoError(t, err)

	req := openRequest("u1", 100, 60)
	req.Account = model.AccountPractice
	c, err := h.engine.Open(ctx, req)
	require.NoError(t, err)

	require.NoError(t, h.feed.Set(btc, d(120)))
	_, err = h.engine.Tick(ctx, c.ExpiresAt)
	require.NoError(t, err)

	bal, _ := h.ledger.GetBalance(ctx, "u1", model.AccountPractice)
	assert.True(t, bal.Equal(d(10025)), "practice balance %s", bal)
	assert.True(t, h.balance(t, "u1").IsZero(), "live balance untouched")
}

type flakyModes struct {
	*store.MemoryStore
}

func (flakyModes) GetOutcomeMode(context.Context) (outcome.Mode, error) {
	return "", errors.New("settings unavailable")
}

func TestTick_ModeFetchFailureFallsBackToFair(t *testing.T) {
	mem := store.NewMemoryStore()
	ledger := flakyModes{mem}
	h := newHarnessOn(t, ledger, mem, outcome.ModeAlwaysLoss, testConfig(), settlement.WithCoin(func() bool { return true }))
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 25, 60)

	_, err := h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, outcome.ModeFair, h.engine.Mode())
	assert.True(t, h.balance(t, "u1").Equal(d(1025)), "FAIR heads wins")
}

// --- Expiry gating ---

func TestTick_OnlyExpiredContracts(t *testing.T) {
	h := newHarness(t, outcome.ModeAlwaysWin)
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 20, 30)

	n, err := h.engine.Tick(context.Background(), c.ExpiresAt.Add(-time.Millisecond))
	require.NoError(t, err)
	assert.Zero(t, n)

	open, _ := h.ledger.GetOpenContract(context.Background(), c.ID)
	require.NotNil(t, open)
	assert.Equal(t, model.StatusOpen, open.Status)
	assert.True(t, h.balance(t, "u1").Equal(d(1000)))

	n, err = h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// --- End to end ---

func TestEndToEnd_Win(t *testing.T) {
	h := newHarness(t, outcome.ModeAlwaysWin)
	ctx := context.Background()
	h.fund(t, "u1", 1000)
	require.NoError(t, h.state.Refresh(ctx, "u1"))

	c, err := h.engine.Open(ctx, openRequest("u1", 50, 60))
	require.NoError(t, err)
	assert.True(t, c.PayoutPercent.Equal(d(25)))
	assert.Equal(t, "BTC/USD", c.AssetName)
	assert.True(t, h.balance(t, "u1").Equal(d(1000)), "no debit at open")
	assert.Len(t, h.state.OpenContracts("u1"), 1)

	_, err = h.engine.Tick(ctx, t0.Add(60*time.Second))
	require.NoError(t, err)

	assert.True(t, h.balance(t, "u1").Equal(d(1012.5)))
	assert.True(t, h.state.Balance("u1", model.AccountLive).Equal(d(1012.5)), "mirror refreshed")
	assert.Empty(t, h.state.OpenContracts("u1"))

	completed := h.state.Completed("u1")
	require.Len(t, completed, 1)
	assert.Equal(t, model.ResultWin, completed[0].Result)
	settled := completed[0].Contract
	assert.Equal(t, model.StatusSettled, settled.Status)
	assert.Equal(t, model.ResultWin, settled.FinalResult)
	assert.True(t, settled.FinalProfit.Equal(d(12.5)), "final profit %s", settled.FinalProfit)

	notes := h.sink.all()
	require.Len(t, notes, 1)
	assert.Equal(t, model.ResultWin, notes[0].Kind)
	assert.True(t, notes[0].Amount.Equal(d(12.5)))

	hist, _ := h.ledger.ListTradeHistory(ctx, "u1")
	require.Len(t, hist, 1)
	assert.True(t, hist[0].ProfitOrLoss.Equal(d(12.5)))
	assert.Equal(t, model.StatusSettled, hist[0].TerminalStatus)
}

func TestEndToEnd_Loss(t *testing.T) {
	h := newHarness(t, outcome.ModeAlwaysLoss)
	ctx := context.Background()
	h.fund(t, "u1", 1000)
	require.NoError(t, h.state.Refresh(ctx, "u1"))

	_, err := h.engine.Open(ctx, openRequest("u1", 50, 60))
	require.NoError(t, err)

	_, err = h.engine.Tick(ctx, t0.Add(60*time.Second))
	require.NoError(t, err)

	assert.True(t, h.balance(t, "u1").Equal(d(950)))
	completed := h.state.Completed("u1")
	require.Len(t, completed, 1)
	settled := completed[0].Contract
	assert.Equal(t, model.StatusSettled, settled.Status)
	assert.Equal(t, model.ResultLoss, settled.FinalResult)
	assert.True(t, settled.FinalProfit.IsZero(), "final profit %s", settled.FinalProfit)
	hist, _ := h.ledger.ListTradeHistory(ctx, "u1")
	require.Len(t, hist, 1)
	assert.True(t, hist[0].ProfitOrLoss.Equal(d(-50)))
	assert.Equal(t, model.ResultLoss, hist[0].Result)

	notes := h.sink.all()
	require.Len(t, notes, 1)
	assert.Equal(t, model.ResultLoss, notes[0].Kind)

	_, err = settlement.Audit(ctx, h.ledger, "u1", model.AccountLive, decimal.Zero)
	assert.NoError(t, err)
}

// --- Open ---

func TestOpen_InsufficientBalance(t *testing.T) {
	h := newHarness(t, outcome.ModeFair)
	ctx := context.Background()
	h.fund(t, "u1", 100)

	_, err := h.engine.Open(ctx, openRequest("u1", 80, 30))
	require.NoError(t, err)

	// 80 is committed to the open contract, 20 remains available.
	_, err = h.engine.Open(ctx, openRequest("u1", 30, 30))
	assert.ErrorIs(t, err, risk.ErrInsufficientBalance)

	open, _ := h.ledger.ListUserOpenContracts(ctx, "u1")
	assert.Len(t, open, 1, "nothing persisted on rejection")
	assert.True(t, h.balance(t, "u1").Equal(d(100)))
}

func TestOpen_Rejections(t *testing.T) {
	h := newHarness(t, outcome.ModeFair)
	ctx := context.Background()
	h.fund(t, "u1", 1000)

	req := openRequest("u1", 10, 45)
	_, err := h.engine.Open(ctx, req)
	assert.ErrorIs(t, err, settlement.ErrUnknownDuration)

	req = openRequest("u1", 10, 30)
	req.Side = "UP"
	_, err = h.engine.Open(ctx, req)
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)

	req = openRequest("", 10, 30)
	_, err = h.engine.Open(ctx, req)
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)

	req = openRequest("u1", 10, 30)
	req.AssetID = "btc"
	_, err = h.engine.Open(ctx, req)
	assert.ErrorIs(t, err, instrument.ErrInvalidAsset)

	req = openRequest("u1", 10, 30)
	req.AssetID = "STOCK-AAPL"
	_, err = h.engine.Open(ctx, req)
	assert.ErrorIs(t, err, pricefeed.ErrNoPrice)

	req = openRequest("u1", 0, 30)
	_, err = h.engine.Open(ctx, req)
	assert.ErrorIs(t, err, risk.ErrInvalidStake)
}

func TestOpen_ExposureLimit(t *testing.T) {
	mem := store.NewMemoryStore()
	feed := pricefeed.NewTable()
	require.NoError(t, feed.Set(btc, d(100)))
	limiter := risk.NewLimiter(d(100), decimal.Zero)
	e := settlement.New(mem, feed, nil, nil, limiter, testConfig())

	ctx := context.Background()
	_, err := mem.ApplyBalanceDelta(ctx, "u1", model.AccountLive, d(1000), model.ReasonAdjustment)
	require.NoError(t, err)

	_, err = e.Open(ctx, openRequest("u1", 80, 30))
	require.NoError(t, err)
	_, err = e.Open(ctx, openRequest("u1", 30, 30))
	assert.ErrorIs(t, err, risk.ErrPerAssetLimitExceeded)
}

// --- Failure handling ---

type failingLedger struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *failingLedger) SettleContract(ctx context.Context, st *model.Settlement) (decimal.Decimal, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return decimal.Zero, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.SettleContract(ctx, st)
}

func TestTick_LedgerFailureRetriedLater(t *testing.T) {
	mem := store.NewMemoryStore()
	ledger := &failingLedger{MemoryStore: mem, failures: 1}
	h := newHarnessOn(t, ledger, mem, outcome.ModeAlwaysWin, testConfig())
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 25, 60)

	n, err := h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)
	assert.Zero(t, n)

	open, err := mem.GetOpenContract(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, open.Status, "claim released")
	assert.True(t, h.balance(t, "u1").Equal(d(1000)))
	assert.Empty(t, h.sink.all())

	n, err = h.engine.Tick(context.Background(), c.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.balance(t, "u1").Equal(d(1025)))
}

func TestTick_GuardCooldownDelaysRetry(t *testing.T) {
	mem := store.NewMemoryStore()
	ledger := &failingLedger{MemoryStore: mem, failures: 1}
	cfg := testConfig()
	cfg.GuardCooldown = 100 * time.Millisecond
	h := newHarnessOn(t, ledger, mem, outcome.ModeAlwaysWin, cfg)
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 25, 60)

	_, err := h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)
	assert.True(t, h.engine.Guard().Held(c.ID))

	n, err := h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)
	assert.Zero(t, n, "guarded contract skipped during cooldown")

	require.Eventually(t, func() bool { return !h.engine.Guard().Held(c.ID) }, 2*time.Second, 10*time.Millisecond)

	n, err = h.engine.Tick(context.Background(), c.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTick_StaleClaimTakenOver(t *testing.T) {
	h := newHarness(t, outcome.ModeAlwaysWin)
	h.fund(t, "u1", 1000)
	c := h.insert(t, "u1", 100, 25, 60)
	ctx := context.Background()

	// A settler claims the contract and dies before committing.
	_, err := h.ledger.ClaimContract(ctx, c.ID, c.ExpiresAt, 0)
	require.NoError(t, err)

	n, err := h.engine.Tick(ctx, c.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, n, "live claim respected")

	n, err = h.engine.Tick(ctx, c.ExpiresAt.Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.balance(t, "u1").Equal(d(1025)))
}

// --- Price refresh ---

func TestRefreshPrices_UpdatesMirror(t *testing.T) {
	h := newHarness(t, outcome.ModeMarket)
	ctx := context.Background()
	h.fund(t, "u1", 1000)
	require.NoError(t, h.state.Refresh(ctx, "u1"))

	c, err := h.engine.Open(ctx, openRequest("u1", 10, 30))
	require.NoError(t, err)

	require.NoError(t, h.feed.Set(btc, d(104.25)))
	n, err := h.engine.RefreshPrices(ctx, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	mirrored, ok := h.state.Contract("u1", c.ID)
	require.True(t, ok)
	assert.True(t, mirrored.CurrentPrice.Equal(d(104.25)))

	n, err = h.engine.RefreshPrices(ctx, c.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.balance(t, "u1").Equal(d(1002)), "MARKET win pays 20 percent")
}

func TestTick_ManyUsersSettleIndependently(t *testing.T) {
	h := newHarness(t, outcome.ModeAlwaysLoss)
	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("u%d", i)
		h.fund(t, user, 100)
		h.insert(t, user, 10, 20, 30)
	}

	n, err := h.engine.Tick(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("u%d", i)
		assert.True(t, h.balance(t, user).Equal(d(90)))
		assert.False(t, h.state.Loaded(user), "settlement must not load %s into the mirror", user)
	}
}
