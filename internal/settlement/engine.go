// Package settlement opens fixed-duration contracts and settles them
// exactly once when they expire.
//
// Settlement is guarded at three levels: an in-process in-flight set
// (Guard), a ledger claim that moves the contract OPEN -> SETTLING, and a
// conditional delete inside the settlement transaction. Any one of them
// losing a race makes the attempt a silent no-op.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/contract-engine/internal/instrument"
	"github.com/atmx/contract-engine/internal/metrics"
	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/notify"
	"github.com/atmx/contract-engine/internal/outcome"
	"github.com/atmx/contract-engine/internal/pricefeed"
	"github.com/atmx/contract-engine/internal/risk"
	"github.com/atmx/contract-engine/internal/store"
	"github.com/atmx/contract-engine/internal/tradestate"
)

// ErrInvalidRequest is returned when an open request fails validation.
var ErrInvalidRequest = errors.New("settlement: invalid open request")

// OpenRequest is the input for opening a contract.
type OpenRequest struct {
	UserID          string          `json:"user_id" validate:"required,max=64"`
	Account         model.Account   `json:"account" validate:"omitempty,oneof=LIVE PRACTICE"`
	AssetID         string          `json:"asset_id" validate:"required"`
	Side            model.Side      `json:"side" validate:"required,oneof=LONG SHORT"`
	Investment      decimal.Decimal `json:"investment"`
	DurationSeconds int             `json:"duration_seconds" validate:"required,gt=0"`
}

// Config tunes the engine.
type Config struct {
	Tiers         Tiers
	GuardCooldown time.Duration

	// ClaimTTL is how long a SETTLING claim may be held before another
	// settler may take it over. Zero disables takeover.
	ClaimTTL      time.Duration
	MaxConcurrent int
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		Tiers:         DefaultTiers(),
		GuardCooldown: DefaultGuardCooldown,
		ClaimTTL:      30 * time.Second,
		MaxConcurrent: 16,
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithCoin replaces the random source used by FAIR mode.
func WithCoin(coin outcome.Coin) Option {
	return func(e *Engine) { e.resolver = outcome.NewResolver(coin) }
}

// WithClock replaces the wall clock used when opening contracts.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine opens and settles contracts.
type Engine struct {
	ledger   store.Ledger
	feed     pricefeed.Feed
	state    *tradestate.State
	sink     notify.Sink
	limiter  *risk.Limiter
	resolver *outcome.Resolver
	modes    *outcome.Provider
	guard    *Guard
	validate *validator.Validate
	cfg      Config
	now      func() time.Time

	// openMu serializes the balance check and insert of Open.
	openMu sync.Mutex
}

// New creates a settlement engine. A nil sink discards notifications and a
// nil limiter only checks the available balance.
func New(
	ledger store.Ledger,
	feed pricefeed.Feed,
	state *tradestate.State,
	sink notify.Sink,
	limiter *risk.Limiter,
	cfg Config,
	opts ...Option,
) *Engine {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if sink == nil {
		sink = notify.Multi{}
	}
	if limiter == nil {
		limiter = risk.NewLimiter(decimal.Zero, decimal.Zero)
	}

	e := &Engine{
		ledger:   ledger,
		feed:     feed,
		state:    state,
		sink:     sink,
		limiter:  limiter,
		resolver: outcome.NewResolver(nil),
		modes:    outcome.NewProvider(countingSource{ledger}),
		guard:    NewGuard(cfg.GuardCooldown),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tiers returns the payout schedule.
func (e *Engine) Tiers() Tiers { return e.cfg.Tiers }

// Guard returns the in-flight guard.
func (e *Engine) Guard() *Guard { return e.guard }

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// Mode returns the last outcome mode applied to a batch.
func (e *Engine) Mode() outcome.Mode { return e.modes.Last() }

// Open validates and persists a new OPEN contract. The stake is not
// debited; it is only reserved against the available balance.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*model.Contract, error) {
	if err := e.validate.Struct(req); err != nil {
		metrics.OpenRejections.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Account == "" {
		req.Account = model.AccountLive
	}

	asset, err := instrument.Parse(req.AssetID)
	if err != nil {
		metrics.OpenRejections.WithLabelValues("asset").Inc()
		return nil, err
	}
	pct, err := e.cfg.Tiers.Payout(req.DurationSeconds)
	if err != nil {
		metrics.OpenRejections.WithLabelValues("duration").Inc()
		return nil, err
	}
	entry, err := e.feed.CurrentPrice(ctx, req.AssetID)
	if err != nil {
		metrics.OpenRejections.WithLabelValues("price").Inc()
		return nil, err
	}

	e.openMu.Lock()
	defer e.openMu.Unlock()

	balance, err := e.ledger.GetBalance(ctx, req.UserID, req.Account)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	open, err := e.ledger.ListUserOpenContracts(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("list open contracts: %w", err)
	}
	stakes := make(map[string]decimal.Decimal)
	for _, c := range open {
		if c.Account == req.Account {
			stakes[c.AssetID] = stakes[c.AssetID].Add(c.Investment)
		}
	}

	if err := e.limiter.CheckOpen(req.AssetID, req.Investment, balance, stakes); err != nil {
		metrics.OpenRejections.WithLabelValues("risk").Inc()
		return nil, err
	}

	now := e.now()
	c := &model.Contract{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Account:         req.Account,
		AssetID:         req.AssetID,
		AssetName:       asset.DisplayName(),
		Side:            req.Side,
		EntryPrice:      entry,
		CurrentPrice:    entry,
		Investment:      req.Investment,
		PayoutPercent:   pct,
		DurationSeconds: req.DurationSeconds,
		OpenedAt:        now,
		ExpiresAt:       now.Add(time.Duration(req.DurationSeconds) * time.Second),
		Status:          model.StatusOpen,
	}
	if err := e.ledger.InsertOpenContract(ctx, c); err != nil {
		return nil, fmt.Errorf("insert contract: %w", err)
	}

	if e.state != nil && e.state.Loaded(c.UserID) {
		e.state.AddOpenContract(*c)
	}
	metrics.ContractsOpened.WithLabelValues(string(c.Account), string(c.Side)).Inc()

	slog.Info("contract opened",
		"contract", c.ID,
		"user", c.UserID,
		"account", c.Account,
		"asset", c.AssetID,
		"side", c.Side,
		"investment", c.Investment.String(),
		"payout_pct", pct.String(),
		"expires_at", c.ExpiresAt,
	)
	return c, nil
}

// Tick runs one settlement scan at now and returns the number of contracts
// settled by this call.
func (e *Engine) Tick(ctx context.Context, now time.Time) (int, error) {
	contracts, err := e.ledger.ListOpenContracts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open contracts: %w", err)
	}
	metrics.OpenContracts.Set(float64(len(contracts)))

	var batch []model.Contract
	for _, c := range contracts {
		if !e.eligible(&c, now) {
			continue
		}
		if !e.guard.TryAcquire(c.ID) {
			continue
		}
		batch = append(batch, c)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	mode := e.modes.Current(ctx)

	var (
		g        errgroup.Group
		mu       sync.Mutex
		settled  int
		affected = make(map[string]struct{})
	)
	g.SetLimit(e.cfg.MaxConcurrent)

	for _, c := range batch {
		g.Go(func() error {
			defer e.guard.Release(c.ID)

			st, err := e.settle(ctx, c, mode, now)
			if err != nil || st == nil {
				return nil
			}
			mu.Lock()
			settled++
			affected[c.UserID] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Reconcile the mirror with the ledger for loaded users only.
	if e.state != nil {
		for userID := range affected {
			if !e.state.Loaded(userID) {
				continue
			}
			if err := e.state.Refresh(ctx, userID); err != nil {
				slog.Warn("post-settlement refresh failed", "user", userID, "err", err)
			}
		}
	}

	if settled > 0 {
		slog.Info("settlement batch complete", "settled", settled, "candidates", len(batch), "mode", mode)
	}
	return settled, nil
}

// eligible reports whether c should be attempted at now: OPEN and expired,
// or SETTLING with a claim older than the claim TTL.
func (e *Engine) eligible(c *model.Contract, now time.Time) bool {
	if !c.Expired(now) {
		return false
	}
	switch c.Status {
	case model.StatusOpen:
		return true
	case model.StatusSettling:
		return e.cfg.ClaimTTL > 0 && c.ClaimedAt != nil && now.Sub(*c.ClaimedAt) >= e.cfg.ClaimTTL
	default:
		return false
	}
}

// settle claims, resolves and persists one contract. It returns nil, nil
// when another settler won the race.
func (e *Engine) settle(ctx context.Context, c model.Contract, mode outcome.Mode, now time.Time) (*model.Settlement, error) {
	start := time.Now()

	claimed, err := e.ledger.ClaimContract(ctx, c.ID, now, e.cfg.ClaimTTL)
	if errors.Is(err, store.ErrAlreadyClaimed) || errors.Is(err, store.ErrAlreadySettled) {
		metrics.DuplicateClaims.Inc()
		slog.Debug("contract claimed elsewhere", "contract", c.ID)
		return nil, nil
	}
	if err != nil {
		metrics.LedgerFailures.Inc()
		slog.Error("claim contract failed", "contract", c.ID, "err", err)
		return nil, err
	}

	exit := e.exitPrice(ctx, claimed)
	claimed.CurrentPrice = exit
	result := e.resolver.Resolve(claimed, mode)

	st := Compute(claimed, result, exit, now)
	st.TransactionID = uuid.New().String()

	balance, err := e.ledger.SettleContract(ctx, st)
	if errors.Is(err, store.ErrAlreadySettled) {
		metrics.DuplicateClaims.Inc()
		slog.Debug("contract settled elsewhere", "contract", c.ID)
		return nil, nil
	}
	if err != nil {
		metrics.LedgerFailures.Inc()
		slog.Error("settle contract failed, releasing claim",
			"contract", c.ID,
			"user", c.UserID,
			"err", err,
		)
		if rerr := e.ledger.ReleaseClaim(ctx, c.ID, *claimed.ClaimedAt); rerr != nil {
			slog.Error("release claim failed", "contract", c.ID, "err", rerr)
		}
		return nil, err
	}

	claimed.Status = model.StatusSettled
	claimed.FinalResult = st.Result
	claimed.FinalProfit = st.Profit

	metrics.SettlementsTotal.WithLabelValues(string(st.Account), string(st.Result)).Inc()
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	metrics.SettlementLag.Observe(now.Sub(claimed.ExpiresAt).Seconds())

	slog.Info("contract settled",
		"contract", c.ID,
		"user", c.UserID,
		"account", st.Account,
		"mode", mode,
		"result", st.Result,
		"entry", claimed.EntryPrice.String(),
		"exit", exit.String(),
		"delta", st.BalanceDelta.String(),
		"balance", balance.String(),
	)

	if e.state != nil && e.state.Loaded(claimed.UserID) {
		e.state.AddCompleted(model.CompletedContract{
			Contract:  *claimed,
			Result:    st.Result,
			Profit:    st.Profit,
			Delta:     st.BalanceDelta,
			ExitPrice: exit,
			SettledAt: st.SettledAt,
		})
	}
	e.sink.Notify(ctx, notify.ForSettlement(claimed, st))
	return st, nil
}

// exitPrice is the latest feed price, falling back to the last mirrored
// price, then the ledger copy, then the entry price.
func (e *Engine) exitPrice(ctx context.Context, c *model.Contract) decimal.Decimal {
	if price, err := e.feed.CurrentPrice(ctx, c.AssetID); err == nil {
		return price
	}
	if e.state != nil {
		if mirrored, ok := e.state.Contract(c.UserID, c.ID); ok && mirrored.CurrentPrice.IsPositive() {
			return mirrored.CurrentPrice
		}
	}
	if c.CurrentPrice.IsPositive() {
		return c.CurrentPrice
	}
	return c.EntryPrice
}

// RefreshPrices pulls the latest price of every asset with an open
// contract into the mirror, then runs a settlement scan.
func (e *Engine) RefreshPrices(ctx context.Context, now time.Time) (int, error) {
	contracts, err := e.ledger.ListOpenContracts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open contracts: %w", err)
	}

	seen := make(map[string]struct{})
	for _, c := range contracts {
		if _, ok := seen[c.AssetID]; ok {
			continue
		}
		seen[c.AssetID] = struct{}{}

		price, err := e.feed.CurrentPrice(ctx, c.AssetID)
		if err != nil {
			slog.Debug("no price for asset", "asset", c.AssetID, "err", err)
			continue
		}
		if e.state != nil {
			e.state.UpdatePrice(c.AssetID, price)
		}
	}
	return e.Tick(ctx, now)
}

// countingSource counts outcome mode fetch failures.
type countingSource struct {
	outcome.ModeSource
}

func (s countingSource) GetOutcomeMode(ctx context.Context) (outcome.Mode, error) {
	mode, err := s.ModeSource.GetOutcomeMode(ctx)
	if err != nil {
		metrics.ModeFetchFailures.Inc()
	}
	return mode, err
}
