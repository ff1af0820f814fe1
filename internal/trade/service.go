// Package trade provides the HTTP handlers for opening contracts and
// querying balances, positions, trade history and the outcome mode.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/instrument"
	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/outcome"
	"github.com/atmx/contract-engine/internal/pricefeed"
	"github.com/atmx/contract-engine/internal/risk"
	"github.com/atmx/contract-engine/internal/settlement"
	"github.com/atmx/contract-engine/internal/store"
	"github.com/atmx/contract-engine/internal/tradestate"
)

// Service serves the contract API.
type Service struct {
	engine   *settlement.Engine
	ledger   store.Ledger
	state    *tradestate.State
	prices   *pricefeed.Table
	validate *validator.Validate
}

// NewService creates a new trade service. prices may be nil when prices
// only come from an external feed; POST /prices then returns 404.
func NewService(engine *settlement.Engine, ledger store.Ledger, state *tradestate.State, prices *pricefeed.Table) *Service {
	return &Service{
		engine:   engine,
		ledger:   ledger,
		state:    state,
		prices:   prices,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes registers the handlers on r (mounted under /api/v1).
func (s *Service) Routes(r chi.Router) {
	r.Post("/contracts", s.OpenContract)
	r.Get("/contracts/{userID}", s.ListContracts)
	r.Get("/tiers", s.GetTiers)

	r.Get("/state/{userID}", s.GetState)
	r.Post("/state/{userID}/ack", s.AckCompleted)

	r.Get("/history/{userID}", s.GetHistory)
	r.Get("/balances/{userID}", s.GetBalances)
	r.Post("/balances/{userID}/adjust", s.AdjustBalance)

	r.Get("/settings/outcome-mode", s.GetOutcomeMode)
	r.Put("/settings/outcome-mode", s.SetOutcomeMode)

	r.Post("/prices", s.PushPrice)
}

// --- Request/Response types ---

// AdjustRequest is the JSON body for an operator balance adjustment.
type AdjustRequest struct {
	Account model.Account   `json:"account" validate:"omitempty,oneof=LIVE PRACTICE"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason" validate:"max=64"`
}

// BalanceResponse lists the balances of a user.
type BalanceResponse struct {
	UserID   string                            `json:"user_id"`
	Balances map[model.Account]decimal.Decimal `json:"balances"`
}

// ModeRequest is the JSON body of PUT /settings/outcome-mode.
type ModeRequest struct {
	Mode string `json:"mode" validate:"required"`
}

// PriceRequest is the JSON body of POST /prices.
type PriceRequest struct {
	AssetID string          `json:"asset_id" validate:"required"`
	Price   decimal.Decimal `json:"price"`
}

// TierResponse is one payout tier.
type TierResponse struct {
	DurationSeconds int             `json:"duration_seconds"`
	PayoutPercent   decimal.Decimal `json:"payout_percent"`
}

// --- HTTP Handlers ---

// OpenContract handles POST /api/v1/contracts
func (s *Service) OpenContract(w http.ResponseWriter, r *http.Request) {
	var req settlement.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := s.engine.Open(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), errorStatus(err))
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// ListContracts handles GET /api/v1/contracts/{userID}
func (s *Service) ListContracts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	contracts, err := s.ledger.ListUserOpenContracts(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list contracts", http.StatusInternalServerError)
		return
	}
	if contracts == nil {
		contracts = []model.Contract{}
	}

	writeJSON(w, http.StatusOK, contracts)
}

// GetTiers handles GET /api/v1/tiers
func (s *Service) GetTiers(w http.ResponseWriter, _ *http.Request) {
	tiers := s.engine.Tiers()
	resp := make([]TierResponse, 0, len(tiers))
	for _, secs := range tiers.Durations() {
		resp = append(resp, TierResponse{DurationSeconds: secs, PayoutPercent: tiers[secs]})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetState handles GET /api/v1/state/{userID}
// Loads the user into the mirror on first access.
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := s.state.Ensure(r.Context(), userID); err != nil {
		writeError(w, "failed to load trading state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, s.state.Snapshot(userID))
}

// AckCompleted handles POST /api/v1/state/{userID}/ack
// Clears the recently-completed list after the UI has shown it.
func (s *Service) AckCompleted(w http.ResponseWriter, r *http.Request) {
	s.state.Ack(chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}

// GetHistory handles GET /api/v1/history/{userID}
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	records, err := s.ledger.ListTradeHistory(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to get trade history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.TradeRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

// GetBalances handles GET /api/v1/balances/{userID}
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	resp := BalanceResponse{UserID: userID, Balances: make(map[model.Account]decimal.Decimal, 2)}
	for _, acct := range []model.Account{model.AccountLive, model.AccountPractice} {
		bal, err := s.ledger.GetBalance(r.Context(), userID, acct)
		if err != nil {
			writeError(w, "failed to get balance", http.StatusInternalServerError)
			return
		}
		resp.Balances[acct] = bal
	}

	writeJSON(w, http.StatusOK, resp)
}

// AdjustBalance handles POST /api/v1/balances/{userID}/adjust
// Operator credit (positive amount) or debit (negative amount), recorded
// in the balance transaction log.
func (s *Service) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Amount.IsZero() {
		writeError(w, "amount must be non-zero", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		req.Account = model.AccountLive
	}
	reason := model.ReasonAdjustment
	if req.Reason != "" {
		reason = req.Reason
	}
	if reason == model.ReasonSettlement {
		writeError(w, "reason is reserved for settlements", http.StatusBadRequest)
		return
	}

	after, err := s.ledger.ApplyBalanceDelta(r.Context(), userID, req.Account, req.Amount, reason)
	if err != nil {
		writeError(w, "failed to adjust balance", http.StatusInternalServerError)
		return
	}

	slog.Info("balance adjusted",
		"user", userID,
		"account", req.Account,
		"amount", req.Amount.String(),
		"balance", after.String(),
		"reason", reason,
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"account": req.Account,
		"balance": after,
	})
}

// GetOutcomeMode handles GET /api/v1/settings/outcome-mode
func (s *Service) GetOutcomeMode(w http.ResponseWriter, r *http.Request) {
	mode, err := s.ledger.GetOutcomeMode(r.Context())
	if err != nil {
		writeError(w, "failed to read outcome mode", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]outcome.Mode{"mode": mode})
}

// SetOutcomeMode handles PUT /api/v1/settings/outcome-mode
// The new mode applies from the next settlement batch.
func (s *Service) SetOutcomeMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := outcome.ParseMode(req.Mode)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.ledger.SetOutcomeMode(r.Context(), mode); err != nil {
		writeError(w, "failed to store outcome mode", http.StatusInternalServerError)
		return
	}

	slog.Info("outcome mode changed", "mode", mode)
	writeJSON(w, http.StatusOK, map[string]outcome.Mode{"mode": mode})
}

// PushPrice handles POST /api/v1/prices
// Upserts a price into the in-memory table feed, mirrors it into open
// positions and runs a settlement scan.
func (s *Service) PushPrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeError(w, "price table not enabled", http.StatusNotFound)
		return
	}

	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := instrument.Parse(req.AssetID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.prices.Set(req.AssetID, req.Price); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	touched := s.state.UpdatePrice(req.AssetID, req.Price)

	// Settle anything that expired on this tick without waiting for the scan.
	settled, err := s.engine.Tick(r.Context(), s.engine.Now())
	if err != nil {
		slog.Warn("settlement after price update failed", "asset", req.AssetID, "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset_id":       req.AssetID,
		"price":          req.Price,
		"users_affected": len(touched),
		"settled":        settled,
	})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, settlement.ErrInvalidRequest),
		errors.Is(err, settlement.ErrUnknownDuration),
		errors.Is(err, instrument.ErrInvalidAsset),
		errors.Is(err, instrument.ErrInvalidClass),
		errors.Is(err, risk.ErrInvalidStake):
		return http.StatusBadRequest
	case errors.Is(err, risk.ErrInsufficientBalance),
		errors.Is(err, risk.ErrPerAssetLimitExceeded),
		errors.Is(err, risk.ErrClassLimitExceeded),
		errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, pricefeed.ErrNoPrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
