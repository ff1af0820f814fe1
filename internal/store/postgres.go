package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/contract-engine/internal/model"
	"github.com/atmx/contract-engine/internal/outcome"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// PostgresStore implements Ledger using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Schema: migrations/001_init.sql.
type PostgresStore struct {
	pool DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool DB) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const contractColumns = `id, user_id, account, asset_id, asset_name, side,
	entry_price::TEXT, current_price::TEXT, investment::TEXT, payout_percent::TEXT,
	duration_seconds, opened_at, expires_at, status, claimed_at`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func (s *PostgresStore) GetBalance(ctx context.Context, userID string, account model.Account) (decimal.Decimal, error) {
	var balS string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM balances WHERE user_id = $1 AND account = $2`,
		userID, string(account)).Scan(&balS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s/%s: %w", userID, account, err)
	}
	return decimal.NewFromString(balS)
}

func (s *PostgresStore) ApplyBalanceDelta(ctx context.Context, userID string, account model.Account, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	after, err := applyDelta(ctx, tx, userID, account, "", uuid.New().String(), delta, reason)
	if err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit balance delta: %w", err)
	}
	return after, nil
}

// applyDelta performs the atomic increment and writes the audit row
// inside tx. The increment happens in the UPDATE itself, so concurrent
// settlements for the same account cannot lose updates. The audit row's
// seq is drawn while the balance row lock is held, so seq order matches
// the order in which balance_after values were computed.
func applyDelta(ctx context.Context, tx pgx.Tx, userID string, account model.Account, contractID, txID string, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	now := time.Now().UTC()

	var afterS string
	err := tx.QueryRow(ctx,
		`INSERT INTO balances (user_id, account, balance, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (user_id, account)
		 DO UPDATE SET balance = balances.balance + EXCLUDED.balance,
		               updated_at = EXCLUDED.updated_at
		 RETURNING balance::TEXT`,
		userID, string(account), delta.String(), now).Scan(&afterS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("apply balance delta %s/%s: %w", userID, account, err)
	}
	after, err := decimal.NewFromString(afterS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}

	var contractRef *string
	if contractID != "" {
		contractRef = &contractID
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO balance_transactions (id, user_id, account, contract_id, delta, balance_after, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		txID, userID, string(account), contractRef, delta.String(), after.String(), reason, now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("insert balance transaction: %w", err)
	}
	return after, nil
}

func (s *PostgresStore) ListBalanceTransactions(ctx context.Context, userID string, account model.Account) ([]model.BalanceTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, account, COALESCE(contract_id, ''), delta::TEXT, balance_after::TEXT, reason, created_at
		 FROM balance_transactions
		 WHERE user_id = $1 AND account = $2
		 ORDER BY seq`, userID, string(account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.BalanceTransaction
	for rows.Next() {
		var tx model.BalanceTransaction
		var accountS, deltaS, afterS string
		if err := rows.Scan(&tx.ID, &tx.UserID, &accountS, &tx.ContractID,
			&deltaS, &afterS, &tx.Reason, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Account = model.Account(accountS)
		tx.Delta, _ = decimal.NewFromString(deltaS)
		tx.BalanceAfter, _ = decimal.NewFromString(afterS)
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertOpenContract(ctx context.Context, c *model.Contract) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO open_contracts (id, user_id, account, asset_id, asset_name, side,
		        entry_price, current_price, investment, payout_percent,
		        duration_seconds, opened_at, expires_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14)`,
		c.ID, c.UserID, string(c.Account), c.AssetID, c.AssetName, string(c.Side),
		c.EntryPrice.String(), c.CurrentPrice.String(), c.Investment.String(), c.PayoutPercent.String(),
		c.DurationSeconds, c.OpenedAt, c.ExpiresAt, string(model.StatusOpen),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, c.ID)
	}
	return err
}

func (s *PostgresStore) GetOpenContract(ctx context.Context, id string) (*model.Contract, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM open_contracts WHERE id = $1`, id)
	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: contract %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListOpenContracts(ctx context.Context) ([]model.Contract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM open_contracts ORDER BY expires_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContracts(rows)
}

func (s *PostgresStore) ListUserOpenContracts(ctx context.Context, userID string) ([]model.Contract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM open_contracts WHERE user_id = $1 ORDER BY expires_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContracts(rows)
}

// ClaimContract is a conditional update: only one caller can move a row
// from OPEN (or a stale SETTLING) to SETTLING.
func (s *PostgresStore) ClaimContract(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (*model.Contract, error) {
	// TIMESTAMPTZ keeps microseconds; the returned claimed_at must match
	// what ReleaseClaim compares against.
	now = now.UTC().Truncate(time.Microsecond)

	var staleBefore *time.Time
	if staleAfter > 0 {
		t := now.Add(-staleAfter)
		staleBefore = &t
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE open_contracts
		 SET status = 'SETTLING', claimed_at = $2
		 WHERE id = $1
		   AND (status = 'OPEN'
		        OR (status = 'SETTLING' AND $3::TIMESTAMPTZ IS NOT NULL AND claimed_at <= $3))
		 RETURNING `+contractColumns,
		id, now, staleBefore)
	c, err := scanContract(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim contract %s: %w", id, err)
	}

	// Zero rows: either someone else holds it or it is gone.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM open_contracts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("claim contract %s: %w", id, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, id)
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, id string, claimedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE open_contracts SET status = 'OPEN', claimed_at = NULL
		 WHERE id = $1 AND status = 'SETTLING' AND claimed_at = $2`, id, claimedAt)
	if err != nil {
		return fmt.Errorf("release claim %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteOpenContract(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM open_contracts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete contract %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SettleContract(ctx context.Context, st *model.Settlement) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	// The conditional delete is the exactly-once gate: a second settler
	// finds no SETTLING row and applies nothing.
	tag, err := tx.Exec(ctx,
		`DELETE FROM open_contracts WHERE id = $1 AND status = 'SETTLING'`, st.ContractID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("delete open contract %s: %w", st.ContractID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM open_contracts WHERE id = $1)`, st.ContractID).Scan(&exists); err != nil {
			return decimal.Zero, fmt.Errorf("check contract %s: %w", st.ContractID, err)
		}
		if exists {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrNotClaimed, st.ContractID)
		}
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAlreadySettled, st.ContractID)
	}

	after, err := applyDelta(ctx, tx, st.UserID, st.Account, st.ContractID, st.TransactionID, st.BalanceDelta, model.ReasonSettlement)
	if err != nil {
		return decimal.Zero, err
	}

	if err := insertHistory(ctx, tx, &st.Record); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit settlement %s: %w", st.ContractID, err)
	}
	return after, nil
}

func (s *PostgresStore) UpsertTradeHistory(ctx context.Context, r *model.TradeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertHistory(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertHistory(ctx context.Context, tx pgx.Tx, r *model.TradeRecord) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO trade_history (contract_id, user_id, account, asset_id, asset_name, side,
		        entry_price, exit_price, investment, payout_percent, profit_or_loss,
		        result, terminal_status, opened_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12, $13, $14, $15)
		 ON CONFLICT (contract_id) DO NOTHING`,
		r.ContractID, r.UserID, string(r.Account), r.AssetID, r.AssetName, string(r.Side),
		r.EntryPrice.String(), r.ExitPrice.String(), r.Investment.String(),
		r.PayoutPercent.String(), r.ProfitOrLoss.String(),
		string(r.Result), string(r.TerminalStatus), r.OpenedAt, r.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade history %s: %w", r.ContractID, err)
	}
	return nil
}

func (s *PostgresStore) ListTradeHistory(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT contract_id, user_id, account, asset_id, asset_name, side,
		        entry_price::TEXT, exit_price::TEXT, investment::TEXT, payout_percent::TEXT,
		        profit_or_loss::TEXT, result, terminal_status, opened_at, settled_at
		 FROM trade_history WHERE user_id = $1 ORDER BY settled_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.TradeRecord
	for rows.Next() {
		var r model.TradeRecord
		var account, side, result, status string
		var entryS, exitS, investS, pctS, pnlS string
		if err := rows.Scan(&r.ContractID, &r.UserID, &account, &r.AssetID, &r.AssetName, &side,
			&entryS, &exitS, &investS, &pctS, &pnlS,
			&result, &status, &r.OpenedAt, &r.SettledAt); err != nil {
			return nil, err
		}
		r.Account = model.Account(account)
		r.Side = model.Side(side)
		r.Result = model.Result(result)
		r.TerminalStatus = model.Status(status)
		r.EntryPrice, _ = decimal.NewFromString(entryS)
		r.ExitPrice, _ = decimal.NewFromString(exitS)
		r.Investment, _ = decimal.NewFromString(investS)
		r.PayoutPercent, _ = decimal.NewFromString(pctS)
		r.ProfitOrLoss, _ = decimal.NewFromString(pnlS)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) GetOutcomeMode(ctx context.Context) (outcome.Mode, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM system_settings WHERE key = $1`, OutcomeModeKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return outcome.DefaultMode, nil
	}
	if err != nil {
		return "", fmt.Errorf("get outcome mode: %w", err)
	}
	return outcome.ParseMode(raw)
}

func (s *PostgresStore) SetOutcomeMode(ctx context.Context, mode outcome.Mode) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO system_settings (key, value, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		OutcomeModeKey, string(mode), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set outcome mode: %w", err)
	}
	return nil
}

// scanContract reads one contract row from a pgx row or rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(row rowScanner) (*model.Contract, error) {
	var c model.Contract
	var account, side, status string
	var entryS, currentS, investS, pctS string

	if err := row.Scan(&c.ID, &c.UserID, &account, &c.AssetID, &c.AssetName, &side,
		&entryS, &currentS, &investS, &pctS,
		&c.DurationSeconds, &c.OpenedAt, &c.ExpiresAt, &status, &c.ClaimedAt); err != nil {
		return nil, err
	}

	c.Account = model.Account(account)
	c.Side = model.Side(side)
	c.Status = model.Status(status)
	c.EntryPrice, _ = decimal.NewFromString(entryS)
	c.CurrentPrice, _ = decimal.NewFromString(currentS)
	c.Investment, _ = decimal.NewFromString(investS)
	c.PayoutPercent, _ = decimal.NewFromString(pctS)
	return &c, nil
}

type pgxRows interface {
	rowScanner
	Next() bool
	Err() error
}

func scanContracts(rows pgxRows) ([]model.Contract, error) {
	var contracts []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}
