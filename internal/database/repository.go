package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"perp-trading-agent/internal/ledger"
)

// ==================== TYPES ====================

// Decision is one persisted trade-decision row. Every tick writes exactly
// one, executed or not.
type Decision struct {
	ID           string          `json:"id"`
	TradeID      *string         `json:"trade_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Symbol       string          `json:"symbol"`
	Decision     string          `json:"decision"`
	Confidence   float64         `json:"confidence"`
	Reasoning    string          `json:"reasoning"`
	CurrentPrice float64         `json:"current_price"`
	Indicators   json.RawMessage `json:"indicators,omitempty"`
	Executed     bool            `json:"executed"`
	Error        *string         `json:"error,omitempty"`
}

// BalancePoint is one balance_history row.
type BalancePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Balance   float64   `json:"balance"`
}

// Store is the persistence surface the rest of the agent consumes. It
// extends the ledger's write-through interface with journal reads.
type Store interface {
	ledger.Repository
	SaveDecision(ctx context.Context, d *Decision) error
	RecentTrades(ctx context.Context, limit int) ([]*ledger.Trade, error)
	RecentDecisions(ctx context.Context, limit int) ([]*Decision, error)
	BalanceHistory(ctx context.Context, limit int) ([]BalancePoint, error)
	LatestBalance(ctx context.Context) (float64, bool, error)
}

// ==================== REPOSITORY ====================

// Repository implements Store over Postgres.
type Repository struct {
	db *DB
}

// NewRepository creates a repository. Returns nil if db is nil.
func NewRepository(db *DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

// SaveTrade inserts a new trade row.
func (r *Repository) SaveTrade(ctx context.Context, t *ledger.Trade) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO trades (trade_id, symbol, side, quantity, entry_price, exit_price,
			leverage, margin, fee, entry_ts, exit_ts, pnl, status, confidence, reasoning)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (trade_id) DO NOTHING`,
		t.ID, t.Symbol, t.Side, t.Quantity, t.EntryPrice, t.ExitPrice,
		t.Leverage, t.Margin, t.Fee, t.EntryTime, t.ExitTime, t.PnL, t.Status, t.Confidence, t.Reasoning)
	return err
}

// UpdateTrade updates the mutable columns of a trade row.
func (r *Repository) UpdateTrade(ctx context.Context, t *ledger.Trade) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE trades
		SET exit_price = $2, exit_ts = $3, pnl = $4, fee = $5, status = $6
		WHERE trade_id = $1`,
		t.ID, t.ExitPrice, t.ExitTime, t.PnL, t.Fee, t.Status)
	return err
}

// SaveBalance appends a balance_history row.
func (r *Repository) SaveBalance(ctx context.Context, balance float64) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO balance_history (ts, balance) VALUES (NOW(), $1)`, balance)
	return err
}

// SaveDecision inserts a decision journal row.
func (r *Repository) SaveDecision(ctx context.Context, d *Decision) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO ai_decisions (decision_id, trade_id, ts, symbol, decision,
			confidence, reasoning, current_price, indicators, executed, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.TradeID, d.Timestamp, d.Symbol, d.Decision,
		d.Confidence, d.Reasoning, d.CurrentPrice, d.Indicators, d.Executed, d.Error)
	return err
}

// RecentTrades returns the newest trade rows.
func (r *Repository) RecentTrades(ctx context.Context, limit int) ([]*ledger.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.pool.Query(ctx, `
		SELECT trade_id, symbol, side, quantity, entry_price, exit_price,
			leverage, margin, fee, entry_ts, exit_ts, pnl, status, confidence, reasoning
		FROM trades ORDER BY entry_ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ledger.Trade
	for rows.Next() {
		var t ledger.Trade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
			&t.Leverage, &t.Margin, &t.Fee, &t.EntryTime, &t.ExitTime, &t.PnL, &t.Status,
			&t.Confidence, &t.Reasoning); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// RecentDecisions returns the newest decision rows.
func (r *Repository) RecentDecisions(ctx context.Context, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.pool.Query(ctx, `
		SELECT decision_id, trade_id, ts, symbol, decision, confidence,
			reasoning, current_price, indicators, executed, error
		FROM ai_decisions ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.TradeID, &d.Timestamp, &d.Symbol, &d.Decision,
			&d.Confidence, &d.Reasoning, &d.CurrentPrice, &d.Indicators, &d.Executed, &d.Error); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// BalanceHistory returns the newest balance points.
func (r *Repository) BalanceHistory(ctx context.Context, limit int) ([]BalancePoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.pool.Query(ctx,
		`SELECT ts, balance FROM balance_history ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalancePoint
	for rows.Next() {
		var p BalancePoint
		if err := rows.Scan(&p.Timestamp, &p.Balance); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestBalance returns the most recent persisted balance, if any.
func (r *Repository) LatestBalance(ctx context.Context) (float64, bool, error) {
	var balance float64
	err := r.db.pool.QueryRow(ctx,
		`SELECT balance FROM balance_history ORDER BY ts DESC LIMIT 1`).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return balance, true, nil
}
