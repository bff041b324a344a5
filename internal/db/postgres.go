package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/amirphl/ema-trader/internal/db/conf"
	"github.com/amirphl/ema-trader/internal/position"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// conn returns the transaction from context if available
func (p *Default) conn(ctx context.Context) queryer {
	if tx := GetTransaction(ctx); tx != nil {
		return tx
	}
	return p.db
}

// Default stores positions in postgres or sqlite through database/sql.
type Default struct {
	db     *sql.DB
	driver string
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, errors.New("nil database handle")
	}
	switch c.Driver {
	case conf.DriverPostgres, conf.DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", c.Driver)
	}
	return &Default{db: c.DB, driver: c.Driver}, nil
}

func (p *Default) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Default) Close() error {
	return p.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (p *Default) rebind(query string) string {
	if p.driver != conf.DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const positionColumns = `id, symbol, status, position_type, qty,
	entry_price, entry_time, entry_ema_fast, entry_ema_slow,
	exit_price, exit_time, exit_ema_fast, exit_ema_slow, profit_loss,
	created_at, updated_at`

// InsertOpen persists a new OPEN position and returns its id.
func (p *Default) InsertOpen(ctx context.Context, pos position.Position) (string, error) {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = pos.CreatedAt
	}
	if pos.Status != position.StatusOpen {
		return "", fmt.Errorf("%w [%s]: insert requires status OPEN, got %q", position.ErrInvalidPosition, pos.ID, pos.Status)
	}
	if err := pos.Validate(); err != nil {
		return "", err
	}

	_, err := p.conn(ctx).ExecContext(ctx, p.rebind(`
		INSERT INTO positions (
			id, symbol, status, position_type, qty,
			entry_price, entry_time, entry_ema_fast, entry_ema_slow,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		pos.ID, pos.Symbol, string(pos.Status), string(pos.Type), pos.Qty,
		pos.EntryPrice, pos.EntryTime.UTC(), pos.EntryFastEMA, pos.EntrySlowEMA,
		pos.CreatedAt.UTC(), pos.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("failed to insert position [%s %s]: %w", pos.Symbol, pos.Type, position.ErrOpenExists)
		}
		return "", fmt.Errorf("failed to insert position [%s %s]: %w", pos.Symbol, pos.Type, err)
	}

	return pos.ID, nil
}

// CloseIfOpen atomically moves the (id, OPEN) record to CLOSED with exit.
// It returns nil when no OPEN record with that id exists.
func (p *Default) CloseIfOpen(ctx context.Context, id string, exit position.Exit) (*position.Position, error) {
	if exit.Price <= 0 || exit.Time.IsZero() {
		return nil, fmt.Errorf("%w [%s]: missing exit price or time", position.ErrInvalidPosition, id)
	}

	var closed *position.Position
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, p.rebind(`
			UPDATE positions SET
				status = 'CLOSED',
				exit_price = ?, exit_time = ?, exit_ema_fast = ?, exit_ema_slow = ?,
				profit_loss = ?, updated_at = ?
			WHERE id = ? AND status = 'OPEN'`),
			exit.Price, exit.Time.UTC(), exit.FastEMA, exit.SlowEMA,
			exit.ProfitLoss, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to close position [%s]: %w", id, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}

		positions, err := p.query(ctx, tx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if len(positions) == 0 {
			return fmt.Errorf("closed position [%s] disappeared", id)
		}
		closed = &positions[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// RestoreOpen returns the most recently created OPEN position for symbol.
func (p *Default) RestoreOpen(ctx context.Context, symbol string) (*position.Position, error) {
	positions, err := p.query(ctx, p.conn(ctx), `
		SELECT `+positionColumns+` FROM positions
		WHERE symbol = ? AND status = 'OPEN'
		ORDER BY created_at DESC LIMIT 1`, symbol)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return &positions[0], nil
}

func (p *Default) OpenBySymbol(ctx context.Context, symbol string) ([]position.Position, error) {
	return p.query(ctx, p.conn(ctx), `
		SELECT `+positionColumns+` FROM positions
		WHERE symbol = ? AND status = 'OPEN'
		ORDER BY created_at DESC`, symbol)
}

func (p *Default) ListBySymbol(ctx context.Context, symbol string, limit int) ([]position.Position, error) {
	if limit <= 0 {
		return nil, nil
	}
	return p.query(ctx, p.conn(ctx), `
		SELECT `+positionColumns+` FROM positions
		WHERE symbol = ?
		ORDER BY created_at DESC LIMIT ?`, symbol, limit)
}

func (p *Default) SumClosedPnL(ctx context.Context, symbol string) (float64, int, error) {
	rows, err := p.conn(ctx).QueryContext(ctx, p.rebind(`
		SELECT COALESCE(SUM(profit_loss), 0), COUNT(*) FROM positions
		WHERE symbol = ? AND status = 'CLOSED'`), symbol)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum closed pnl [%s]: %w", symbol, err)
	}
	defer rows.Close()

	var total float64
	var count int
	if rows.Next() {
		if err := rows.Scan(&total, &count); err != nil {
			return 0, 0, fmt.Errorf("failed to scan closed pnl [%s]: %w", symbol, err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error iterating closed pnl rows: %w", err)
	}
	return total, count, nil
}

func (p *Default) query(ctx context.Context, q queryer, query string, args ...any) ([]position.Position, error) {
	rows, err := q.QueryContext(ctx, p.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return out, nil
}

func scanPosition(rows *sql.Rows) (position.Position, error) {
	var (
		pos                                   position.Position
		status, typ                           string
		exitPrice, exitFast, exitSlow, exitPL sql.NullFloat64
		exitTime                              sql.NullTime
	)
	if err := rows.Scan(
		&pos.ID, &pos.Symbol, &status, &typ, &pos.Qty,
		&pos.EntryPrice, &pos.EntryTime, &pos.EntryFastEMA, &pos.EntrySlowEMA,
		&exitPrice, &exitTime, &exitFast, &exitSlow, &exitPL,
		&pos.CreatedAt, &pos.UpdatedAt); err != nil {
		return position.Position{}, fmt.Errorf("failed to scan position: %w", err)
	}

	pos.Status = position.Status(status)
	pos.Type = position.Type(typ)
	pos.EntryTime = pos.EntryTime.UTC()
	pos.CreatedAt = pos.CreatedAt.UTC()
	pos.UpdatedAt = pos.UpdatedAt.UTC()

	if exitPrice.Valid || exitTime.Valid {
		pos.Exit = &position.Exit{
			Price:      exitPrice.Float64,
			Time:       exitTime.Time.UTC(),
			FastEMA:    exitFast.Float64,
			SlowEMA:    exitSlow.Float64,
			ProfitLoss: exitPL.Float64,
		}
	}

	if err := pos.Validate(); err != nil {
		return position.Position{}, fmt.Errorf("stored position failed validation: %w", err)
	}
	return pos, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
