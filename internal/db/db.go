package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasyan/stocksim/internal/models"
	"github.com/kasyan/stocksim/internal/trading"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Ping checks database connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = "id, username, email, first_name, last_name, password_hash, role, balance, created_at"

func scanUser(row pgx.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.FirstName, &user.LastName,
		&user.PasswordHash, &user.Role, &user.Balance, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser inserts a new user with a zero cash balance
func (db *DB) CreateUser(ctx context.Context, username, email, firstName, lastName, passwordHash string) (*models.User, error) {
	row := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, email, first_name, last_name, password_hash) VALUES ($1, $2, $3, $4, $5) RETURNING "+userColumns,
		username, email, firstName, lastName, passwordHash)
	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username or email already taken", models.ErrValidation)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by id
func (db *DB) GetUserByID(ctx context.Context, userID int) (*models.User, error) {
	row := db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", userID)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Deposit credits a user's cash balance as a single atomic update
func (db *DB) Deposit(ctx context.Context, userID int, amount float64) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE users SET balance = balance + $1 WHERE id = $2", amount, userID)
	if err != nil {
		return fmt.Errorf("failed to deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// Withdraw debits a user's cash balance. The balance guard lives in the
// UPDATE predicate so two concurrent withdrawals cannot both pass a
// stale check.
func (db *DB) Withdraw(ctx context.Context, userID int, amount float64) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1", amount, userID)
	if err != nil {
		return fmt.Errorf("failed to withdraw: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check user existence: %w", err)
		}
		if !exists {
			return models.ErrUserNotFound
		}
		return models.ErrInsufficientFunds
	}
	return nil
}

const instrumentColumns = "symbol, name, price, available, created_at, updated_at"

func scanInstrument(row pgx.Row) (*models.Instrument, error) {
	in := &models.Instrument{}
	err := row.Scan(&in.Symbol, &in.Name, &in.Price, &in.Available, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// CreateInstrument inserts a new tradable instrument
func (db *DB) CreateInstrument(ctx context.Context, symbol, name string, price float64, available int64) (*models.Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	row := db.Pool.QueryRow(ctx,
		"INSERT INTO instruments (symbol, name, price, available) VALUES ($1, $2, $3, $4) RETURNING "+instrumentColumns,
		symbol, name, price, available)
	in, err := scanInstrument(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, models.ErrDuplicateSymbol
		}
		return nil, fmt.Errorf("failed to create instrument: %w", err)
	}
	return in, nil
}

// GetInstrument retrieves one instrument by symbol
func (db *DB) GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	row := db.Pool.QueryRow(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE symbol = $1",
		strings.ToUpper(strings.TrimSpace(symbol)))
	in, err := scanInstrument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrInstrumentNotFound
		}
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return in, nil
}

// ListInstruments retrieves all instruments ordered by symbol
func (db *DB) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+instrumentColumns+" FROM instruments ORDER BY symbol ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var instruments []models.Instrument
	for rows.Next() {
		var in models.Instrument
		if err := rows.Scan(&in.Symbol, &in.Name, &in.Price, &in.Available, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		instruments = append(instruments, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instruments: %w", err)
	}
	return instruments, nil
}

// ListSymbols retrieves all instrument symbols
func (db *DB) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, "SELECT symbol FROM instruments ORDER BY symbol ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return symbols, nil
}

// ScalePrice multiplies an instrument's price by factor, rounding to
// cents with a 0.01 floor. The arithmetic happens inside the UPDATE so
// a concurrent trade can never be overwritten with a stale price.
func (db *DB) ScalePrice(ctx context.Context, symbol string, factor float64) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE instruments SET price = GREATEST(0.01, ROUND(price * $1::numeric, 2)), updated_at = NOW() WHERE symbol = $2",
		factor, symbol)
	if err != nil {
		return fmt.Errorf("failed to scale price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInstrumentNotFound
	}
	return nil
}

const orderColumns = "id, reference, user_id, symbol, side, quantity, price, created_at"

// GetUserOrders retrieves a user's order history, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.Reference, &o.UserID, &o.Symbol, &o.Side, &o.Quantity, &o.Price, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// GetScheduleEntry retrieves the trading hours for one weekday
// (0=Monday..6=Sunday). Returns (nil, nil) when no row exists.
func (db *DB) GetScheduleEntry(ctx context.Context, weekday int) (*models.ScheduleEntry, error) {
	entry := &models.ScheduleEntry{}
	err := db.Pool.QueryRow(ctx,
		"SELECT weekday, open_minute, close_minute FROM market_schedule WHERE weekday = $1",
		weekday).Scan(&entry.Weekday, &entry.OpenMinute, &entry.CloseMinute)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get schedule entry: %w", err)
	}
	return entry, nil
}

// GetDateOverride retrieves the override for one calendar date
// (YYYY-MM-DD). Returns (nil, nil) when no row exists.
func (db *DB) GetDateOverride(ctx context.Context, date string) (*models.DateOverride, error) {
	override := &models.DateOverride{Date: date}
	err := db.Pool.QueryRow(ctx,
		"SELECT open_minute, close_minute FROM market_overrides WHERE day = $1::date",
		date).Scan(&override.OpenMinute, &override.CloseMinute)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get date override: %w", err)
	}
	return override, nil
}

// UpsertScheduleEntry writes the trading hours for one weekday. The
// primary key keeps exactly one row per weekday.
func (db *DB) UpsertScheduleEntry(ctx context.Context, entry models.ScheduleEntry) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO market_schedule (weekday, open_minute, close_minute)
		VALUES ($1, $2, $3)
		ON CONFLICT (weekday) DO UPDATE SET open_minute = $2, close_minute = $3
	`, entry.Weekday, entry.OpenMinute, entry.CloseMinute)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule entry: %w", err)
	}
	return nil
}

// UpsertDateOverride writes the override for one calendar date. The
// primary key keeps exactly one row per date.
func (db *DB) UpsertDateOverride(ctx context.Context, override models.DateOverride) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO market_overrides (day, open_minute, close_minute)
		VALUES ($1::date, $2, $3)
		ON CONFLICT (day) DO UPDATE SET open_minute = $2, close_minute = $3
	`, override.Date, override.OpenMinute, override.CloseMinute)
	if err != nil {
		return fmt.Errorf("failed to upsert date override: %w", err)
	}
	return nil
}

// InTrade runs fn inside one transaction. Any error rolls the whole
// transaction back, so an inventory adjustment and its order record
// either both commit or neither does.
func (db *DB) InTrade(ctx context.Context, fn func(tx trading.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&tradeTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// tradeTx implements trading.Tx on top of a pgx transaction.
type tradeTx struct {
	tx pgx.Tx
}

func (t *tradeTx) GetUser(ctx context.Context, userID int) (*models.User, error) {
	row := t.tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", userID)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// LockInstrument reads the instrument row under FOR UPDATE. Concurrent
// trades and drift ticks on the same symbol serialize on this lock for
// the rest of the transaction.
func (t *tradeTx) LockInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	row := t.tx.QueryRow(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE symbol = $1 FOR UPDATE", symbol)
	in, err := scanInstrument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock instrument: %w", err)
	}
	return in, nil
}

func (t *tradeTx) NetHolding(ctx context.Context, userID int, symbol string) (int64, error) {
	var net int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN side = 'BUY' THEN quantity ELSE -quantity END), 0)::bigint
		FROM orders WHERE user_id = $1 AND symbol = $2
	`, userID, symbol).Scan(&net)
	if err != nil {
		return 0, fmt.Errorf("failed to sum holdings: %w", err)
	}
	return net, nil
}

func (t *tradeTx) AdjustInventory(ctx context.Context, symbol string, delta int64) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE instruments SET available = available + $1, updated_at = NOW() WHERE symbol = $2 AND available + $1 >= 0",
		delta, symbol)
	if err != nil {
		return fmt.Errorf("failed to adjust inventory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInsufficientInventory
	}
	return nil
}

func (t *tradeTx) InsertOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	placed := *order
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (reference, user_id, symbol, side, quantity, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, order.Reference, order.UserID, order.Symbol, order.Side, order.Quantity, order.Price, order.CreatedAt).Scan(&placed.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}
	return &placed, nil
}
