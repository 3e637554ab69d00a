package trading

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kasyan/stocksim/internal/market"
	"github.com/kasyan/stocksim/internal/models"
)

// Session reports whether trading is allowed right now.
type Session interface {
	IsOpen(ctx context.Context) (bool, error)
}

// Tx is the storage view inside one atomic trade transaction. The
// implementation must hold a lock on the instrument row for the
// duration of the transaction, so that the holdings check, the
// inventory adjustment and the order append cannot interleave with a
// concurrent trade or drift tick on the same symbol.
type Tx interface {
	// GetUser returns (nil, nil) when the user does not exist.
	GetUser(ctx context.Context, userID int) (*models.User, error)
	// LockInstrument returns (nil, nil) when the symbol does not exist.
	LockInstrument(ctx context.Context, symbol string) (*models.Instrument, error)
	// NetHolding folds the user's order history for one symbol.
	NetHolding(ctx context.Context, userID int, symbol string) (int64, error)
	// AdjustInventory applies a signed delta to available quantity.
	AdjustInventory(ctx context.Context, symbol string, delta int64) error
	// InsertOrder appends one immutable order record.
	InsertOrder(ctx context.Context, order *models.Order) (*models.Order, error)
}

// Store opens atomic trade transactions. If fn returns an error the
// transaction is rolled back and no partial state survives.
type Store interface {
	InTrade(ctx context.Context, fn func(tx Tx) error) error
}

// Engine validates and executes trades against live inventory.
type Engine struct {
	Store   Store
	Session Session
	Clock   market.Clock
}

// NewEngine creates a trade execution engine
func NewEngine(store Store, session Session, clock market.Clock) *Engine {
	return &Engine{Store: store, Session: session, Clock: clock}
}

// Execute validates and atomically applies one buy or sell order.
// Preconditions are checked in a fixed order, short-circuiting on the
// first failure: market session, user, instrument, then inventory (buy)
// or projected holdings (sell). On success exactly one order record and
// one inventory adjustment are committed together.
func (e *Engine) Execute(ctx context.Context, userID int, symbol, side string, quantity int64) (*models.Order, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol required", models.ErrValidation)
	}
	if side != models.SideBuy && side != models.SideSell {
		return nil, fmt.Errorf("%w: side must be BUY or SELL", models.ErrValidation)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
	}

	open, err := e.Session.IsOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate market session: %w", err)
	}
	if !open {
		return nil, models.ErrMarketClosed
	}

	var placed *models.Order
	err = e.Store.InTrade(ctx, func(tx Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}
		if user == nil {
			return models.ErrUserNotFound
		}

		instrument, err := tx.LockInstrument(ctx, symbol)
		if err != nil {
			return fmt.Errorf("failed to lock instrument: %w", err)
		}
		if instrument == nil {
			return models.ErrInstrumentNotFound
		}

		delta := quantity
		switch side {
		case models.SideBuy:
			if instrument.Available < quantity {
				return models.ErrInsufficientInventory
			}
			delta = -quantity
		case models.SideSell:
			held, err := tx.NetHolding(ctx, userID, symbol)
			if err != nil {
				return fmt.Errorf("failed to project holdings: %w", err)
			}
			if held < quantity {
				return models.ErrInsufficientHoldings
			}
		}

		if err := tx.AdjustInventory(ctx, symbol, delta); err != nil {
			return fmt.Errorf("failed to adjust inventory: %w", err)
		}

		// Execution price is the locked row's price, snapshotted into
		// the immutable order record.
		placed, err = tx.InsertOrder(ctx, &models.Order{
			Reference: uuid.New(),
			UserID:    userID,
			Symbol:    symbol,
			Side:      side,
			Quantity:  quantity,
			Price:     instrument.Price,
			CreatedAt: e.Clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to record order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}
