package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasyan/stocksim/internal/models"
)

type stubSession struct{ open bool }

func (s stubSession) IsOpen(_ context.Context) (bool, error) { return s.open, nil }

type stubClock struct{ t time.Time }

func (c stubClock) Now() time.Time { return c.t }

// memStore is an in-memory Store whose transactions are serialized by
// a single mutex, mirroring the row-lock semantics of the production
// implementation.
type memStore struct {
	mu          sync.Mutex
	users       map[int]*models.User
	instruments map[string]*models.Instrument
	orders      []models.Order
	nextID      int64
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[int]*models.User),
		instruments: make(map[string]*models.Instrument),
	}
}

func (s *memStore) InTrade(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Snapshot for rollback.
	saved := make(map[string]models.Instrument, len(s.instruments))
	for k, v := range s.instruments {
		saved[k] = *v
	}
	savedOrders := len(s.orders)

	if err := fn(&memTx{s: s}); err != nil {
		for k := range s.instruments {
			restored := saved[k]
			s.instruments[k] = &restored
		}
		s.orders = s.orders[:savedOrders]
		return err
	}
	return nil
}

type memTx struct{ s *memStore }

func (t *memTx) GetUser(_ context.Context, userID int) (*models.User, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

func (t *memTx) LockInstrument(_ context.Context, symbol string) (*models.Instrument, error) {
	in, ok := t.s.instruments[symbol]
	if !ok {
		return nil, nil
	}
	copied := *in
	return &copied, nil
}

func (t *memTx) NetHolding(_ context.Context, userID int, symbol string) (int64, error) {
	var net int64
	for _, o := range t.s.orders {
		if o.UserID != userID || o.Symbol != symbol {
			continue
		}
		if o.Side == models.SideBuy {
			net += o.Quantity
		} else {
			net -= o.Quantity
		}
	}
	return net, nil
}

func (t *memTx) AdjustInventory(_ context.Context, symbol string, delta int64) error {
	in, ok := t.s.instruments[symbol]
	if !ok {
		return models.ErrInstrumentNotFound
	}
	if in.Available+delta < 0 {
		return models.ErrInsufficientInventory
	}
	in.Available += delta
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, order *models.Order) (*models.Order, error) {
	t.s.nextID++
	placed := *order
	placed.ID = t.s.nextID
	t.s.orders = append(t.s.orders, placed)
	return &placed, nil
}

func newTestEngine(store *memStore, open bool) *Engine {
	return NewEngine(store, stubSession{open: open}, stubClock{t: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)})
}

func seedStore() *memStore {
	store := newMemStore()
	store.users[1] = &models.User{ID: 1, Username: "alice"}
	store.instruments["AAPL"] = &models.Instrument{Symbol: "AAPL", Name: "Apple Inc.", Price: 150.00, Available: 100}
	return store
}

func TestEngine_Execute_Buy(t *testing.T) {
	store := seedStore()
	engine := newTestEngine(store, true)

	order, err := engine.Execute(context.Background(), 1, "aapl", models.SideBuy, 10)
	require.NoError(t, err)

	assert.Equal(t, "AAPL", order.Symbol)
	assert.Equal(t, models.SideBuy, order.Side)
	assert.Equal(t, int64(10), order.Quantity)
	assert.Equal(t, 150.00, order.Price, "execution price snapshots the instrument price")
	assert.NotZero(t, order.Reference)
	assert.Equal(t, int64(90), store.instruments["AAPL"].Available)
}

func TestEngine_Execute_BuyThenSell(t *testing.T) {
	store := seedStore()
	engine := newTestEngine(store, true)
	ctx := context.Background()

	_, err := engine.Execute(ctx, 1, "AAPL", models.SideBuy, 10)
	require.NoError(t, err)

	// Price drifts between the two trades; each order keeps its own
	// execution price.
	store.instruments["AAPL"].Price = 155.00

	sell, err := engine.Execute(ctx, 1, "AAPL", models.SideSell, 5)
	require.NoError(t, err)
	assert.Equal(t, 155.00, sell.Price)

	assert.Equal(t, int64(95), store.instruments["AAPL"].Available)
	assert.Len(t, store.orders, 2)

	net, err := (&memTx{s: store}).NetHolding(ctx, 1, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(5), net)
}

func TestEngine_Execute_RoundTripRestoresInventory(t *testing.T) {
	store := seedStore()
	engine := newTestEngine(store, true)
	ctx := context.Background()

	_, err := engine.Execute(ctx, 1, "AAPL", models.SideBuy, 25)
	require.NoError(t, err)
	_, err = engine.Execute(ctx, 1, "AAPL", models.SideSell, 25)
	require.NoError(t, err)

	assert.Equal(t, int64(100), store.instruments["AAPL"].Available)

	net, err := (&memTx{s: store}).NetHolding(ctx, 1, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(0), net)
}

func TestEngine_Execute_Preconditions(t *testing.T) {
	tests := []struct {
		name     string
		open     bool
		userID   int
		symbol   string
		side     string
		quantity int64
		wantErr  error
	}{
		{"MarketClosed", false, 1, "AAPL", models.SideBuy, 10, models.ErrMarketClosed},
		{"MarketClosedBeatsUnknownUser", false, 99, "AAPL", models.SideBuy, 10, models.ErrMarketClosed},
		{"UserNotFound", true, 99, "AAPL", models.SideBuy, 10, models.ErrUserNotFound},
		{"InstrumentNotFound", true, 1, "NOPE", models.SideBuy, 10, models.ErrInstrumentNotFound},
		{"InsufficientInventory", true, 1, "AAPL", models.SideBuy, 101, models.ErrInsufficientInventory},
		{"InsufficientHoldings", true, 1, "AAPL", models.SideSell, 1, models.ErrInsufficientHoldings},
		{"EmptySymbol", true, 1, "  ", models.SideBuy, 10, models.ErrValidation},
		{"BadSide", true, 1, "AAPL", "hold", 10, models.ErrValidation},
		{"ZeroQuantity", true, 1, "AAPL", models.SideBuy, 0, models.ErrValidation},
		{"NegativeQuantity", true, 1, "AAPL", models.SideSell, -3, models.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedStore()
			engine := newTestEngine(store, tt.open)

			_, err := engine.Execute(context.Background(), tt.userID, tt.symbol, tt.side, tt.quantity)
			assert.ErrorIs(t, err, tt.wantErr)

			// A rejected trade leaves no trace.
			assert.Empty(t, store.orders)
			assert.Equal(t, int64(100), store.instruments["AAPL"].Available)
		})
	}
}

func TestEngine_Execute_ConcurrentOversell(t *testing.T) {
	store := seedStore()
	engine := newTestEngine(store, true)
	ctx := context.Background()

	// Seed a holding of 6 shares directly in the ledger.
	_, err := engine.Execute(ctx, 1, "AAPL", models.SideBuy, 6)
	require.NoError(t, err)
	availableAfterBuy := store.instruments["AAPL"].Available

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Execute(ctx, 1, "AAPL", models.SideSell, 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, models.ErrInsufficientHoldings):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 6, succeeded, "exactly the held quantity can be sold")
	assert.Equal(t, 4, rejected)
	assert.Equal(t, availableAfterBuy+6, store.instruments["AAPL"].Available)

	net, err := (&memTx{s: store}).NetHolding(ctx, 1, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(0), net, "projected holding never goes negative")
}

func TestEngine_Execute_ConcurrentBuysRespectInventory(t *testing.T) {
	store := seedStore()
	store.instruments["AAPL"].Available = 5
	engine := newTestEngine(store, true)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Execute(context.Background(), 1, "AAPL", models.SideBuy, 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, models.ErrInsufficientInventory)
		}
	}

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, int64(0), store.instruments["AAPL"].Available)
}
