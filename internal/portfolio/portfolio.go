package portfolio

import (
	"context"
	"fmt"
	"sort"

	"github.com/kasyan/stocksim/internal/models"
)

// Store is the slice of storage the projector needs.
type Store interface {
	GetUserOrders(ctx context.Context, userID int) ([]models.Order, error)
	ListInstruments(ctx context.Context) ([]models.Instrument, error)
}

// Service derives portfolios by replaying order history. Positions are
// recomputed from the order ledger on every call rather than cached,
// so they can never drift from the system of record.
type Service struct {
	Store Store
}

// NewService creates a portfolio service
func NewService(store Store) *Service {
	return &Service{Store: store}
}

// Project folds an order sequence into net quantity per symbol.
// BUY adds, SELL subtracts; input order is irrelevant.
func Project(orders []models.Order) map[string]int64 {
	net := make(map[string]int64)
	for _, o := range orders {
		switch o.Side {
		case models.SideBuy:
			net[o.Symbol] += o.Quantity
		case models.SideSell:
			net[o.Symbol] -= o.Quantity
		}
	}
	return net
}

// Holdings returns the user's positive positions valued at current
// instrument prices, sorted by symbol, plus the total portfolio value.
// A symbol whose instrument no longer exists is valued at zero.
func (s *Service) Holdings(ctx context.Context, userID int) ([]models.Holding, float64, error) {
	orders, err := s.Store.GetUserOrders(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load order history: %w", err)
	}

	instruments, err := s.Store.ListInstruments(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load instruments: %w", err)
	}
	prices := make(map[string]float64, len(instruments))
	for _, in := range instruments {
		prices[in.Symbol] = in.Price
	}

	net := Project(orders)
	holdings := make([]models.Holding, 0, len(net))
	var total float64
	for symbol, qty := range net {
		if qty <= 0 {
			continue
		}
		price := prices[symbol]
		value := float64(qty) * price
		holdings = append(holdings, models.Holding{
			Symbol:   symbol,
			Quantity: qty,
			Price:    price,
			Value:    value,
		})
		total += value
	}

	sort.Slice(holdings, func(i, j int) bool {
		return holdings[i].Symbol < holdings[j].Symbol
	})
	return holdings, total, nil
}
