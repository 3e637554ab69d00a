package drift

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"github.com/robfig/cron/v3"
)

// Store is the slice of storage the drift process touches. ScalePrice
// must apply the factor atomically per instrument row (the production
// implementation does the arithmetic, rounding and 0.01 floor inside a
// single UPDATE) so a tick can never clobber a concurrent trade.
type Store interface {
	ListSymbols(ctx context.Context) ([]string, error)
	ScalePrice(ctx context.Context, symbol string, factor float64) error
}

// Process nudges every instrument's price by a bounded random
// percentage on a fixed interval. A failed tick is logged and
// swallowed; the schedule always waits the full period and retries.
type Process struct {
	store    Store
	rng      *rand.Rand
	maxSwing float64
	seconds  int
	cron     *cron.Cron
}

// NewProcess creates a drift process. maxSwing is the largest absolute
// percentage move per tick (0.10 = ±10%).
func NewProcess(store Store, rng *rand.Rand, maxSwing float64, seconds int) *Process {
	return &Process{
		store:    store,
		rng:      rng,
		maxSwing: maxSwing,
		seconds:  seconds,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Start schedules the recurring tick.
func (p *Process) Start() error {
	_, err := p.cron.AddFunc(fmt.Sprintf("@every %ds", p.seconds), func() {
		p.Tick(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule drift tick: %w", err)
	}
	p.cron.Start()
	log.Printf("price drift started: every %ds, max swing ±%.0f%%", p.seconds, p.maxSwing*100)
	return nil
}

// Stop halts the schedule and returns a context that is done once any
// in-flight tick has finished.
func (p *Process) Stop() context.Context {
	return p.cron.Stop()
}

// Tick applies one drift pass over all instruments. Errors never
// propagate: a transient storage failure on one instrument or on the
// listing itself must not kill the process.
func (p *Process) Tick(ctx context.Context) {
	symbols, err := p.store.ListSymbols(ctx)
	if err != nil {
		log.Printf("drift tick: failed to list instruments: %v", err)
		return
	}

	for _, symbol := range symbols {
		factor := 1 + (p.rng.Float64()*2-1)*p.maxSwing
		if err := p.store.ScalePrice(ctx, symbol, factor); err != nil {
			log.Printf("drift tick: failed to update %s: %v", symbol, err)
		}
	}
}
