/*
scheduler.go - Automated yield settlement

PURPOSE:
  Periodically settles purchase yield for every account so balances grow
  even for users who never open the app. Settlement is idempotent: a pass
  that finds nothing new to pay is a no-op.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs one pass immediately on Start
  - A failing account is logged and does not stop the others
  - Stop cancels an in-flight pass instead of waiting out PassTimeout

USAGE:
  scheduler := NewSettlementScheduler(svc, logger)
  scheduler.CheckInterval = cfg.SettlementInterval
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSettlement endpoint (manual pass)
  - ledger/service.go: SettleAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/aporte-ledger/ledger"
	"go.uber.org/zap"
)

// Settler is the part of ledger.Service the scheduler drives.
type Settler interface {
	SettleAll(ctx context.Context) (decimal.Decimal, int, error)
}

var _ Settler = (*ledger.Service)(nil)

// SettlementScheduler handles automated yield settlement.
type SettlementScheduler struct {
	Settler       Settler
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool
	// PassTimeout bounds a single pass.
	PassTimeout time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSettlementScheduler creates a new scheduler.
func NewSettlementScheduler(settler Settler, logger *zap.Logger) *SettlementScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettlementScheduler{
		Settler:       settler,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		PassTimeout:   5 * time.Minute,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *SettlementScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("settlement scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.cancel = cancel
	s.wg.Add(1)

	go s.run(ctx, s.ticker, s.stop)

	s.Logger.Info("settlement scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler. An in-flight pass is cancelled and Stop waits
// for it to return.
func (s *SettlementScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("settlement scheduler stopped")
}

func (s *SettlementScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.pass(ctx)

	for {
		select {
		case <-ticker.C:
			s.pass(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single settlement pass.
func (s *SettlementScheduler) RunOnce() {
	s.pass(context.Background())
}

func (s *SettlementScheduler) pass(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.PassTimeout)
	defer cancel()

	start := time.Now()
	total, accounts, err := s.Settler.SettleAll(ctx)
	fields := []zap.Field{
		zap.Int("accounts", accounts),
		zap.String("credited", total.StringFixed(ledger.CentPlaces)),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.Logger.Error("settlement pass finished with errors", append(fields, zap.Error(err))...)
		return
	}
	s.Logger.Info("settlement pass complete", fields...)
}
