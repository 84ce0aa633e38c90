package plug

import (
	"context"
	"errors"
	"sync"
	"time"

	"ezvizplug/internal/clock"
	"ezvizplug/internal/ezviz"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often the device listing is refreshed
const DefaultPollInterval = 5 * time.Second

// Poller refreshes the coordinator on a fixed interval. A failed poll is
// logged and the next tick is the retry. An expired or missing session
// triggers one login before that tick.
type Poller struct {
	coordinator *Coordinator
	clock       clock.Clock
	interval    time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a new poller
func NewPoller(coordinator *Coordinator, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		coordinator: coordinator,
		clock:       clk,
		interval:    interval,
		logger:      logger,
	}
}

// Name returns the component name
func (p *Poller) Name() string {
	return "poller"
}

// Start begins polling in the background
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return errors.New("poller already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	// Create the ticker before returning so tests can drive it right away
	ticker := p.clock.NewTicker(p.interval)

	p.logger.Info("Starting poller", zap.Duration("interval", p.interval))
	go p.run(ctx, ticker, p.done)
	return nil
}

// Stop halts polling and waits for the loop to exit
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	p.logger.Info("Poller stopped")
}

func (p *Poller) run(ctx context.Context, ticker clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.poll(ctx)
		}
	}
}

// poll performs one refresh
func (p *Poller) poll(ctx context.Context) {
	_, err := p.coordinator.Refresh(ctx)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, ezviz.ErrAuthExpired):
		p.logger.Info("Session expired, logging in again")
		if err := p.coordinator.Authenticate(ctx, true); err != nil {
			p.logger.Error("Re-login failed", zap.Error(err))
		}
	case errors.Is(err, ezviz.ErrNotLoggedIn):
		p.logger.Info("No session yet, logging in")
		if err := p.coordinator.Authenticate(ctx, false); err != nil {
			p.logger.Warn("Login failed, retrying on next poll", zap.Error(err))
		}
	}
}
