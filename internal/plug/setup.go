package plug

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ezvizplug/internal/ezviz"

	"go.uber.org/zap"
)

// EntitySink accepts the switches built during setup
type EntitySink interface {
	AddEntities(switches []*Switch)
}

// registrar hands each serial to the sink exactly once
type registrar struct {
	coordinator *Coordinator
	sink        EntitySink
	logger      *zap.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// register builds switches for serials the sink has not seen yet
func (r *registrar) register(serials []string) []*Switch {
	r.mu.Lock()
	var switches []*Switch
	for _, serial := range serials {
		if r.seen[serial] {
			continue
		}
		r.seen[serial] = true
		switches = append(switches, NewSwitch(serial, r.coordinator))
	}
	r.mu.Unlock()

	if len(switches) > 0 {
		r.sink.AddEntities(switches)
		r.logger.Info("Switch entities registered", zap.Int("count", len(switches)))
	}
	return switches
}

func (r *registrar) handleEvent(event Event) {
	if event.Reason != ReasonSync {
		return
	}
	r.register([]string{event.Serial})
}

// Setup restores persisted states, performs the initial listing and hands one
// Switch per plug to sink. Plugs that first show up in a later refresh are
// registered with sink as they appear, so a failed initial listing is retried
// by the next poll. The returned error only describes the initial listing.
func Setup(ctx context.Context, coordinator *Coordinator, sink EntitySink, logger *zap.Logger) ([]*Switch, error) {
	if err := coordinator.Restore(ctx); err != nil {
		logger.Warn("Failed to restore switch states", zap.Error(err))
	}

	r := &registrar{
		coordinator: coordinator,
		sink:        sink,
		logger:      logger,
		seen:        make(map[string]bool),
	}

	_, err := coordinator.Refresh(ctx)
	switches := r.register(coordinator.Serials())
	coordinator.Subscribe(r.handleEvent)

	if err != nil {
		return switches, fmt.Errorf("initial refresh failed: %w", err)
	}
	return switches, nil
}

// Bootstrap authenticates and sets up the switches. Only errors the user has
// to fix are returned; anything else is logged and left to the poller, which
// logs in and lists again on each tick.
func Bootstrap(ctx context.Context, coordinator *Coordinator, sink EntitySink, logger *zap.Logger) error {
	if err := coordinator.Authenticate(ctx, false); err != nil {
		if ezviz.IsPermanent(err) {
			return err
		}
		logger.Warn("EZVIZ cloud unavailable, retrying on next poll",
			zap.String("reason", ezviz.ErrorReason(err)),
			zap.Error(err))
	}

	_, err := Setup(ctx, coordinator, sink, logger)
	if err == nil {
		return nil
	}

	if !errors.Is(err, ezviz.ErrAuthExpired) {
		logger.Warn("Initial listing failed, retrying on next poll", zap.Error(err))
		return nil
	}

	// A persisted session may have expired while the daemon was down
	logger.Info("Persisted session expired, logging in again")
	if err := coordinator.Authenticate(ctx, true); err != nil {
		if ezviz.IsPermanent(err) {
			return err
		}
		logger.Warn("Login failed, retrying on next poll", zap.Error(err))
		return nil
	}
	if _, err := coordinator.Refresh(ctx); err != nil {
		logger.Warn("Initial listing failed, retrying on next poll", zap.Error(err))
	}
	return nil
}
