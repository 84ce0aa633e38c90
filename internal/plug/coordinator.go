// Package plug keeps the local view of every EZVIZ plug in step with the
// cloud and turns on/off requests into cloud commands.
package plug

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ezvizplug/internal/clock"
	"ezvizplug/internal/ezviz"
	"ezvizplug/internal/store"

	"go.uber.org/zap"
)

var (
	// ErrUnknownDevice is returned for serials absent from the last listing
	ErrUnknownDevice = errors.New("unknown device")

	// ErrCommandRejected is returned when the cloud answered but refused a command
	ErrCommandRejected = errors.New("command rejected")
)

// Event reasons
const (
	ReasonSync    = "sync"
	ReasonCommand = "command"
	ReasonRestore = "restore"
)

// AdapterState is the locally tracked state of one switch. It survives
// listing refreshes; only command outcomes, restore and remote-side changes
// observed between two listings touch it.
type AdapterState struct {
	CachedState          TriState
	LastCommandSucceeded *bool
	LastCommandTimestamp *time.Time
}

// Event describes a change to one device
type Event struct {
	Serial string
	Reason string
	Record ezviz.DeviceRecord
	State  AdapterState
}

// EventHandler is called after a device changed
type EventHandler func(Event)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id          int
	coordinator *Coordinator
}

func (s *subscription) Unsubscribe() {
	s.coordinator.unsubscribe(s.id)
}

type subscriberEntry struct {
	id      int
	handler EventHandler
}

// Coordinator owns the device cache and every switch's AdapterState
type Coordinator struct {
	client ezviz.DeviceClient
	store  store.StateStore
	clock  clock.Clock
	logger *zap.Logger

	// clientMu keeps at most one call in flight on the client
	clientMu sync.Mutex

	mu      sync.RWMutex
	records map[string]ezviz.DeviceRecord
	listed  map[string]ezviz.DeviceRecord
	states  map[string]AdapterState

	subsMu      sync.RWMutex
	subscribers []subscriberEntry
	nextSubID   int
}

// NewCoordinator creates a new coordinator
func NewCoordinator(client ezviz.DeviceClient, stateStore store.StateStore, clk clock.Clock, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		client:  client,
		store:   stateStore,
		clock:   clk,
		logger:  logger,
		records: make(map[string]ezviz.DeviceRecord),
		listed:  make(map[string]ezviz.DeviceRecord),
		states:  make(map[string]AdapterState),
	}
}

// Authenticate makes sure the client holds a session. A persisted session is
// reused unless force is set or it was obtained with a different account,
// password or endpoint; a fresh login is persisted.
func (c *Coordinator) Authenticate(ctx context.Context, force bool) error {
	if !force {
		snapshot, err := c.store.Load(ctx)
		switch {
		case err != nil:
			c.logger.Warn("Failed to load persisted session", zap.Error(err))
		case !snapshot.Session.Valid():
		case !c.client.Owns(snapshot.Session):
			c.logger.Info("Persisted session belongs to another configuration, logging in",
				zap.String("account", snapshot.Session.Account))
		default:
			c.client.SetSession(snapshot.Session)
			c.logger.Info("Reusing persisted session", zap.String("api_url", snapshot.Session.APIURL))
			return nil
		}
	}

	c.clientMu.Lock()
	session, err := c.client.Login(ctx)
	c.clientMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}

	if err := c.store.SaveSession(ctx, session); err != nil {
		c.logger.Warn("Failed to persist session", zap.Error(err))
	}
	return nil
}

// Restore seeds the cached state of every switch from the store. Switches
// that already hold a state are left alone.
func (c *Coordinator) Restore(ctx context.Context) error {
	snapshot, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted states: %w", err)
	}

	var events []Event
	c.mu.Lock()
	for serial, on := range snapshot.States {
		state := c.states[serial]
		if state.CachedState != StateUnknown {
			continue
		}
		state.CachedState = FromBool(on)
		c.states[serial] = state
		events = append(events, Event{
			Serial: serial,
			Reason: ReasonRestore,
			Record: c.records[serial],
			State:  state,
		})
	}
	c.mu.Unlock()

	c.logger.Info("Restored switch states", zap.Int("count", len(events)))
	c.notify(events)
	return nil
}

// Refresh fetches the full device listing and replaces the cache with it.
// A listing never overrides a locally confirmed state unless the cloud's
// value changed since the previous listing.
func (c *Coordinator) Refresh(ctx context.Context) (map[string]ezviz.DeviceRecord, error) {
	c.clientMu.Lock()
	devices, err := c.client.ListDevices(ctx)
	c.clientMu.Unlock()

	if err != nil {
		c.logger.Warn("Device refresh failed", zap.Error(err))
		return nil, fmt.Errorf("failed to refresh devices: %w", err)
	}

	type persist struct {
		serial string
		on     bool
	}
	var events []Event
	var toSave []persist

	c.mu.Lock()
	records := make(map[string]ezviz.DeviceRecord, len(devices))
	for serial, record := range devices {
		records[serial] = record

		state := c.states[serial]
		prevListed, seen := c.listed[serial]
		if seen && prevListed.Enable != record.Enable {
			state.CachedState = FromBool(record.Enable)
			c.states[serial] = state
			toSave = append(toSave, persist{serial: serial, on: record.Enable})
		}

		if prev, ok := c.records[serial]; !ok || prev != record {
			events = append(events, Event{
				Serial: serial,
				Reason: ReasonSync,
				Record: record,
				State:  state,
			})
		}
	}
	c.records = records
	c.listed = devices
	c.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Serial < events[j].Serial })

	for _, p := range toSave {
		if err := c.store.SaveState(ctx, p.serial, p.on); err != nil {
			c.logger.Warn("Failed to persist switch state",
				zap.String("serial", p.serial),
				zap.Error(err))
		}
	}

	c.logger.Debug("Device refresh complete",
		zap.Int("devices", len(records)),
		zap.Int("changed", len(events)))

	c.notify(events)
	return c.Records(), nil
}

// DispatchCommand asks the cloud to switch a plug on or off. Only a
// confirmed command updates the cache; a failure records the outcome and
// leaves the previous state authoritative.
func (c *Coordinator) DispatchCommand(ctx context.Context, serial string, desired bool) error {
	c.mu.RLock()
	record, ok := c.records[serial]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}

	enable := 0
	if desired {
		enable = 1
	}

	c.logger.Debug("Dispatching switch command",
		zap.String("serial", serial),
		zap.String("name", record.Name),
		zap.Bool("desired", desired),
		zap.String("cached", c.State(serial).CachedState.String()),
		zap.Bool("cloud", record.Enable))

	c.clientMu.Lock()
	confirmed, err := c.client.SwitchStatus(ctx, serial, ezviz.SwitchTypePlug, enable)
	c.clientMu.Unlock()

	if err != nil || !confirmed {
		event := c.recordFailure(serial)
		c.notify([]Event{event})

		if err != nil {
			c.logger.Error("Switch command failed",
				zap.String("serial", serial),
				zap.Bool("desired", desired),
				zap.Error(err))
			return fmt.Errorf("failed to switch %s: %w", serial, err)
		}

		c.logger.Warn("Switch command rejected",
			zap.String("serial", serial),
			zap.Bool("desired", desired))
		return fmt.Errorf("%w: %s", ErrCommandRejected, serial)
	}

	event := c.recordSuccess(serial, desired)
	if err := c.store.SaveState(ctx, serial, desired); err != nil {
		c.logger.Warn("Failed to persist switch state",
			zap.String("serial", serial),
			zap.Error(err))
	}

	c.logger.Info("Switch command confirmed",
		zap.String("serial", serial),
		zap.Bool("on", desired))

	c.notify([]Event{event})
	return nil
}

func (c *Coordinator) recordFailure(serial string) Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := false
	state := c.states[serial]
	state.LastCommandSucceeded = &failed
	c.states[serial] = state

	return Event{Serial: serial, Reason: ReasonCommand, Record: c.records[serial], State: state}
}

func (c *Coordinator) recordSuccess(serial string, desired bool) Event {
	now := c.clock.Now()
	succeeded := true

	c.mu.Lock()
	defer c.mu.Unlock()

	// Swap in a new record value; the listing map itself is never mutated
	record, ok := c.records[serial]
	if ok {
		records := make(map[string]ezviz.DeviceRecord, len(c.records))
		for k, v := range c.records {
			records[k] = v
		}
		record = record.WithEnable(desired)
		records[serial] = record
		c.records = records
	}

	state := c.states[serial]
	state.CachedState = FromBool(desired)
	state.LastCommandSucceeded = &succeeded
	state.LastCommandTimestamp = &now
	c.states[serial] = state

	return Event{Serial: serial, Reason: ReasonCommand, Record: record, State: state}
}

// Record returns the cached record of one device
func (c *Coordinator) Record(serial string) (ezviz.DeviceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.records[serial]
	return record, ok
}

// Records returns a copy of the cache
func (c *Coordinator) Records() map[string]ezviz.DeviceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	records := make(map[string]ezviz.DeviceRecord, len(c.records))
	for k, v := range c.records {
		records[k] = v
	}
	return records
}

// Serials returns the cached device serials in sorted order
func (c *Coordinator) Serials() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	serials := make([]string, 0, len(c.records))
	for serial := range c.records {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	return serials
}

// State returns the AdapterState of one switch. The zero value means
// nothing is known yet.
func (c *Coordinator) State(serial string) AdapterState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[serial]
}

// Subscribe registers a handler for device events
func (c *Coordinator) Subscribe(handler EventHandler) Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.nextSubID++
	c.subscribers = append(c.subscribers, subscriberEntry{id: c.nextSubID, handler: handler})
	return &subscription{id: c.nextSubID, coordinator: c}
}

func (c *Coordinator) unsubscribe(id int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for i, entry := range c.subscribers {
		if entry.id == id {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

// notify calls every subscriber synchronously, in subscription order
func (c *Coordinator) notify(events []Event) {
	if len(events) == 0 {
		return
	}

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers...)
	c.subsMu.RUnlock()

	for _, event := range events {
		for _, entry := range entries {
			entry.handler(event)
		}
	}
}
