package plug

import (
	"context"
	"time"
)

// Switch is the entity view of one plug handed to the registration sink.
// It holds no state of its own; everything is read from the coordinator.
type Switch struct {
	serial      string
	coordinator *Coordinator
}

// NewSwitch creates the entity for a serial managed by coordinator
func NewSwitch(serial string, coordinator *Coordinator) *Switch {
	return &Switch{serial: serial, coordinator: coordinator}
}

// UniqueID returns the stable identifier of the entity
func (s *Switch) UniqueID() string {
	return s.serial
}

// Name returns the display name, falling back to the serial
func (s *Switch) Name() string {
	record, ok := s.coordinator.Record(s.serial)
	if !ok || record.Name == "" {
		return s.serial
	}
	return record.Name
}

// IsOn returns true if the plug is on
func (s *Switch) IsOn() bool {
	record, _ := s.coordinator.Record(s.serial)
	return IsOn(record, s.coordinator.State(s.serial).CachedState)
}

// Available returns true if the plug is present in the listing and online
func (s *Switch) Available() bool {
	record, ok := s.coordinator.Record(s.serial)
	return ok && IsAvailable(record)
}

// Icon returns the entity icon
func (s *Switch) Icon() string {
	record, _ := s.coordinator.Record(s.serial)
	return Icon(record)
}

// LastPressed returns the time of the last confirmed command in ISO 8601,
// or an empty string
func (s *Switch) LastPressed() string {
	ts := s.coordinator.State(s.serial).LastCommandTimestamp
	if ts == nil {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// Attributes returns the extra state attributes
func (s *Switch) Attributes() map[string]interface{} {
	var lastRunSuccess interface{}
	if ok := s.coordinator.State(s.serial).LastCommandSucceeded; ok != nil {
		lastRunSuccess = *ok
	}

	return map[string]interface{}{
		"last_run_success": lastRunSuccess,
		"last_pressed":     s.LastPressed(),
	}
}

// TurnOn turns the plug on
func (s *Switch) TurnOn(ctx context.Context) error {
	return s.coordinator.DispatchCommand(ctx, s.serial, true)
}

// TurnOff turns the plug off
func (s *Switch) TurnOff(ctx context.Context) error {
	return s.coordinator.DispatchCommand(ctx, s.serial, false)
}

// View is the serializable snapshot of a switch
type View struct {
	UniqueID   string                 `json:"unique_id"`
	Name       string                 `json:"name"`
	State      string                 `json:"state"`
	IsOn       bool                   `json:"is_on"`
	Available  bool                   `json:"available"`
	Icon       string                 `json:"icon"`
	Attributes map[string]interface{} `json:"attributes"`
}

// View returns a snapshot of the entity
func (s *Switch) View() View {
	isOn := s.IsOn()
	available := s.Available()

	state := "off"
	switch {
	case !available:
		state = "unavailable"
	case isOn:
		state = "on"
	}

	return View{
		UniqueID:   s.UniqueID(),
		Name:       s.Name(),
		State:      state,
		IsOn:       isOn,
		Available:  available,
		Icon:       s.Icon(),
		Attributes: s.Attributes(),
	}
}
