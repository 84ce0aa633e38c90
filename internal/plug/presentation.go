package plug

import (
	"strings"

	"ezvizplug/internal/ezviz"
)

// Entity icons
const (
	IconEU      = "mdi:power-socket-de"
	IconUS      = "mdi:power-socket-us"
	IconGeneric = "mdi:power-socket"
)

// TriState is an on/off value that may not be known yet
type TriState int

const (
	StateUnknown TriState = iota
	StateOff
	StateOn
)

// FromBool converts a confirmed boolean into a TriState
func FromBool(on bool) TriState {
	if on {
		return StateOn
	}
	return StateOff
}

// Bool returns the boolean value and whether it is known
func (s TriState) Bool() (bool, bool) {
	switch s {
	case StateOn:
		return true, true
	case StateOff:
		return false, true
	default:
		return false, false
	}
}

func (s TriState) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateOff:
		return "off"
	default:
		return "unknown"
	}
}

// IsAvailable reports whether the cloud considers the device reachable
func IsAvailable(record ezviz.DeviceRecord) bool {
	return record.Status != ezviz.StatusUnavailable
}

// Icon picks the socket glyph for a device. The EU check looks at the device
// type while the US check looks at the serial.
// TODO: confirm with the vendor whether the US suffix lives on the type too.
func Icon(record ezviz.DeviceRecord) string {
	switch {
	case strings.HasSuffix(record.DeviceType, "EU"):
		return IconEU
	case strings.HasSuffix(record.DeviceSerial, "US"):
		return IconUS
	default:
		return IconGeneric
	}
}

// IsOn prefers the locally tracked state and falls back to the cloud's
// enable flag only while no local state exists
func IsOn(record ezviz.DeviceRecord, cached TriState) bool {
	if on, known := cached.Bool(); known {
		return on
	}
	return record.Enable
}
