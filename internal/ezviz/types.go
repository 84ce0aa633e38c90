package ezviz

import (
	"encoding/json"
	"errors"
)

// Region endpoints offered during setup
const (
	EUURL     = "apiieu.ezvizlife.com"
	RussiaURL = "apirus.ezvizru.com"
)

// DefaultTimeout is the default HTTP timeout in seconds
const DefaultTimeout = 30

// StatusUnavailable is the device status code reported for offline devices
const StatusUnavailable = 2

// SwitchType selects which relay/function of a device a command targets
type SwitchType int

// SwitchTypePlug is the relay of a smart plug
const SwitchTypePlug SwitchType = 14

// CategorySocket is the device category the cloud reports for smart plugs
const CategorySocket = "Socket"

var (
	// ErrAuthExpired is returned when the cloud rejects the session token
	ErrAuthExpired = errors.New("ezviz: session expired")

	// ErrRemoteUnavailable is returned on network, HTTP or API failures
	ErrRemoteUnavailable = errors.New("ezviz: remote unavailable")

	// ErrInvalidAuth is returned when the account or password is wrong
	ErrInvalidAuth = errors.New("ezviz: invalid credentials")

	// ErrMFARequired is returned when the account needs a verification code
	ErrMFARequired = errors.New("ezviz: verification code required")

	// ErrInvalidURL is returned when the API endpoint cannot be parsed
	ErrInvalidURL = errors.New("ezviz: invalid api url")

	// ErrInvalidHost is returned when the API endpoint cannot be reached
	ErrInvalidHost = errors.New("ezviz: cannot reach host")

	// ErrNotLoggedIn is returned by calls that need a session before Login
	ErrNotLoggedIn = errors.New("ezviz: not logged in")
)

// DeviceRecord is the last known state of one plug as reported by the cloud.
// Records are values: a new listing or a confirmed command produces a new
// record rather than mutating an existing one.
type DeviceRecord struct {
	DeviceSerial string `json:"deviceSerial" yaml:"device_serial"`
	Name         string `json:"name" yaml:"name"`
	DeviceType   string `json:"deviceType" yaml:"device_type"`
	Category     string `json:"deviceCategory" yaml:"category"`
	Enable       bool   `json:"enable" yaml:"enable"`
	Status       int    `json:"status" yaml:"status"`
}

// WithEnable returns a copy of the record with Enable set
func (r DeviceRecord) WithEnable(enable bool) DeviceRecord {
	r.Enable = enable
	return r
}

// Session holds the credentials returned by a successful login. Account,
// Endpoint and Fingerprint record which configuration obtained it.
type Session struct {
	SessionID   string `json:"session_id" yaml:"session_id"`
	RFSessionID string `json:"rf_session_id" yaml:"rf_session_id"`
	APIURL      string `json:"api_url" yaml:"api_url"`
	Account     string `json:"account" yaml:"account"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
}

// Valid reports whether the session carries a token and an endpoint
func (s Session) Valid() bool {
	return s.SessionID != "" && s.APIURL != ""
}

// meta is the status block every cloud response carries
type meta struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// loginResponse represents the login/v5 response body
type loginResponse struct {
	Meta         meta `json:"meta"`
	LoginSession struct {
		SessionID   string `json:"sessionId"`
		RFSessionID string `json:"rfSessionId"`
	} `json:"loginSession"`
	LoginArea struct {
		APIDomain string `json:"apiDomain"`
	} `json:"loginArea"`
}

// pageListResponse represents one page of the device resource listing
type pageListResponse struct {
	Meta        meta                     `json:"meta"`
	DeviceInfos []deviceInfo             `json:"deviceInfos"`
	Switch      map[string][]switchEntry `json:"SWITCH"`
	Page        struct {
		Offset  int  `json:"offset"`
		Limit   int  `json:"limit"`
		HasNext bool `json:"hasNext"`
	} `json:"page"`
}

// deviceInfo is a single entry of deviceInfos
type deviceInfo struct {
	DeviceSerial   string `json:"deviceSerial"`
	Name           string `json:"name"`
	DeviceType     string `json:"deviceType"`
	DeviceCategory string `json:"deviceCategory"`
	Status         int    `json:"status"`
}

// switchEntry is a single switch flag of a device
type switchEntry struct {
	Type   int  `json:"type"`
	Enable bool `json:"enable"`
}

// statusResponse is the body returned by mutating calls
type statusResponse struct {
	Meta       meta            `json:"meta"`
	ResultCode json.RawMessage `json:"resultCode,omitempty"`
}
