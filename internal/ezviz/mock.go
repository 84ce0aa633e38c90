package ezviz

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SwitchCall records a switch command for testing
type SwitchCall struct {
	Serial     string
	SwitchType SwitchType
	Enable     int
	Time       time.Time
}

// MockClient implements DeviceClient for testing
type MockClient struct {
	devices   map[string]DeviceRecord
	devicesMu sync.RWMutex

	results    map[string]bool
	resultsMu  sync.RWMutex
	switchErr  error
	listErr    error
	loginErr   error
	errMu      sync.RWMutex
	loginCalls int
	listCalls  int

	account   string
	session   Session
	sessionMu sync.RWMutex

	switchCalls []SwitchCall
	callsMu     sync.Mutex
}

// NewMockClient creates a new mock EZVIZ client
func NewMockClient() *MockClient {
	return &MockClient{
		devices:     make(map[string]DeviceRecord),
		results:     make(map[string]bool),
		switchCalls: make([]SwitchCall, 0),
		account:     "mock@example.com",
	}
}

// SetAccount changes the account the mock logs in as
func (m *MockClient) SetAccount(account string) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	m.account = account
}

// SetDevice adds or replaces a device in the mock cloud
func (m *MockClient) SetDevice(record DeviceRecord) {
	m.devicesMu.Lock()
	defer m.devicesMu.Unlock()
	m.devices[record.DeviceSerial] = record
}

// RemoveDevice drops a device from the mock cloud
func (m *MockClient) RemoveDevice(serial string) {
	m.devicesMu.Lock()
	defer m.devicesMu.Unlock()
	delete(m.devices, serial)
}

// Device returns the mock cloud's view of a device
func (m *MockClient) Device(serial string) (DeviceRecord, bool) {
	m.devicesMu.RLock()
	defer m.devicesMu.RUnlock()
	record, ok := m.devices[serial]
	return record, ok
}

// SetSwitchResult sets what SwitchStatus reports for a serial. Serials
// without an explicit result succeed.
func (m *MockClient) SetSwitchResult(serial string, ok bool) {
	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	m.results[serial] = ok
}

// SetSwitchError makes every SwitchStatus call fail with err
func (m *MockClient) SetSwitchError(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.switchErr = err
}

// SetListError makes every ListDevices call fail with err
func (m *MockClient) SetListError(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.listErr = err
}

// SetLoginError makes every Login call fail with err
func (m *MockClient) SetLoginError(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.loginErr = err
}

// Login simulates a login
func (m *MockClient) Login(ctx context.Context) (Session, error) {
	m.errMu.Lock()
	m.loginCalls++
	err := m.loginErr
	m.errMu.Unlock()

	if err != nil {
		return Session{}, err
	}

	m.sessionMu.RLock()
	account := m.account
	m.sessionMu.RUnlock()

	session := Session{
		SessionID:   fmt.Sprintf("mock-session-%d", m.LoginCalls()),
		RFSessionID: "mock-rf-session",
		APIURL:      EUURL,
		Account:     account,
		Endpoint:    "https://" + EUURL,
		Fingerprint: "mock-" + account,
	}
	m.SetSession(session)
	return session, nil
}

// LoginCalls returns how many times Login was called
func (m *MockClient) LoginCalls() int {
	m.errMu.RLock()
	defer m.errMu.RUnlock()
	return m.loginCalls
}

// ListCalls returns how many times ListDevices was called
func (m *MockClient) ListCalls() int {
	m.errMu.RLock()
	defer m.errMu.RUnlock()
	return m.listCalls
}

// ListDevices returns a copy of the mock cloud's devices
func (m *MockClient) ListDevices(ctx context.Context) (map[string]DeviceRecord, error) {
	m.errMu.Lock()
	m.listCalls++
	err := m.listErr
	m.errMu.Unlock()

	if err != nil {
		return nil, err
	}

	m.devicesMu.RLock()
	defer m.devicesMu.RUnlock()

	devices := make(map[string]DeviceRecord, len(m.devices))
	for serial, record := range m.devices {
		devices[serial] = record
	}
	return devices, nil
}

// SwitchStatus records the call and applies it to the mock cloud on success
func (m *MockClient) SwitchStatus(ctx context.Context, serial string, switchType SwitchType, enable int) (bool, error) {
	m.callsMu.Lock()
	m.switchCalls = append(m.switchCalls, SwitchCall{
		Serial:     serial,
		SwitchType: switchType,
		Enable:     enable,
		Time:       time.Now(),
	})
	m.callsMu.Unlock()

	m.errMu.RLock()
	err := m.switchErr
	m.errMu.RUnlock()
	if err != nil {
		return false, err
	}

	m.resultsMu.RLock()
	ok, set := m.results[serial]
	m.resultsMu.RUnlock()
	if set && !ok {
		return false, nil
	}

	m.devicesMu.Lock()
	if record, exists := m.devices[serial]; exists {
		m.devices[serial] = record.WithEnable(enable == 1)
	}
	m.devicesMu.Unlock()

	return true, nil
}

// SetSession stores a session
func (m *MockClient) SetSession(session Session) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	m.session = session
}

// Session returns the stored session
func (m *MockClient) Session() Session {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	return m.session
}

// Owns reports whether session was issued for the mock's current account
func (m *MockClient) Owns(session Session) bool {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	return session.Account == m.account && session.Fingerprint == "mock-"+m.account
}

// CloseSession is a no-op for the mock
func (m *MockClient) CloseSession() {}

// GetSwitchCalls returns all recorded switch calls
func (m *MockClient) GetSwitchCalls() []SwitchCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]SwitchCall, len(m.switchCalls))
	copy(calls, m.switchCalls)
	return calls
}

// ClearSwitchCalls clears the recorded switch calls
func (m *MockClient) ClearSwitchCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.switchCalls = make([]SwitchCall, 0)
}
