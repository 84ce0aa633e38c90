// Package testutil provides testing utilities for the EZVIZ plug daemon.
// This package contains a mock EZVIZ cloud HTTP server that speaks the
// subset of the API the client uses.
package testutil

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CloudDevice is a plug as stored by the mock cloud
type CloudDevice struct {
	Serial   string
	Name     string
	Type     string
	Category string
	Status   int
	Enable   bool
}

// SwitchCall records a switchStatus request received by the mock cloud
type SwitchCall struct {
	Timestamp  time.Time
	Serial     string
	SwitchType int
	Enable     int
}

// MockCloudServer simulates the EZVIZ cloud API
type MockCloudServer struct {
	server   *httptest.Server
	email    string
	password string

	mu          sync.RWMutex
	devices     map[string]*CloudDevice
	sessionID   string
	sessionSeq  int
	requireMFA  bool
	unavailable bool
	redirectTo  string
	rejected    map[string]bool
	logins      int
	listings    int
	switchCalls []SwitchCall
}

// NewMockCloudServer creates and starts a mock cloud accepting the given
// account credentials
func NewMockCloudServer(email, password string) *MockCloudServer {
	s := &MockCloudServer{
		email:       email,
		password:    password,
		devices:     make(map[string]*CloudDevice),
		rejected:    make(map[string]bool),
		switchCalls: make([]SwitchCall, 0),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/users/login/v5", s.handleLogin)
	mux.HandleFunc("GET /v3/userdevices/v1/resources/pagelist", s.handlePageList)
	mux.HandleFunc("PUT /v3/devices/{serial}/1/1/{type}/switchStatus", s.handleSwitchStatus)

	s.server = httptest.NewServer(s.gate(mux))
	return s
}

// gate answers every request with 503 while the cloud is unavailable
func (s *MockCloudServer) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		down := s.unavailable
		s.mu.RUnlock()
		if down {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// URL returns the base URL including scheme
func (s *MockCloudServer) URL() string {
	return s.server.URL
}

// Host returns the host:port the server listens on
func (s *MockCloudServer) Host() string {
	return strings.TrimPrefix(s.server.URL, "http://")
}

// Close stops the server
func (s *MockCloudServer) Close() {
	s.server.Close()
}

// SetDevice adds or replaces a device
func (s *MockCloudServer) SetDevice(device CloudDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := device
	s.devices[device.Serial] = &d
}

// Device returns a copy of a stored device
func (s *MockCloudServer) Device(serial string) (CloudDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[serial]
	if !ok {
		return CloudDevice{}, false
	}
	return *d, true
}

// SetRequireMFA makes logins answer with the verification-code meta code
func (s *MockCloudServer) SetRequireMFA(require bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireMFA = require
}

// SetRedirect makes the first login answer with a region redirect to host
func (s *MockCloudServer) SetRedirect(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirectTo = host
}

// RejectSwitch makes switch commands for serial fail with a meta error
func (s *MockCloudServer) RejectSwitch(serial string, reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[serial] = reject
}

// SetUnavailable makes the cloud fail every request
func (s *MockCloudServer) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// SetPassword changes the account password and ends the current session
func (s *MockCloudServer) SetPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = password
	s.sessionID = ""
}

// ExpireSession invalidates the current session token
func (s *MockCloudServer) ExpireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
}

// Logins returns the number of successful logins
func (s *MockCloudServer) Logins() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logins
}

// Listings returns the number of pagelist requests served
func (s *MockCloudServer) Listings() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listings
}

// GetSwitchCalls returns the recorded switch calls
func (s *MockCloudServer) GetSwitchCalls() []SwitchCall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	calls := make([]SwitchCall, len(s.switchCalls))
	copy(calls, s.switchCalls)
	return calls
}

func (s *MockCloudServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.redirectTo != "" {
		target := s.redirectTo
		s.redirectTo = ""
		writeJSON(w, map[string]any{
			"meta":      meta(1100, "redirect"),
			"loginArea": map[string]any{"apiDomain": target},
		})
		return
	}

	if r.PostForm.Get("account") != s.email {
		writeJSON(w, map[string]any{"meta": meta(1013, "user name error")})
		return
	}

	sum := md5.Sum([]byte(s.password))
	if r.PostForm.Get("password") != hex.EncodeToString(sum[:]) {
		writeJSON(w, map[string]any{"meta": meta(1014, "password error")})
		return
	}

	if s.requireMFA {
		writeJSON(w, map[string]any{"meta": meta(6002, "verification code required")})
		return
	}

	s.sessionSeq++
	s.logins++
	s.sessionID = fmt.Sprintf("session-%d", s.sessionSeq)

	writeJSON(w, map[string]any{
		"meta": meta(200, "OK"),
		"loginSession": map[string]any{
			"sessionId":   s.sessionID,
			"rfSessionId": "rf-" + s.sessionID,
		},
		"loginArea": map[string]any{"apiDomain": strings.TrimPrefix(s.server.URL, "http://")},
	})
}

func (s *MockCloudServer) handlePageList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authorized(r) {
		writeJSON(w, map[string]any{"meta": meta(401, "session expired")})
		return
	}
	s.listings++

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 30
	}

	serials := make([]string, 0, len(s.devices))
	for serial := range s.devices {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	end := offset + limit
	if end > len(serials) {
		end = len(serials)
	}
	if offset > len(serials) {
		offset = len(serials)
	}

	infos := make([]map[string]any, 0, end-offset)
	switches := make(map[string]any)
	for _, serial := range serials[offset:end] {
		d := s.devices[serial]
		infos = append(infos, map[string]any{
			"deviceSerial":   d.Serial,
			"name":           d.Name,
			"deviceType":     d.Type,
			"deviceCategory": d.Category,
			"status":         d.Status,
		})
		// Cameras report other switches, e.g. privacy mode (7)
		switchType := 7
		if d.Category == "Socket" {
			switchType = 14
		}
		switches[serial] = []map[string]any{
			{"type": switchType, "enable": d.Enable},
		}
	}

	writeJSON(w, map[string]any{
		"meta":        meta(200, "OK"),
		"deviceInfos": infos,
		"SWITCH":      switches,
		"page": map[string]any{
			"offset":  offset,
			"limit":   limit,
			"hasNext": end < len(serials),
		},
	})
}

func (s *MockCloudServer) handleSwitchStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	serial := r.PathValue("serial")
	switchType, _ := strconv.Atoi(r.PathValue("type"))
	enable, _ := strconv.Atoi(r.PostForm.Get("enable"))

	s.switchCalls = append(s.switchCalls, SwitchCall{
		Timestamp:  time.Now(),
		Serial:     serial,
		SwitchType: switchType,
		Enable:     enable,
	})

	d, ok := s.devices[serial]
	if !ok {
		writeJSON(w, map[string]any{"meta": meta(2000, "device not exist")})
		return
	}

	if s.rejected[serial] {
		writeJSON(w, map[string]any{"meta": meta(2009, "device offline")})
		return
	}

	d.Enable = enable == 1
	writeJSON(w, map[string]any{"meta": meta(200, "OK")})
}

// authorized checks the sessionId header against the live session
func (s *MockCloudServer) authorized(r *http.Request) bool {
	return s.sessionID != "" && r.Header.Get("sessionId") == s.sessionID
}

func meta(code int, message string) map[string]any {
	return map[string]any{"code": code, "message": message}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
