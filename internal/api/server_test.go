package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ezvizplug/internal/clock"
	"ezvizplug/internal/ezviz"
	"ezvizplug/internal/plug"
	"ezvizplug/internal/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	client      *ezviz.MockClient
	coordinator *plug.Coordinator
	server      *Server
	http        *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	client := ezviz.NewMockClient()
	client.SetDevice(ezviz.DeviceRecord{
		DeviceSerial: "Q1",
		Name:         "Kitchen",
		DeviceType:   "CS-T30-10A-EU",
		Category:     ezviz.CategorySocket,
		Status:       1,
	})
	client.SetDevice(ezviz.DeviceRecord{
		DeviceSerial: "Q2",
		Name:         "Desk",
		DeviceType:   "CS-T31",
		Category:     ezviz.CategorySocket,
		Enable:       true,
		Status:       2,
	})

	coordinator := plug.NewCoordinator(client, store.NewMemoryStore(),
		clock.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)), logger)

	registry := NewRegistry()
	_, err := plug.Setup(context.Background(), coordinator, registry, logger)
	require.NoError(t, err)

	server := NewServer(registry, coordinator, logger, 8081)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Hub().Close()
		httpServer.Close()
	})

	return &fixture{client: client, coordinator: coordinator, server: server, http: httpServer}
}

func TestListSwitches(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/api/switches")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var views []plug.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 2)

	assert.Equal(t, "Q1", views[0].UniqueID)
	assert.Equal(t, "off", views[0].State)
	assert.Equal(t, plug.IconEU, views[0].Icon)
	assert.Equal(t, "Q2", views[1].UniqueID)
	assert.Equal(t, "unavailable", views[1].State)
	assert.False(t, views[1].Available)
}

func TestGetSwitch(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/api/switches/Q1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view plug.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "Kitchen", view.Name)
	assert.Nil(t, view.Attributes["last_run_success"])

	resp2, err := http.Get(f.http.URL + "/api/switches/nope")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestSwitchAction(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/api/switches/Q1/turn_on", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view plug.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.True(t, view.IsOn)
	assert.Equal(t, true, view.Attributes["last_run_success"])
	assert.Equal(t, "2024-03-01T12:00:00Z", view.Attributes["last_pressed"])

	calls := f.client.GetSwitchCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].Enable)
}

func TestSwitchActionRejected(t *testing.T) {
	f := newFixture(t)
	f.client.SetSwitchResult("Q1", false)

	resp, err := http.Post(f.http.URL+"/api/switches/Q1/turn_on", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body struct {
		Error  string    `json:"error"`
		Switch plug.View `json:"switch"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "command rejected")
	assert.False(t, body.Switch.IsOn)
	assert.Equal(t, false, body.Switch.Attributes["last_run_success"])
}

func TestSwitchActionUnknown(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/api/switches/Q1/toggle", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/api/switches/Q1/turn_on")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Empty(t, f.client.GetSwitchCalls())
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.server.handleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, float64(2), response["switches"])

	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	w = httptest.NewRecorder()
	f.server.handleHealth(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSitemap(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	f.server.handleSitemap(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "/api/switches/{serial}/turn_on")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w = httptest.NewRecorder()
	f.server.handleSitemap(w, req)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, w.Body.String(), "<h1>EZVIZ Plug API</h1>")

	req = httptest.NewRequest(http.MethodGet, "/missing", nil)
	w = httptest.NewRecorder()
	f.server.handleSitemap(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// One snapshot message per switch
	for _, want := range []string{"Q1", "Q2"} {
		var msg EventMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, MessageSnapshot, msg.Type)
		assert.Equal(t, want, msg.Switch.UniqueID)
	}

	require.Eventually(t, func() bool {
		return f.server.Hub().Clients() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.coordinator.DispatchCommand(context.Background(), "Q1", true))

	var msg EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageChanged, msg.Type)
	assert.Equal(t, plug.ReasonCommand, msg.Reason)
	assert.Equal(t, "Q1", msg.Switch.UniqueID)
	assert.True(t, msg.Switch.IsOn)
}

func TestEventsClientDisconnect(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.server.Hub().Clients() == 1
	}, time.Second, 5*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return f.server.Hub().Clients() == 0
	}, time.Second, 5*time.Millisecond)
}
