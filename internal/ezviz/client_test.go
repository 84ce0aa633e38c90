package ezviz_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ezvizplug/internal/ezviz"
	"ezvizplug/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testEmail    = "user@example.com"
	testPassword = "hunter2"
)

func newTestClient(t *testing.T, server *testutil.MockCloudServer, password string) *ezviz.Client {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return ezviz.NewClient(ezviz.Config{
		Email:    testEmail,
		Password: password,
		URL:      server.URL(),
		Timeout:  5 * time.Second,
	}, logger)
}

func TestClient_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("successful login", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		defer server.Close()

		client := newTestClient(t, server, testPassword)
		session, err := client.Login(ctx)
		require.NoError(t, err)

		assert.Equal(t, "session-1", session.SessionID)
		assert.Equal(t, "rf-session-1", session.RFSessionID)
		assert.Equal(t, server.Host(), session.APIURL)
		assert.Equal(t, session, client.Session())
		assert.Equal(t, testEmail, session.Account)
		assert.Equal(t, server.URL(), session.Endpoint)
		assert.True(t, client.Owns(session))
	})

	t.Run("session ownership follows the configuration", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		defer server.Close()

		client := newTestClient(t, server, testPassword)
		session, err := client.Login(ctx)
		require.NoError(t, err)

		logger, _ := zap.NewDevelopment()
		otherPassword := newTestClient(t, server, "changed")
		otherAccount := ezviz.NewClient(ezviz.Config{
			Email: "someone-else@example.com", Password: testPassword, URL: server.URL(),
		}, logger)
		otherEndpoint := ezviz.NewClient(ezviz.Config{
			Email: testEmail, Password: testPassword, URL: ezviz.EUURL,
		}, logger)

		assert.True(t, newTestClient(t, server, testPassword).Owns(session))
		assert.False(t, otherPassword.Owns(session))
		assert.False(t, otherAccount.Owns(session))
		assert.False(t, otherEndpoint.Owns(session))
		assert.False(t, client.Owns(ezviz.Session{SessionID: "legacy", APIURL: server.Host()}))
	})

	t.Run("wrong password", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		defer server.Close()

		client := newTestClient(t, server, "wrong")
		_, err := client.Login(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ezviz.ErrInvalidAuth)
		assert.Equal(t, ezviz.ReasonInvalidAuth, ezviz.ErrorReason(err))
		assert.False(t, client.Session().Valid())
	})

	t.Run("verification code required", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		defer server.Close()
		server.SetRequireMFA(true)

		client := newTestClient(t, server, testPassword)
		_, err := client.Login(ctx)
		assert.ErrorIs(t, err, ezviz.ErrMFARequired)
		assert.Equal(t, ezviz.ReasonMFARequired, ezviz.ErrorReason(err))
	})

	t.Run("region redirect", func(t *testing.T) {
		home := testutil.NewMockCloudServer(testEmail, testPassword)
		defer home.Close()
		entry := testutil.NewMockCloudServer("", "")
		defer entry.Close()
		entry.SetRedirect(home.Host())

		client := newTestClient(t, entry, testPassword)
		session, err := client.Login(ctx)
		require.NoError(t, err)
		assert.Equal(t, home.Host(), session.APIURL)
		assert.Equal(t, 1, home.Logins())
		assert.Equal(t, 0, entry.Logins())
	})

	t.Run("unreachable host", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		server.Close()

		client := newTestClient(t, server, testPassword)
		_, err := client.Login(ctx)
		assert.ErrorIs(t, err, ezviz.ErrInvalidHost)
		assert.Equal(t, ezviz.ReasonCannotConnect, ezviz.ErrorReason(err))
	})

	t.Run("empty url", func(t *testing.T) {
		client := ezviz.NewClient(ezviz.Config{Email: testEmail, Password: testPassword}, zap.NewNop())
		_, err := client.Login(ctx)
		assert.ErrorIs(t, err, ezviz.ErrInvalidURL)
		assert.Equal(t, ezviz.ReasonInvalidHost, ezviz.ErrorReason(err))
	})
}

func TestClient_ListDevices(t *testing.T) {
	ctx := context.Background()

	t.Run("returns only plugs", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		defer server.Close()
		server.SetDevice(testutil.CloudDevice{Serial: "Q1", Name: "Kitchen", Type: "CS-T30-10A-EU", Category: "Socket", Status: 1, Enable: true})
		server.SetDevice(testutil.CloudDevice{Serial: "Q2", Name: "Desk", Type: "CS-T31-10B-US", Category: "Socket", Status: 2})
		server.SetDevice(testutil.CloudDevice{Serial: "C1", Name: "Door camera", Type: "CS-C3W", Category: "IPC", Status: 1, Enable: true})

		client := newTestClient(t, server, testPassword)
		_, err := client.Login(ctx)
		require.NoError(t, err)

		devices, err := client.ListDevices(ctx)
		require.NoError(t, err)
		require.Len(t, devices, 2)

		assert.Equal(t, ezviz.DeviceRecord{
			DeviceSerial: "Q1",
			Name:         "Kitchen",
			DeviceType:   "CS-T30-10A-EU",
			Category:     "Socket",
			Enable:       true,
			Status:       1,
		}, devices["Q1"])
		assert.False(t, devices["Q2"].Enable)
		assert.Equal(t, ezviz.StatusUnavailable, devices["Q2"].Status)
		assert.NotContains(t, devices, "C1")
	})

	t.Run("follows pages", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		defer server.Close()
		for i := 0; i < 35; i++ {
			server.SetDevice(testutil.CloudDevice{Serial: fmt.Sprintf("P%02d", i), Name: "plug", Category: "Socket", Status: 1})
		}

		client := newTestClient(t, server, testPassword)
		_, err := client.Login(ctx)
		require.NoError(t, err)

		devices, err := client.ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, devices, 35)
		assert.Equal(t, 2, server.Listings())
	})

	t.Run("expired session", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		defer server.Close()

		client := newTestClient(t, server, testPassword)
		_, err := client.Login(ctx)
		require.NoError(t, err)
		server.ExpireSession()

		_, err = client.ListDevices(ctx)
		assert.ErrorIs(t, err, ezviz.ErrAuthExpired)
	})

	t.Run("too many pages", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		defer server.Close()
		// One plug more than 100 pages of 30 can hold
		for i := 0; i < 3001; i++ {
			server.SetDevice(testutil.CloudDevice{Serial: fmt.Sprintf("P%04d", i), Name: "plug", Category: "Socket", Status: 1})
		}

		client := newTestClient(t, server, testPassword)
		_, err := client.Login(ctx)
		require.NoError(t, err)

		devices, err := client.ListDevices(ctx)
		assert.ErrorIs(t, err, ezviz.ErrRemoteUnavailable)
		assert.Nil(t, devices)
		assert.Equal(t, 100, server.Listings())
	})

	t.Run("exactly the page limit", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		defer server.Close()
		for i := 0; i < 3000; i++ {
			server.SetDevice(testutil.CloudDevice{Serial: fmt.Sprintf("P%04d", i), Name: "plug", Category: "Socket", Status: 1})
		}

		client := newTestClient(t, server, testPassword)
		_, err := client.Login(ctx)
		require.NoError(t, err)

		devices, err := client.ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, devices, 3000)
	})

	t.Run("not logged in", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		defer server.Close()

		client := newTestClient(t, server, testPassword)
		_, err := client.ListDevices(ctx)
		assert.ErrorIs(t, err, ezviz.ErrNotLoggedIn)
	})

	t.Run("server gone", func(t *testing.T) {
		server := testutil.NewMockCloudServer(testEmail, testPassword)
		client := newTestClient(t, server, testPassword)
		_, err := client.Login(ctx)
		require.NoError(t, err)
		server.Close()

		_, err = client.ListDevices(ctx)
		assert.ErrorIs(t, err, ezviz.ErrRemoteUnavailable)
	})
}

func TestClient_SwitchStatus(t *testing.T) {
	ctx := context.Background()

	server := testutil.NewMockCloudServer(testEmail, testPassword)
	defer server.Close()
	server.SetDevice(testutil.CloudDevice{Serial: "Q1", Name: "Kitchen", Category: "Socket", Status: 1})
	server.SetDevice(testutil.CloudDevice{Serial: "Q2", Name: "Desk", Category: "Socket", Status: 1})

	client := newTestClient(t, server, testPassword)
	_, err := client.Login(ctx)
	require.NoError(t, err)

	t.Run("accepted", func(t *testing.T) {
		ok, err := client.SwitchStatus(ctx, "Q1", ezviz.SwitchTypePlug, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		device, _ := server.Device("Q1")
		assert.True(t, device.Enable)

		calls := server.GetSwitchCalls()
		require.NotEmpty(t, calls)
		last := calls[len(calls)-1]
		assert.Equal(t, "Q1", last.Serial)
		assert.Equal(t, 14, last.SwitchType)
		assert.Equal(t, 1, last.Enable)
	})

	t.Run("rejected", func(t *testing.T) {
		server.RejectSwitch("Q2", true)
		ok, err := client.SwitchStatus(ctx, "Q2", ezviz.SwitchTypePlug, 1)
		assert.NoError(t, err)
		assert.False(t, ok)

		device, _ := server.Device("Q2")
		assert.False(t, device.Enable)
	})

	t.Run("expired session", func(t *testing.T) {
		server.ExpireSession()
		ok, err := client.SwitchStatus(ctx, "Q1", ezviz.SwitchTypePlug, 0)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ezviz.ErrAuthExpired)
	})
}

func TestErrorReason(t *testing.T) {
	assert.Equal(t, "", ezviz.ErrorReason(nil))
	assert.Equal(t, ezviz.ReasonInvalidHost, ezviz.ErrorReason(fmt.Errorf("wrap: %w", ezviz.ErrInvalidURL)))
	assert.Equal(t, ezviz.ReasonUnknown, ezviz.ErrorReason(fmt.Errorf("boom")))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ezviz.ErrInvalidAuth, true},
		{fmt.Errorf("login: %w", ezviz.ErrMFARequired), true},
		{ezviz.ErrInvalidURL, true},
		{ezviz.ErrRemoteUnavailable, false},
		{fmt.Errorf("login: %w", ezviz.ErrInvalidHost), false},
		{ezviz.ErrAuthExpired, false},
		{ezviz.ErrNotLoggedIn, false},
		{fmt.Errorf("boom"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ezviz.IsPermanent(tt.err), "%v", tt.err)
	}
}

func TestClient_HostWithPort(t *testing.T) {
	server := testutil.NewMockCloudServer(testEmail, testPassword)
	defer server.Close()

	// A bare host:port is reached over https, so the plain http mock fails to answer
	client := ezviz.NewClient(ezviz.Config{
		Email:    testEmail,
		Password: testPassword,
		URL:      server.Host(),
		Timeout:  time.Second,
	}, zap.NewNop())
	_, err := client.Login(context.Background())
	assert.ErrorIs(t, err, ezviz.ErrInvalidHost)
	assert.False(t, client.Owns(ezviz.Session{Account: testEmail, Endpoint: server.URL()}))
}
