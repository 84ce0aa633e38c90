package ezviz

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	loginPath        = "/v3/users/login/v5"
	pageListPath     = "/v3/userdevices/v1/resources/pagelist"
	switchStatusPath = "/v3/devices/%s/1/1/%d/switchStatus"

	pageListFilter = "CONNECTION,SWITCH,STATUS,WIFI,PRODUCTS_INFO,FEATURE_INFO"
	pageLimit      = 30
	maxPages       = 100
)

// Cloud meta codes
const (
	codeOK             = 200
	codeUnauthorized   = 401
	codeForbidden      = 403
	codeRedirectArea   = 1100
	codeWrongAccount   = 1013
	codeWrongPassword  = 1014
	codeNeedCaptcha    = 1015
	codeNeedMFA        = 6002
	codeMFAWrongCode   = 6003
	codeSessionExpired = 10002
)

// DeviceClient defines the interface the synchronization core depends on.
// Implementations are not required to be safe for concurrent use; callers
// keep at most one call in flight per client.
type DeviceClient interface {
	Login(ctx context.Context) (Session, error)
	ListDevices(ctx context.Context) (map[string]DeviceRecord, error)
	SwitchStatus(ctx context.Context, serial string, switchType SwitchType, enable int) (bool, error)
	SetSession(session Session)
	Session() Session
	Owns(session Session) bool
	CloseSession()
}

// Config holds the account settings needed to talk to the cloud
type Config struct {
	Email    string
	Password string
	URL      string
	Timeout  time.Duration
}

// Client implements DeviceClient against the EZVIZ cloud HTTP API
type Client struct {
	email       string
	password    string
	scheme      string
	host        string
	featureCode string
	httpClient  *http.Client
	logger      *zap.Logger

	fingerprint string

	mu      sync.RWMutex
	session Session
}

// NewClient creates a new EZVIZ cloud client. URL may be a bare host
// (https is assumed) or a full http(s) base URL.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout * time.Second
	}

	scheme, host := splitURL(cfg.URL)

	return &Client{
		email:       cfg.Email,
		password:    cfg.Password,
		scheme:      scheme,
		host:        host,
		featureCode: strings.ReplaceAll(uuid.NewString(), "-", ""),
		fingerprint: fingerprint(cfg.Email, cfg.Password),
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// splitURL separates an optional scheme from the API host
func splitURL(raw string) (string, string) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if u, err := url.Parse(raw); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return u.Scheme, u.Host
	}
	return "https", raw
}

// fingerprint derives a non-reversible marker of the credentials so a stored
// session can be matched against the current configuration
func fingerprint(email, password string) string {
	pw := md5.Sum([]byte(password))
	sum := sha256.Sum256([]byte(email + "\n" + hex.EncodeToString(pw[:])))
	return hex.EncodeToString(sum[:])
}

func (c *Client) endpoint() string {
	return c.scheme + "://" + c.host
}

// Owns reports whether session was obtained with this client's account,
// credentials and endpoint
func (c *Client) Owns(session Session) bool {
	return session.Account == c.email &&
		session.Endpoint == c.endpoint() &&
		session.Fingerprint == c.fingerprint
}

// SetSession installs a previously obtained session
func (c *Client) SetSession(session Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

// Session returns the current session
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// CloseSession releases idle connections. The session token is kept so that
// later calls can reuse it.
func (c *Client) CloseSession() {
	c.httpClient.CloseIdleConnections()
}

// Login authenticates with email and password and stores the session
func (c *Client) Login(ctx context.Context) (Session, error) {
	if c.host == "" || strings.ContainsAny(c.host, " /") {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidURL, c.host)
	}

	resp, err := c.login(ctx, c.host)
	if err != nil {
		return Session{}, err
	}

	// The account lives in another region; retry once against it
	if resp.Meta.Code == codeRedirectArea && resp.LoginArea.APIDomain != "" && resp.LoginArea.APIDomain != c.host {
		c.logger.Info("Login redirected to another region",
			zap.String("api_domain", resp.LoginArea.APIDomain))
		resp, err = c.login(ctx, resp.LoginArea.APIDomain)
		if err != nil {
			return Session{}, err
		}
	}

	switch resp.Meta.Code {
	case codeOK:
	case codeWrongAccount, codeWrongPassword:
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidAuth, resp.Meta.Message)
	case codeNeedCaptcha, codeNeedMFA, codeMFAWrongCode:
		return Session{}, fmt.Errorf("%w: %s", ErrMFARequired, resp.Meta.Message)
	default:
		return Session{}, fmt.Errorf("%w: login failed with code %d: %s", ErrInvalidAuth, resp.Meta.Code, resp.Meta.Message)
	}

	apiURL := resp.LoginArea.APIDomain
	if apiURL == "" {
		apiURL = c.host
	}

	session := Session{
		SessionID:   resp.LoginSession.SessionID,
		RFSessionID: resp.LoginSession.RFSessionID,
		APIURL:      apiURL,
		Account:     c.email,
		Endpoint:    c.endpoint(),
		Fingerprint: c.fingerprint,
	}
	c.SetSession(session)

	c.logger.Info("Logged in to EZVIZ cloud", zap.String("api_url", apiURL))
	return session, nil
}

// login posts the credentials to a single host
func (c *Client) login(ctx context.Context, host string) (*loginResponse, error) {
	sum := md5.Sum([]byte(c.password))
	form := url.Values{
		"account":     {c.email},
		"password":    {hex.EncodeToString(sum[:])},
		"featureCode": {c.featureCode},
		"msgType":     {"0"},
		"bizType":     {""},
		"cuName":      {"SGFzc2lv"},
		"smsCode":     {""},
	}

	req, err := c.newRequest(ctx, http.MethodPost, host, loginPath, form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading login response: %v", ErrInvalidHost, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: login returned HTTP %d", ErrInvalidHost, resp.StatusCode)
	}

	var result loginResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: parsing login response: %v", ErrInvalidHost, err)
	}

	return &result, nil
}

// ListDevices fetches every page of the device listing and returns the plugs
// keyed by serial
func (c *Client) ListDevices(ctx context.Context) (map[string]DeviceRecord, error) {
	devices := make(map[string]DeviceRecord)

	for page := 0; page < maxPages; page++ {
		query := url.Values{
			"groupId": {"-1"},
			"limit":   {strconv.Itoa(pageLimit)},
			"offset":  {strconv.Itoa(page * pageLimit)},
			"filter":  {pageListFilter},
		}

		body, err := c.doRequest(ctx, http.MethodGet, pageListPath+"?"+query.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("fetching device list: %w", err)
		}

		var result pageListResponse
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("%w: parsing device list: %v", ErrRemoteUnavailable, err)
		}

		if err := metaError(result.Meta); err != nil {
			return nil, fmt.Errorf("fetching device list: %w", err)
		}

		for _, info := range result.DeviceInfos {
			entry, hasPlugSwitch := plugSwitch(result.Switch[info.DeviceSerial])
			if info.DeviceCategory != CategorySocket && !hasPlugSwitch {
				continue
			}

			devices[info.DeviceSerial] = DeviceRecord{
				DeviceSerial: info.DeviceSerial,
				Name:         info.Name,
				DeviceType:   info.DeviceType,
				Category:     info.DeviceCategory,
				Enable:       entry.Enable,
				Status:       info.Status,
			}
		}

		if !result.Page.HasNext {
			c.logger.Debug("Fetched device list", zap.Int("plugs", len(devices)))
			return devices, nil
		}
	}

	// More pages remain; a partial listing is never returned
	return nil, fmt.Errorf("%w: device list exceeds %d pages", ErrRemoteUnavailable, maxPages)
}

// plugSwitch finds the plug relay entry among a device's switches
func plugSwitch(entries []switchEntry) (switchEntry, bool) {
	for _, entry := range entries {
		if entry.Type == int(SwitchTypePlug) {
			return entry, true
		}
	}
	return switchEntry{}, false
}

// SwitchStatus sets a switch of a device. A false result with a nil error
// means the cloud answered but refused the change.
func (c *Client) SwitchStatus(ctx context.Context, serial string, switchType SwitchType, enable int) (bool, error) {
	path := fmt.Sprintf(switchStatusPath, url.PathEscape(serial), int(switchType))
	form := url.Values{"enable": {strconv.Itoa(enable)}}

	body, err := c.doRequest(ctx, http.MethodPut, path, form)
	if err != nil {
		return false, fmt.Errorf("setting switch status: %w", err)
	}

	var result statusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("%w: parsing switch response: %v", ErrRemoteUnavailable, err)
	}

	if result.Meta.Code == codeOK || resultCodeOK(result.ResultCode) {
		return true, nil
	}

	if result.Meta.Code == codeUnauthorized || result.Meta.Code == codeForbidden || result.Meta.Code == codeSessionExpired {
		return false, fmt.Errorf("setting switch status: %w", ErrAuthExpired)
	}

	c.logger.Warn("Switch command rejected by cloud",
		zap.String("serial", serial),
		zap.Int("code", result.Meta.Code),
		zap.String("message", result.Meta.Message))
	return false, nil
}

// resultCodeOK accepts both "0" and 0 as success
func resultCodeOK(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	code := strings.Trim(string(raw), `"`)
	return code == "0"
}

// metaError converts a non-success meta block into an error kind
func metaError(m meta) error {
	switch m.Code {
	case codeOK:
		return nil
	case codeUnauthorized, codeForbidden, codeSessionExpired:
		return fmt.Errorf("%w: %s", ErrAuthExpired, m.Message)
	default:
		return fmt.Errorf("%w: code %d: %s", ErrRemoteUnavailable, m.Code, m.Message)
	}
}

// doRequest sends an authenticated request to the session's API host
func (c *Client) doRequest(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	session := c.Session()
	if !session.Valid() {
		return nil, ErrNotLoggedIn
	}

	req, err := c.newRequest(ctx, method, session.APIURL, path, form)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrRemoteUnavailable, err)
	}
	req.Header.Set("sessionId", session.SessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrRemoteUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuthExpired
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: HTTP %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	return body, nil
}

// newRequest builds a request with the headers the cloud expects
func (c *Client) newRequest(ctx context.Context, method, host, path string, form url.Values) (*http.Request, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.scheme+"://"+host+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("clientType", "3")
	req.Header.Set("customno", "1000001")
	req.Header.Set("clientNo", "web_site")
	req.Header.Set("clientVersion", "v3.0.3")
	req.Header.Set("lang", "en")
	req.Header.Set("featureCode", c.featureCode)
	req.Header.Set("User-Agent", "okhttp/3.12.1")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	return req, nil
}
