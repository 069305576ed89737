// Package matrix talks to a Matrix homeserver: capability discovery,
// password login and the simplified sliding sync long-poll.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	syncerrors "github.com/alexjbarnes/room-sync/internal/errors"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx homeserver response.
type APIError struct {
	Endpoint string
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API %s (%d): %s: %s", e.Endpoint, e.Status, e.Code, e.Message)
	}

	return fmt.Sprintf("API %s returned status %d: %s", e.Endpoint, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return syncerrors.ErrAPIResponse }

// HasCode reports whether err is an APIError with the given errcode.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

const (
	// requestTimeout bounds every call except the sync long-poll, which
	// computes its own deadline from the poll timeout.
	requestTimeout = 30 * time.Second

	// syncTimeoutSlack is added to the server-side poll timeout to form
	// the client-side deadline of a sync request.
	syncTimeoutSlack = 30 * time.Second

	// maxErrorBodyBytes caps how much of an unparseable error body ends
	// up in error messages.
	maxErrorBodyBytes = 256

	// SlidingSyncFeature is the unstable feature flag advertised by
	// homeservers with native simplified sliding sync.
	SlidingSyncFeature = "org.matrix.simplified_msc3575"

	versionsPath = "/_matrix/client/versions"
	loginPath    = "/_matrix/client/v3/login"
	whoamiPath   = "/_matrix/client/v3/account/whoami"
	syncPath     = "/_matrix/client/unstable/org.matrix.simplified_msc3575/sync"

	deviceDisplayName = "room-sync"
)

// Client is a homeserver API client.
type Client struct {
	rest   *resty.Client
	logger *slog.Logger

	mu       sync.RWMutex
	token    string
	userID   string
	deviceID string
}

// NewClient creates a client for homeserverURL. httpClient may be nil.
func NewClient(homeserverURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	var rc *resty.Client
	if httpClient != nil {
		rc = resty.NewWithClient(httpClient)
	} else {
		rc = resty.New()
	}

	rc.SetBaseURL(strings.TrimRight(homeserverURL, "/")).
		SetHeader("Accept", "application/json")

	return &Client{rest: rc, logger: logger}
}

// SetSession installs an access token obtained earlier.
func (c *Client) SetSession(token, userID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = strings.TrimSpace(token)
	c.userID = userID
	c.deviceID = deviceID
}

// AccessToken returns the current access token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

// UserID returns the user the client is logged in as.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.userID
}

// DeviceID returns the device of the current session.
func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.deviceID
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.rest.R().SetContext(ctx)
	if tok := c.AccessToken(); tok != "" {
		r.SetAuthToken(tok)
	}

	return r
}

// checkResponse turns a resty result into the body or a typed error.
func checkResponse(endpoint string, resp *resty.Response, err error) ([]byte, error) {
	if err != nil {
		wrapped := fmt.Errorf("%w: sending request to %s: %w", syncerrors.ErrAPIRequest, endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: wrapped}
	}

	body := resp.Body()
	status := resp.StatusCode()

	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return body, nil
	}

	apiErr := &APIError{Endpoint: endpoint, Status: status}

	if gjson.ValidBytes(body) {
		apiErr.Code = gjson.GetBytes(body, "errcode").Str
		apiErr.Message = gjson.GetBytes(body, "error").Str
	}

	if apiErr.Code == "" && apiErr.Message == "" {
		apiErr.Message = sanitizeResponseBody(body)
	}

	if status == http.StatusUnauthorized || apiErr.Code == "M_UNKNOWN_TOKEN" {
		return nil, fmt.Errorf("%w: %w", syncerrors.ErrInvalidToken, apiErr)
	}

	if isTransientStatus(status) || apiErr.Code == "M_LIMIT_EXCEEDED" {
		return nil, &TransientError{Err: apiErr}
	}

	return nil, apiErr
}

// SupportsSlidingSync reports whether the homeserver advertises native
// simplified sliding sync.
func (c *Client) SupportsSlidingSync(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.rest.R().SetContext(ctx).Get(versionsPath)

	body, err := checkResponse(versionsPath, resp, err)
	if err != nil {
		return false, fmt.Errorf("fetching versions: %w", err)
	}

	if !gjson.ValidBytes(body) {
		return false, fmt.Errorf("%w: invalid JSON from %s", syncerrors.ErrAPIResponse, versionsPath)
	}

	path := "unstable_features." + strings.ReplaceAll(SlidingSyncFeature, ".", `\.`)

	return gjson.GetBytes(body, path).Bool(), nil
}

type loginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginRequest struct {
	Type                     string          `json:"type"`
	Identifier               loginIdentifier `json:"identifier"`
	Password                 string          `json:"password"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name"`
}

// Login authenticates with a password and installs the new access token.
func (c *Client) Login(ctx context.Context, user, password, deviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req := loginRequest{
		Type:                     "m.login.password",
		Identifier:               loginIdentifier{Type: "m.id.user", User: user},
		Password:                 password,
		DeviceID:                 deviceID,
		InitialDeviceDisplayName: deviceDisplayName,
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(loginPath)

	body, err := checkResponse(loginPath, resp, err)
	if err != nil {
		if IsTransient(err) {
			return fmt.Errorf("logging in: %w", err)
		}

		return fmt.Errorf("%w: %w", syncerrors.ErrLoginFailed, err)
	}

	res := gjson.ParseBytes(body)

	token := res.Get("access_token").Str
	if token == "" {
		return fmt.Errorf("%w: response has no access_token", syncerrors.ErrLoginFailed)
	}

	c.SetSession(token, res.Get("user_id").Str, res.Get("device_id").Str)
	c.logger.Info("logged in",
		slog.String("user_id", res.Get("user_id").Str),
		slog.String("device_id", res.Get("device_id").Str),
	)

	return nil
}

// WhoAmI validates the current token and returns the owning user id.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.request(ctx).Get(whoamiPath)

	body, err := checkResponse(whoamiPath, resp, err)
	if err != nil {
		return "", fmt.Errorf("checking access token: %w", err)
	}

	res := gjson.ParseBytes(body)
	userID := res.Get("user_id").Str

	if userID == "" {
		return "", fmt.Errorf("%w: whoami returned no user_id", syncerrors.ErrAPIResponse)
	}

	c.mu.Lock()
	c.userID = userID
	if d := res.Get("device_id").Str; d != "" {
		c.deviceID = d
	}
	c.mu.Unlock()

	return userID, nil
}

// Sync performs one sliding sync request. pos may be empty for the
// first request of a connection.
func (c *Client) Sync(ctx context.Context, pos string, timeout time.Duration, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+syncTimeoutSlack)
	defer cancel()

	req := c.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetQueryParam("timeout", strconv.FormatInt(timeout.Milliseconds(), 10)).
		SetBody(body)

	if pos != "" {
		req.SetQueryParam("pos", pos)
	}

	resp, err := req.Post(syncPath)

	return checkResponse(syncPath, resp, err)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
