// Package remote is the HTTP client for the sync service.
//
// It covers two surfaces of the same backend: the identity endpoints
// (device-flow issuance, token exchange, refresh, revocation) and the
// data endpoints (idempotent session insert keyed by clientId).
//
// The client never parses or verifies tokens locally; it trusts the
// expiry timestamps the service embeds in its responses. Signature
// verification is the service's responsibility.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Error codes the client gives special treatment.
const (
	// CodeAuthorizationPending means the user has not yet approved the
	// device code; polling should continue.
	CodeAuthorizationPending = "authorization_pending"

	// CodeSlowDown means the service wants a longer polling interval.
	CodeSlowDown = "slow_down"

	// CodeReauthRequired means the identity token itself is no longer
	// valid and a fresh device flow is needed.
	CodeReauthRequired = "reauthentication_required"
)

const requestTimeout = 15 * time.Second

// DeviceAuth is the service's response to a device-flow initiation.
type DeviceAuth struct {
	DeviceCode      string `json:"deviceCode"`
	UserCode        string `json:"userCode"`
	VerificationURI string `json:"verificationUri"`
	IntervalSeconds int    `json:"intervalSeconds"`
}

// IdentityUser describes the third-party account behind an identity token.
type IdentityUser struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatarUrl"`
}

// Identity is a successful device-flow result: the opaque identity
// token plus the user it belongs to.
type Identity struct {
	Token string       `json:"identityToken"`
	User  IdentityUser `json:"user"`
}

// TokenGrant is the response shape shared by token exchange and refresh.
type TokenGrant struct {
	SessionToken      string          `json:"sessionToken"`
	ExpiresAtEpochSec int64           `json:"expiresAtEpochSec"`
	User              json.RawMessage `json:"user"`
}

// SessionUpload is one finalized session bound to its repository,
// keyed by ClientID for deduplication on the service side.
type SessionUpload struct {
	ClientID   string  `json:"clientId"`
	StartMs    int64   `json:"startMs"`
	EndMs      int64   `json:"endMs"`
	DurationMs int64   `json:"durationMs"`
	TaskName   *string `json:"taskName"`
	RepoOwner  string  `json:"repoOwner"`
	RepoName   string  `json:"repoName"`
}

// Client talks to the sync service over HTTPS.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

// New creates a Client for the given base URL.
//
// If logger is nil, a default logger writing to stderr is used.
func New(baseURL string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// StartDeviceFlow requests a device code, user code, verification URL
// and polling interval from the identity service.
func (c *Client) StartDeviceFlow(ctx context.Context) (*DeviceAuth, error) {
	var out DeviceAuth
	if err := c.post(ctx, "/auth/device", "", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to start device flow: %w", err)
	}
	if out.DeviceCode == "" || out.UserCode == "" {
		return nil, fmt.Errorf("device flow response missing codes")
	}
	return &out, nil
}

// PollDeviceToken asks whether the device code has been approved.
// While the user has not acted, the service answers with an APIError
// carrying CodeAuthorizationPending or CodeSlowDown; the caller owns
// the polling loop.
func (c *Client) PollDeviceToken(ctx context.Context, deviceCode string) (*Identity, error) {
	body := map[string]string{"deviceCode": deviceCode}
	var out Identity
	if err := c.post(ctx, "/auth/device/token", "", body, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("device token response missing identity token")
	}
	return &out, nil
}

// ExchangeToken validates an identity token and mints a short-lived
// session token bound to a stable user id.
func (c *Client) ExchangeToken(ctx context.Context, identityToken string) (*TokenGrant, error) {
	body := map[string]string{"identityToken": identityToken}
	var out TokenGrant
	if err := c.post(ctx, "/auth/token", "", body, &out); err != nil {
		return nil, fmt.Errorf("failed to exchange identity token: %w", err)
	}
	return &out, nil
}

// RefreshToken re-validates the identity token and mints a fresh
// session token. A CodeReauthRequired answer surfaces as an error for
// which IsAuthInvalid reports true.
func (c *Client) RefreshToken(ctx context.Context, identityToken string) (*TokenGrant, error) {
	body := map[string]string{"identityToken": identityToken}
	var out TokenGrant
	if err := c.post(ctx, "/auth/refresh", "", body, &out); err != nil {
		return nil, fmt.Errorf("failed to refresh session token: %w", err)
	}
	return &out, nil
}

// RevokeToken posts the session token to the revocation endpoint so it
// is rejected even before natural expiry. Used best-effort at logout.
func (c *Client) RevokeToken(ctx context.Context, sessionToken string) error {
	body := map[string]string{"sessionToken": sessionToken}
	if err := c.post(ctx, "/auth/revoke", sessionToken, body, nil); err != nil {
		return fmt.Errorf("failed to revoke session token: %w", err)
	}
	return nil
}

// sessionLookup is the shape of GET /sessions responses.
type sessionLookup struct {
	Sessions []struct {
		ClientID string `json:"clientId"`
	} `json:"sessions"`
}

// SessionExists reports whether the service already holds a session
// record with the given clientId. This is the first half of idempotent
// delivery: a match is treated as success without re-inserting.
func (c *Client) SessionExists(ctx context.Context, sessionToken, clientID string) (bool, error) {
	path := "/sessions?client_id=" + url.QueryEscape(clientID)
	var out sessionLookup
	if err := c.get(ctx, path, sessionToken, &out); err != nil {
		return false, fmt.Errorf("failed to look up session %s: %w", clientID, err)
	}
	for _, s := range out.Sessions {
		if s.ClientID == clientID {
			return true, nil
		}
	}
	return false, nil
}

// InsertSession uploads one finalized session.
func (c *Client) InsertSession(ctx context.Context, sessionToken string, upload SessionUpload) error {
	if err := c.post(ctx, "/sessions", sessionToken, upload, nil); err != nil {
		return fmt.Errorf("failed to insert session %s: %w", upload.ClientID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, path, token, reader, out)
}

func (c *Client) get(ctx context.Context, path, token string, out any) error {
	return c.do(ctx, http.MethodGet, path, token, nil, out)
}

func (c *Client) do(ctx context.Context, method, path, token string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// errorBody matches both {"code","message"} and {"error":{...}} shapes.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}

	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != nil {
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
		} else {
			apiErr.Code = body.Code
			apiErr.Message = body.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
