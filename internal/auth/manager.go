// Package auth manages the credential lifecycle.
//
// The credential moves through Absent -> Pending(device flow) -> Valid
// -> Expiring(<24h remaining) -> Valid | ExpiredNeedsReauth. The record
// on disk is owned exclusively by this package, written atomically
// through the secure store, and deleted only on explicit logout.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ChemicalGhost/dev-timr/internal/remote"
	"github.com/ChemicalGhost/dev-timr/internal/securestore"
)

// ErrReauthRequired means the identity token itself is no longer valid
// and the user must run a fresh device flow. Callers use this to prompt
// for login instead of retrying.
var ErrReauthRequired = errors.New("reauthentication required")

// ErrNotLoggedIn means no credential record exists on disk.
var ErrNotLoggedIn = errors.New("not logged in")

const (
	// refreshWindow is how close to expiry a session token must be
	// before a background refresh is attempted.
	refreshWindow = 24 * time.Hour

	// maxPollAttempts bounds device-flow polling: roughly five minutes
	// at the default five-second interval.
	maxPollAttempts = 60
)

// Validity summarizes a credential's current standing.
type Validity string

const (
	// ValidityAbsent means no credential record exists.
	ValidityAbsent Validity = "absent"

	// ValidityValid means the session token expires more than 24h out.
	ValidityValid Validity = "valid"

	// ValidityExpiring means the session token is still usable but
	// inside the refresh window.
	ValidityExpiring Validity = "expiring"

	// ValidityExpired means the session token has lapsed; the record is
	// kept so a synchronous refresh can be attempted.
	ValidityExpired Validity = "expired"
)

// User is the identity-provider account a credential belongs to.
type User struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatarUrl"`
}

// CredentialRecord is the single on-disk credential document. It is
// never partially written; every update is an atomic replace.
type CredentialRecord struct {
	IdentityToken            string          `json:"identityToken"`
	IdentityUser             User            `json:"identityUser"`
	SessionToken             string          `json:"sessionToken"`
	SessionExpiresAtEpochSec int64           `json:"sessionExpiresAtEpochSec"`
	SessionUser              json.RawMessage `json:"sessionUser,omitempty"`
	CreatedAtMs              int64           `json:"createdAtMs"`
	LastRefreshMs            *int64          `json:"lastRefreshMs"`
}

// Manager owns the credential file and all transitions on it.
type Manager struct {
	path   string
	store  *securestore.Store
	client *remote.Client
	logger *log.Logger

	// mu serializes refresh and persist so a background refresh never
	// interleaves its read-modify-write with a synchronous one.
	mu sync.Mutex

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewManager creates a Manager for the credential file at path.
//
// If logger is nil, a default logger writing to stderr is used.
func NewManager(path string, store *securestore.Store, client *remote.Client, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &Manager{
		path:   path,
		store:  store,
		client: client,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Current loads the credential record, migrating a legacy plaintext
// file if one is found. Returns false when absent or unreadable.
func (m *Manager) Current() (*CredentialRecord, bool) {
	var rec CredentialRecord
	found, err := m.store.ReadOrMigrate(m.path, &rec)
	if err != nil {
		m.logger.Printf("failed to read credential file: %v", err)
		return nil, false
	}
	if !found || rec.SessionToken == "" {
		return nil, false
	}
	return &rec, true
}

// IsValid reports whether a credential exists and its session token
// expires in the future. An expired record is reported invalid but is
// not deleted; deletion only happens on explicit logout.
func (m *Manager) IsValid() bool {
	v := m.Validity()
	return v == ValidityValid || v == ValidityExpiring
}

// Validity classifies the credential's standing.
func (m *Manager) Validity() Validity {
	rec, ok := m.Current()
	if !ok {
		return ValidityAbsent
	}
	remaining := time.Unix(rec.SessionExpiresAtEpochSec, 0).Sub(m.now())
	switch {
	case remaining <= 0:
		return ValidityExpired
	case remaining < refreshWindow:
		return ValidityExpiring
	default:
		return ValidityValid
	}
}

// BeginDeviceFlow asks the identity service for a device code. The
// caller shows the user code and verification URL to the user, then
// calls CompleteDeviceFlow.
func (m *Manager) BeginDeviceFlow(ctx context.Context) (*remote.DeviceAuth, error) {
	return m.client.StartDeviceFlow(ctx)
}

// CompleteDeviceFlow polls until the user approves the device code,
// exchanges the identity token for a session token, and persists the
// resulting credential record.
func (m *Manager) CompleteDeviceFlow(ctx context.Context, da *remote.DeviceAuth) (*CredentialRecord, error) {
	identity, err := m.PollForIdentityToken(ctx, da.DeviceCode, da.IntervalSeconds)
	if err != nil {
		return nil, err
	}

	grant, err := m.client.ExchangeToken(ctx, identity.Token)
	if err != nil {
		return nil, err
	}

	rec := &CredentialRecord{
		IdentityToken:            identity.Token,
		IdentityUser:             User(identity.User),
		SessionToken:             grant.SessionToken,
		SessionExpiresAtEpochSec: grant.ExpiresAtEpochSec,
		SessionUser:              grant.User,
		CreatedAtMs:              m.now().UnixMilli(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Write(m.path, rec); err != nil {
		return nil, fmt.Errorf("failed to persist credential: %w", err)
	}
	return rec, nil
}

// PollForIdentityToken polls the device-token endpoint until the user
// approves, the attempt budget runs out, or the service reports a
// terminal error.
//
// authorization_pending continues at the current interval; slow_down
// adds five seconds to it. Any other error fails immediately.
func (m *Manager) PollForIdentityToken(ctx context.Context, deviceCode string, intervalSec int) (*remote.Identity, error) {
	if intervalSec < 1 {
		intervalSec = 5
	}
	interval := time.Duration(intervalSec) * time.Second

	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		if err := m.sleep(ctx, interval); err != nil {
			return nil, err
		}

		identity, err := m.client.PollDeviceToken(ctx, deviceCode)
		if err == nil {
			return identity, nil
		}

		var api *remote.APIError
		if errors.As(err, &api) {
			switch api.Code {
			case remote.CodeAuthorizationPending:
				continue
			case remote.CodeSlowDown:
				interval += 5 * time.Second
				continue
			}
		}
		return nil, err
	}

	return nil, fmt.Errorf("device authorization timed out after %d attempts", maxPollAttempts)
}

// NeedsRefresh reports whether a credential exists and its remaining
// validity is inside the refresh window.
func (m *Manager) NeedsRefresh() bool {
	v := m.Validity()
	return v == ValidityExpiring || v == ValidityExpired
}

// RefreshIfNeeded kicks off a background refresh when the session token
// has less than 24 hours remaining. It never blocks the caller and a
// failed refresh is swallowed to the log; the existing token may still
// be good for hours. Returns whether a refresh was scheduled.
func (m *Manager) RefreshIfNeeded(ctx context.Context) bool {
	if m.Validity() != ValidityExpiring {
		return false
	}
	go func() {
		if _, err := m.Refresh(ctx); err != nil {
			m.logger.Printf("background refresh failed (existing token kept): %v", err)
		}
	}()
	return true
}

// Refresh synchronously re-validates the identity token and replaces
// the session token. Returns ErrReauthRequired when the identity token
// itself is no longer accepted.
func (m *Manager) Refresh(ctx context.Context) (*CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.Current()
	if !ok {
		return nil, ErrNotLoggedIn
	}

	grant, err := m.client.RefreshToken(ctx, rec.IdentityToken)
	if err != nil {
		if remote.IsAuthInvalid(err) {
			return nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return nil, err
	}

	nowMs := m.now().UnixMilli()
	rec.SessionToken = grant.SessionToken
	rec.SessionExpiresAtEpochSec = grant.ExpiresAtEpochSec
	rec.SessionUser = grant.User
	rec.LastRefreshMs = &nowMs

	if err := m.store.Write(m.path, rec); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}
	return rec, nil
}

// Logout revokes the session token best-effort, then unconditionally
// deletes the local credential file. Remote failure never blocks local
// deletion; logout succeeds fully offline.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.Current(); ok {
		revokeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := m.client.RevokeToken(revokeCtx, rec.SessionToken); err != nil {
			m.logger.Printf("remote revocation failed, deleting local credential anyway: %v", err)
		}
		cancel()
	}

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

// SessionToken returns the current session token if a usable credential
// exists. Suitable as the token source for queue delivery.
func (m *Manager) SessionToken() (string, bool) {
	if !m.IsValid() {
		return "", false
	}
	rec, ok := m.Current()
	if !ok {
		return "", false
	}
	return rec.SessionToken, true
}
