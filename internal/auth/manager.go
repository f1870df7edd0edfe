// Package auth owns the per-user Spotify credential lifecycle: the
// access/refresh token pair, expiry decisions and refresh exchanges
// against the Spotify accounts service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/replayfm/replay/internal/db"
)

// expiryMargin is how close to expiry a stored access token is still
// handed out. Tokens inside the margin are refreshed first so callers
// never hold one that lapses mid-request.
const expiryMargin = 60 * time.Second

// Sentinel errors.
var (
	// ErrNotConnected is returned when no credential exists for the user.
	// The user must connect their Spotify account.
	ErrNotConnected = errors.New("spotify not connected")

	// ErrReauthRequired is returned when the refresh token was revoked or
	// expired upstream. The user must redo the OAuth flow; retrying is
	// pointless.
	ErrReauthRequired = errors.New("spotify reauthorization required")
)

// CredentialStore is the persistence surface the manager needs.
// *db.CredentialRepository satisfies it.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (*db.Credential, error)
	Upsert(ctx context.Context, cred *db.Credential) error
	UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string, expiresAt time.Time) error
	Delete(ctx context.Context, userID string) error
}

// Config builds the oauth2 configuration for the Spotify accounts
// service from app credentials.
func Config(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  spotifyauth.AuthURL,
			TokenURL: spotifyauth.TokenURL,
			// Client credentials go in a Basic auth header.
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: []string{
			spotifyauth.ScopeUserReadPrivate,
			spotifyauth.ScopeUserReadEmail,
			spotifyauth.ScopeUserReadRecentlyPlayed,
			spotifyauth.ScopeUserTopRead,
			spotifyauth.ScopeUserReadCurrentlyPlaying,
			spotifyauth.ScopeUserModifyPlaybackState,
		},
	}
}

// Manager decides credential validity and performs refresh exchanges.
// Refreshes are serialized per user: Spotify may rotate the refresh
// token on use, so two concurrent exchanges with the same one can
// invalidate it.
type Manager struct {
	store CredentialStore
	oauth *oauth2.Config
	group singleflight.Group
	log   *logrus.Entry
}

// NewManager creates a credential manager.
func NewManager(store CredentialStore, oauth *oauth2.Config) *Manager {
	return &Manager{
		store: store,
		oauth: oauth,
		log:   logrus.WithField("component", "auth"),
	}
}

// AuthURL returns the Spotify authorization page URL for the given
// CSRF state nonce.
func (m *Manager) AuthURL(state string) string {
	return m.oauth.AuthCodeURL(state)
}

// Token returns a non-expired access token for the user, refreshing
// first when the stored one is expired or inside the safety margin.
func (m *Manager) Token(ctx context.Context, userID string) (string, error) {
	cred, err := m.store.Get(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrNotConnected
	}
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}

	if time.Until(cred.ExpiresAt) > expiryMargin {
		return cred.AccessToken, nil
	}

	return m.refresh(ctx, userID, false)
}

// ForceRefresh performs a refresh exchange regardless of the stored
// expiry. Used when the upstream rejected a token that looked valid on
// paper.
func (m *Manager) ForceRefresh(ctx context.Context, userID string) (string, error) {
	return m.refresh(ctx, userID, true)
}

// refresh exchanges the stored refresh token for a new access token and
// persists the result. Concurrent callers for the same user collapse
// into a single upstream exchange and all receive its token.
func (m *Manager) refresh(ctx context.Context, userID string, force bool) (string, error) {
	token, err, _ := m.group.Do(userID, func() (any, error) {
		cred, err := m.store.Get(ctx, userID)
		if errors.Is(err, db.ErrNotFound) {
			return "", ErrNotConnected
		}
		if err != nil {
			return "", fmt.Errorf("loading credential: %w", err)
		}

		// A caller that lost the singleflight race re-enters here after
		// the winner already persisted a fresh token.
		if !force && time.Until(cred.ExpiresAt) > expiryMargin {
			return cred.AccessToken, nil
		}

		m.log.WithField("userID", userID).Info("refreshing spotify token")

		expired := &oauth2.Token{
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
			Expiry:       time.Now().Add(-time.Minute),
		}
		fresh, err := m.oauth.TokenSource(ctx, expired).Token()
		if err != nil {
			return "", classifyRefreshError(err)
		}

		// Spotify rotates the refresh token only occasionally; keep the
		// stored one when the response omits it.
		refreshToken := fresh.RefreshToken
		if refreshToken == "" {
			refreshToken = cred.RefreshToken
		}

		if err := m.store.UpdateTokens(ctx, userID, fresh.AccessToken, refreshToken, fresh.Expiry); err != nil {
			return "", fmt.Errorf("persisting refreshed token: %w", err)
		}

		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// Exchange trades an authorization code for a token pair.
func (m *Manager) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return token, nil
}

// StoreCredential persists a token pair from an authorization-code
// exchange, overwriting any prior credential for the user.
func (m *Manager) StoreCredential(ctx context.Context, userID string, token *oauth2.Token) error {
	cred := &db.Credential{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if err := m.store.Upsert(ctx, cred); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Connect performs the authorization-code exchange for a known user and
// stores the resulting credential.
func (m *Manager) Connect(ctx context.Context, userID, code string) error {
	token, err := m.Exchange(ctx, code)
	if err != nil {
		return err
	}
	return m.StoreCredential(ctx, userID, token)
}

// Disconnect removes the user's credential.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	if err := m.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("removing credential: %w", err)
	}
	return nil
}

// classifyRefreshError maps a failed refresh exchange to the error
// taxonomy. A 400/401 from the token endpoint means the refresh token
// itself was rejected; anything else is transient.
func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		switch retrieveErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrReauthRequired, retrieveErr.ErrorCode)
		}
	}
	return fmt.Errorf("refreshing token: %w", err)
}
