// Package bridge implements the authenticated RPC surface of an
// already-logged-in Frappe site: on-demand access token refresh, the JSON-RPC
// client for the assistant endpoint, and a cached document adapter on top.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	sdkauth "github.com/frappe-community/AssistantBridge/sdk/auth"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// refreshSafetyMargin is subtracted from the stored expiry so a token that is
// about to lapse mid-request is treated as already expired.
const refreshSafetyMargin = 30 * time.Second

// TokenManager hands out a valid access token for one site, refreshing it on
// demand. Concurrent callers that all observe an expired token are coalesced
// into a single refresh; they either all receive the refreshed token or all
// receive the same error.
type TokenManager struct {
	site      string
	store     sdkauth.Store
	discovery *frappe.DiscoveryClient
	authSvc   *frappe.FrappeAuth
	group     singleflight.Group
	now       func() time.Time

	mu      sync.Mutex
	storage *frappe.FrappeTokenStorage
}

// NewTokenManager builds a token manager for the given site. The storage is
// loaded lazily from the store on first use; SetStorage can seed it directly.
func NewTokenManager(site string, store sdkauth.Store, httpClient *http.Client) *TokenManager {
	return &TokenManager{
		site:      site,
		store:     store,
		discovery: frappe.NewDiscoveryClient(httpClient),
		authSvc:   frappe.NewFrappeAuth(httpClient),
		now:       time.Now,
	}
}

// SetStorage replaces the in-memory token storage. The auth directory watcher
// calls this when the token file changes on disk.
func (m *TokenManager) SetStorage(storage *frappe.FrappeTokenStorage) {
	m.mu.Lock()
	m.storage = storage
	m.mu.Unlock()
}

// Site returns the base URL this manager serves.
func (m *TokenManager) Site() string {
	return m.site
}

// Token returns a valid access token, refreshing it first when the stored one
// is expired or within the safety margin of expiring.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	storage, err := m.currentStorage(ctx)
	if err != nil {
		return "", err
	}

	if token := m.validAccessToken(storage); token != "" {
		return token, nil
	}
	return m.refresh(ctx)
}

// Invalidate discards the current access token so the next Token call
// refreshes. Used when the RPC endpoint rejects a token the expiry said was
// still good.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	if m.storage != nil {
		m.storage.AccessToken = ""
	}
	m.mu.Unlock()
}

// ForceRefresh refreshes the token pair regardless of the stored expiry.
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	if _, err := m.currentStorage(ctx); err != nil {
		return "", err
	}
	return m.refresh(ctx)
}

// refresh redeems the refresh token through singleflight so concurrent
// expired callers trigger exactly one token endpoint request.
func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	token, err, _ := m.group.Do("refresh", func() (any, error) {
		// A caller that queued behind a completed refresh sees the fresh
		// token here and skips the second round trip.
		m.mu.Lock()
		storage := m.storage
		m.mu.Unlock()
		if token := m.validAccessToken(storage); token != "" {
			return token, nil
		}
		return m.doRefresh(ctx, storage)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (m *TokenManager) doRefresh(ctx context.Context, storage *frappe.FrappeTokenStorage) (string, error) {
	if storage == nil {
		return "", frappe.NewAuthenticationError(frappe.ErrReauthorizationRequired, fmt.Errorf("no stored tokens for %s", m.site))
	}

	m.mu.Lock()
	refreshToken := storage.RefreshToken
	registration := storage.Registration()
	m.mu.Unlock()

	metadata, err := m.discovery.Discover(ctx, m.site)
	if err != nil {
		return "", err
	}

	tokenData, err := m.authSvc.RefreshTokens(ctx, metadata, registration, refreshToken)
	if err != nil {
		// A rejected refresh token is spent; drop the pair so subsequent
		// calls fail fast instead of replaying a dead grant.
		if errors.Is(err, frappe.ErrReauthorizationRequired) {
			m.clearTokenPair(storage)
		}
		return "", err
	}

	m.mu.Lock()
	storage.ApplyTokenData(tokenData)
	m.mu.Unlock()

	m.persist(ctx, storage)
	log.Debug("access token refreshed")
	return tokenData.AccessToken, nil
}

func (m *TokenManager) clearTokenPair(storage *frappe.FrappeTokenStorage) {
	m.mu.Lock()
	storage.AccessToken = ""
	storage.RefreshToken = ""
	m.mu.Unlock()
	m.persist(context.Background(), storage)
}

// persist writes the storage back through the store. It encodes from a
// snapshot taken under the lock so a concurrent Invalidate cannot race the
// store's JSON marshalling. Persistence failures are logged, not returned:
// the refreshed token is still valid for this process.
func (m *TokenManager) persist(ctx context.Context, storage *frappe.FrappeTokenStorage) {
	if m.store == nil || storage == nil {
		return
	}
	m.mu.Lock()
	snapshot := *storage
	m.mu.Unlock()
	record := &sdkauth.Record{
		Provider: "frappe",
		Site:     m.site,
		Storage:  &snapshot,
	}
	if _, err := m.store.Save(ctx, record); err != nil {
		log.Warnf("failed to persist refreshed tokens: %v", err)
	}
}

func (m *TokenManager) currentStorage(ctx context.Context) (*frappe.FrappeTokenStorage, error) {
	m.mu.Lock()
	storage := m.storage
	m.mu.Unlock()
	if storage != nil {
		return storage, nil
	}
	if m.store == nil {
		return nil, frappe.NewAuthenticationError(frappe.ErrReauthorizationRequired, fmt.Errorf("no token storage configured for %s", m.site))
	}
	loaded, err := m.store.Load(ctx, m.site)
	if err != nil {
		return nil, frappe.NewAuthenticationError(frappe.ErrReauthorizationRequired, err)
	}
	m.mu.Lock()
	if m.storage == nil {
		m.storage = loaded
	}
	storage = m.storage
	m.mu.Unlock()
	return storage, nil
}

func (m *TokenManager) validAccessToken(storage *frappe.FrappeTokenStorage) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if storage == nil || storage.AccessToken == "" {
		return ""
	}
	expiresAt := storage.ExpiresAt()
	if expiresAt.IsZero() || !expiresAt.After(m.now().Add(refreshSafetyMargin)) {
		return ""
	}
	return storage.AccessToken
}

// TokenSource adapts the manager to the oauth2.TokenSource interface so the
// managed credentials plug into clients built on golang.org/x/oauth2.
func (m *TokenManager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, manager: m}
}

type managerTokenSource struct {
	ctx     context.Context
	manager *TokenManager
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	accessToken, err := s.manager.Token(s.ctx)
	if err != nil {
		return nil, err
	}
	s.manager.mu.Lock()
	storage := s.manager.storage
	var expiry time.Time
	if storage != nil {
		expiry = storage.ExpiresAt()
	}
	s.manager.mu.Unlock()
	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}
