package frappe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/frappe-community/AssistantBridge/internal/misc"
)

// FrappeTokenStorage stores OAuth2 token information for a Frappe site
// alongside the client identity it was issued to, so a restarted bridge can
// refresh without re-registering.
type FrappeTokenStorage struct {
	// Site is the base URL of the Frappe deployment the tokens belong to.
	Site string `json:"site"`
	// ClientID is the OAuth client identifier this token pair was issued to.
	ClientID string `json:"client_id"`
	// ClientSecret is present only for confidential clients.
	ClientSecret string `json:"client_secret,omitempty"`
	// AccessToken is the OAuth2 access token used for authenticating RPC requests.
	AccessToken string `json:"access_token"`
	// RefreshToken is used to obtain new access tokens when the current one expires.
	RefreshToken string `json:"refresh_token,omitempty"`
	// Scope lists the scopes granted with this token pair.
	Scope string `json:"scope,omitempty"`
	// LastRefresh is the timestamp of the last token refresh operation.
	LastRefresh string `json:"last_refresh"`
	// Type indicates the authentication provider type, always "frappe" for this storage.
	Type string `json:"type"`
	// Expire is the timestamp when the current access token expires.
	Expire string `json:"expired"`
}

// NewTokenStorage builds a storage record from freshly issued token data.
func NewTokenStorage(site string, registration *ClientRegistration, tokenData *TokenData) *FrappeTokenStorage {
	storage := &FrappeTokenStorage{
		Site:        site,
		LastRefresh: time.Now().Format(time.RFC3339),
		Type:        "frappe",
	}
	if registration != nil {
		storage.ClientID = registration.ClientID
		storage.ClientSecret = registration.ClientSecret
	}
	storage.ApplyTokenData(tokenData)
	return storage
}

// ApplyTokenData updates the stored pair with newly issued token data,
// refreshing the bookkeeping timestamps.
func (ts *FrappeTokenStorage) ApplyTokenData(tokenData *TokenData) {
	if tokenData == nil {
		return
	}
	ts.AccessToken = tokenData.AccessToken
	ts.RefreshToken = tokenData.RefreshToken
	ts.Scope = tokenData.Scope
	ts.Expire = tokenData.Expire
	ts.LastRefresh = time.Now().Format(time.RFC3339)
}

// Registration reconstructs the client identity stored with the tokens.
func (ts *FrappeTokenStorage) Registration() *ClientRegistration {
	return &ClientRegistration{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
	}
}

// ExpiresAt parses the absolute expiry timestamp. A zero time is returned for
// malformed or missing values.
func (ts *FrappeTokenStorage) ExpiresAt() time.Time {
	if ts.Expire == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, ts.Expire)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// SaveTokenToFile serializes the token storage to a JSON file.
// The containing directory is created as needed and the file is written with
// owner-only permissions since it holds bearer credentials.
//
// Parameters:
//   - authFilePath: The full path where the token file should be saved
//
// Returns:
//   - error: An error if the operation fails, nil otherwise
func (ts *FrappeTokenStorage) SaveTokenToFile(authFilePath string) error {
	misc.LogSavingCredentials(authFilePath)
	ts.Type = "frappe"
	if err := os.MkdirAll(filepath.Dir(authFilePath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %v", err)
	}

	f, err := os.OpenFile(authFilePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err = json.NewEncoder(f).Encode(ts); err != nil {
		return fmt.Errorf("failed to write token to file: %w", err)
	}
	return nil
}

// LoadTokenFromFile reads a token storage record from disk.
func LoadTokenFromFile(authFilePath string) (*FrappeTokenStorage, error) {
	data, err := os.ReadFile(authFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var storage FrappeTokenStorage
	if err = json.Unmarshal(data, &storage); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return &storage, nil
}
