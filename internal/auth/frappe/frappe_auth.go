package frappe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// tokenResponse represents the response structure from the site's OAuth token
// endpoint for both the authorization_code and refresh_token grants.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
}

// TokenData is a freshly issued access/refresh token pair with its absolute
// expiry. Expire uses RFC3339 so it round-trips through the token file.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	Expire       string
}

// ExpiresAt parses the absolute expiry timestamp. A zero time is returned for
// malformed or missing values, which callers treat as already expired.
func (d *TokenData) ExpiresAt() time.Time {
	if d == nil || d.Expire == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, d.Expire)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// FrappeAuth drives the OAuth2 token operations of a single Frappe site:
// building authorization URLs, exchanging authorization codes, and refreshing
// access tokens. All requests go through the injected HTTP client so proxy
// and timeout settings apply uniformly.
type FrappeAuth struct {
	httpClient *http.Client
}

// NewFrappeAuth creates a new Frappe authentication service.
func NewFrappeAuth(httpClient *http.Client) *FrappeAuth {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &FrappeAuth{httpClient: httpClient}
}

// GenerateAuthURL creates the OAuth authorization URL with PKCE.
//
// Parameters:
//   - metadata: The discovered server metadata naming the authorization endpoint
//   - clientID: The registered (or pre-provisioned) client identifier
//   - redirectURI: The loopback callback URL
//   - scopes: The scopes to request
//   - state: A random state parameter for CSRF protection
//   - pkceCodes: The PKCE codes for secure code exchange
//
// Returns:
//   - string: The complete authorization URL
//   - error: An error if required inputs are missing
func (o *FrappeAuth) GenerateAuthURL(metadata *ServerMetadata, clientID, redirectURI string, scopes []string, state string, pkceCodes *PKCECodes) (string, error) {
	if pkceCodes == nil {
		return "", fmt.Errorf("PKCE codes are required")
	}
	if metadata == nil || metadata.AuthorizationEndpoint == "" {
		return "", fmt.Errorf("server metadata with authorization endpoint is required")
	}
	if clientID == "" {
		return "", fmt.Errorf("client ID is required")
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {strings.Join(scopes, " ")},
		"code_challenge":        {pkceCodes.CodeChallenge},
		"code_challenge_method": {pkceCodes.Method},
		"state":                 {state},
	}

	return fmt.Sprintf("%s?%s", metadata.AuthorizationEndpoint, params.Encode()), nil
}

// ExchangeCodeForTokens exchanges an authorization code for access tokens.
// It posts the code with the PKCE verifier (never the challenge) to the
// token endpoint, form-encoded per RFC 6749.
//
// Parameters:
//   - ctx: The context for the request
//   - metadata: The discovered server metadata naming the token endpoint
//   - registration: The client identity used for the authorization request
//   - redirectURI: The redirect URI sent in the authorization request
//   - code: The authorization code received from the OAuth callback
//   - pkceCodes: The PKCE codes whose verifier proves possession
//
// Returns:
//   - *TokenData: The issued token pair with absolute expiry
//   - error: A typed error if the exchange fails
func (o *FrappeAuth) ExchangeCodeForTokens(ctx context.Context, metadata *ServerMetadata, registration *ClientRegistration, redirectURI, code string, pkceCodes *PKCECodes) (*TokenData, error) {
	if pkceCodes == nil {
		return nil, fmt.Errorf("PKCE codes are required for token exchange")
	}
	if registration == nil || registration.ClientID == "" {
		return nil, fmt.Errorf("client registration is required for token exchange")
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {registration.ClientID},
		"code_verifier": {pkceCodes.CodeVerifier},
	}
	if registration.ClientSecret != "" {
		form.Set("client_secret", registration.ClientSecret)
	}

	tokenResp, err := o.postTokenEndpoint(ctx, metadata.TokenEndpoint, form)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			if oauthErr.Code == "access_denied" {
				return nil, NewAuthenticationError(ErrAuthorizationDenied, oauthErr)
			}
			return nil, NewAuthenticationError(ErrCodeExchangeFailed, oauthErr)
		}
		return nil, err
	}

	return tokenDataFromResponse(tokenResp, ""), nil
}

// RefreshTokens refreshes the access token using the refresh token.
// Protocol-level rejections (revoked or expired refresh tokens) surface as
// ErrReauthorizationRequired; connectivity failures stay transport errors so
// callers can distinguish "server refused" from "server unreachable".
//
// Parameters:
//   - ctx: The context for the request
//   - metadata: The discovered server metadata naming the token endpoint
//   - registration: The client identity the refresh token was issued to
//   - refreshToken: The refresh token to redeem
//
// Returns:
//   - *TokenData: The refreshed token pair
//   - error: A typed error if the refresh fails
func (o *FrappeAuth) RefreshTokens(ctx context.Context, metadata *ServerMetadata, registration *ClientRegistration, refreshToken string) (*TokenData, error) {
	if refreshToken == "" {
		return nil, NewAuthenticationError(ErrReauthorizationRequired, fmt.Errorf("no refresh token available"))
	}
	if registration == nil || registration.ClientID == "" {
		return nil, fmt.Errorf("client registration is required for token refresh")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {registration.ClientID},
	}
	if registration.ClientSecret != "" {
		form.Set("client_secret", registration.ClientSecret)
	}

	tokenResp, err := o.postTokenEndpoint(ctx, metadata.TokenEndpoint, form)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			return nil, NewAuthenticationError(ErrReauthorizationRequired, oauthErr)
		}
		return nil, err
	}

	// Servers may rotate the refresh token or omit it; retain the prior one
	// when the response leaves it out.
	return tokenDataFromResponse(tokenResp, refreshToken), nil
}

// postTokenEndpoint performs a form-encoded POST to the token endpoint.
// Non-2xx responses with an OAuth error payload come back as *OAuthError.
func (o *FrappeAuth) postTokenEndpoint(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewAuthenticationError(ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, NewAuthenticationError(ErrCancelled, err)
		}
		return nil, NewAuthenticationError(ErrTransportError, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr OAuthError
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Code != "" {
			oauthErr.StatusCode = resp.StatusCode
			return nil, &oauthErr
		}
		return nil, &OAuthError{
			Code:        "server_error",
			Description: fmt.Sprintf("token endpoint returned status %d: %s", resp.StatusCode, truncateBody(body)),
			StatusCode:  resp.StatusCode,
		}
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tokenResp, nil
}

// tokenDataFromResponse converts a wire response into TokenData, keeping
// priorRefreshToken when the server does not rotate it.
func tokenDataFromResponse(resp *tokenResponse, priorRefreshToken string) *TokenData {
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = priorRefreshToken
	}
	return &TokenData{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		Scope:        resp.Scope,
		Expire:       time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).Format(time.RFC3339),
	}
}
