package frappe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// ClientRegistration is the client identity obtained from dynamic client
// registration (RFC 7591) or supplied out-of-band through configuration.
type ClientRegistration struct {
	// ClientID identifies this client instance to the authorization server.
	ClientID string `json:"client_id"`
	// ClientSecret is present only for confidential clients.
	ClientSecret string `json:"client_secret,omitempty"`
	// RedirectURIs are the callback URLs registered for this client.
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	// ClientName is the display name shown on the consent screen.
	ClientName string `json:"client_name,omitempty"`
	// TokenEndpointAuthMethod records how the client authenticates to the
	// token endpoint ("none" for public clients).
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`
	// Scope lists the scopes granted at registration time.
	Scope string `json:"scope,omitempty"`
}

// registrationRequest is the RFC 7591 request body.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// Registrar performs dynamic client registration against a discovered
// registration endpoint.
type Registrar struct {
	httpClient *http.Client
}

// NewRegistrar creates a registrar that posts through the provided HTTP client.
func NewRegistrar(httpClient *http.Client) *Registrar {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Registrar{httpClient: httpClient}
}

// Register posts an RFC 7591 registration request and returns the issued
// client identity. Servers without a registration endpoint, and servers that
// reject the request, surface ErrRegistrationUnsupported so callers can fall
// back to a pre-provisioned client id from configuration.
//
// Each successful call creates a new OAuth client on the server; idempotency
// is the caller's responsibility through persisting the returned client_id.
func (r *Registrar) Register(ctx context.Context, metadata *ServerMetadata, clientName string, redirectURIs []string) (*ClientRegistration, error) {
	if metadata == nil || !metadata.SupportsDynamicRegistration() {
		return nil, NewAuthenticationError(ErrRegistrationUnsupported, fmt.Errorf("no registration_endpoint in discovery document"))
	}
	if len(redirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect URI is required for registration")
	}

	reqBody := registrationRequest{
		ClientName:              clientName,
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.RegistrationEndpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
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
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read registration response: %w", err)
	}

	// RFC 7591 uses 201 for success; some providers answer 200.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		log.Debugf("registration rejected with status %d: %s", resp.StatusCode, truncateBody(body))
		return nil, NewAuthenticationError(ErrRegistrationUnsupported,
			fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, truncateBody(body)))
	}

	var registration ClientRegistration
	if err = json.Unmarshal(body, &registration); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if registration.ClientID == "" {
		return nil, NewAuthenticationError(ErrRegistrationUnsupported,
			fmt.Errorf("registration response missing client_id"))
	}

	log.Debugf("registered OAuth client %s", registration.ClientID)
	return &registration, nil
}
