package frappe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// WellKnownPath is the discovery document location under the site base URL.
// Frappe serves its OAuth metadata through the OpenID configuration document.
const WellKnownPath = "/.well-known/openid-configuration"

// defaultMCPPath is where Assistant Core exposes its method-dispatch endpoint
// when the discovery document predates the mcp_endpoint field.
const defaultMCPPath = "/api/method/frappe_assistant_core.api.fac_endpoint.handle_mcp"

// ServerMetadata is the parsed discovery document for a site. Unknown fields
// are ignored; absence of a required field is a discovery error, never a
// partially populated result.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer,omitempty"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	MCPEndpoint                       string   `json:"mcp_endpoint,omitempty"`
	MCPTransport                      string   `json:"mcp_transport,omitempty"`
	MCPProtocolVersion                string   `json:"mcp_protocol_version,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// ResolveMCPEndpoint returns the method-dispatch endpoint for the site,
// falling back to the Assistant Core default path when the document omits it.
func (m *ServerMetadata) ResolveMCPEndpoint(siteBaseURL string) string {
	if m != nil && m.MCPEndpoint != "" {
		return m.MCPEndpoint
	}
	return strings.TrimRight(siteBaseURL, "/") + defaultMCPPath
}

// SupportsDynamicRegistration reports whether the document advertises an
// RFC 7591 registration endpoint.
func (m *ServerMetadata) SupportsDynamicRegistration() bool {
	return m != nil && strings.TrimSpace(m.RegistrationEndpoint) != ""
}

// DiscoveryClient fetches and caches discovery documents, keyed by site base
// URL. The cache lives for the process lifetime; concurrent first-time
// discoveries of the same site coalesce onto one fetch.
type DiscoveryClient struct {
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]*ServerMetadata
	group singleflight.Group
}

// NewDiscoveryClient creates a discovery client that issues requests through
// the provided HTTP client.
func NewDiscoveryClient(httpClient *http.Client) *DiscoveryClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DiscoveryClient{
		httpClient: httpClient,
		cache:      make(map[string]*ServerMetadata),
	}
}

// Discover returns the server metadata for the site, fetching the well-known
// document on first use and serving the cached copy afterwards.
func (d *DiscoveryClient) Discover(ctx context.Context, siteBaseURL string) (*ServerMetadata, error) {
	site := strings.TrimRight(strings.TrimSpace(siteBaseURL), "/")
	if site == "" {
		return nil, NewAuthenticationError(ErrDiscoveryError, fmt.Errorf("site base URL is empty"))
	}

	d.mu.Lock()
	if cached, ok := d.cache[site]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	result, err, _ := d.group.Do(site, func() (interface{}, error) {
		metadata, errFetch := d.fetch(ctx, site)
		if errFetch != nil {
			return nil, errFetch
		}
		d.mu.Lock()
		d.cache[site] = metadata
		d.mu.Unlock()
		return metadata, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ServerMetadata), nil
}

// ForceRediscover drops the cached document for the site and fetches a fresh
// one. Use it when cached endpoints keep failing.
func (d *DiscoveryClient) ForceRediscover(ctx context.Context, siteBaseURL string) (*ServerMetadata, error) {
	site := strings.TrimRight(strings.TrimSpace(siteBaseURL), "/")
	d.mu.Lock()
	delete(d.cache, site)
	d.mu.Unlock()
	d.group.Forget(site)
	return d.Discover(ctx, site)
}

// fetch retrieves and validates the discovery document.
func (d *DiscoveryClient) fetch(ctx context.Context, site string) (*ServerMetadata, error) {
	discoveryURL := site + WellKnownPath
	log.Debugf("fetching discovery document from %s", discoveryURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, NewAuthenticationError(ErrDiscoveryError, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewAuthenticationError(ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, NewAuthenticationError(ErrCancelled, err)
		}
		return nil, NewAuthenticationError(ErrDiscoveryError, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewAuthenticationError(ErrDiscoveryError, fmt.Errorf("failed to read discovery response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, NewAuthenticationError(ErrDiscoveryError,
			fmt.Errorf("discovery request failed with status %d: %s", resp.StatusCode, truncateBody(body)))
	}

	var metadata ServerMetadata
	if err = json.Unmarshal(body, &metadata); err != nil {
		return nil, NewAuthenticationError(ErrDiscoveryError, fmt.Errorf("failed to parse discovery document: %w", err))
	}

	if err = validateMetadata(&metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}

// validateMetadata enforces the required fields and transport constraints.
func validateMetadata(m *ServerMetadata) error {
	if strings.TrimSpace(m.AuthorizationEndpoint) == "" {
		return NewAuthenticationError(ErrDiscoveryError, fmt.Errorf("discovery document missing authorization_endpoint"))
	}
	if strings.TrimSpace(m.TokenEndpoint) == "" {
		return NewAuthenticationError(ErrDiscoveryError, fmt.Errorf("discovery document missing token_endpoint"))
	}

	endpoints := map[string]string{
		"authorization_endpoint": m.AuthorizationEndpoint,
		"token_endpoint":         m.TokenEndpoint,
	}
	if m.RegistrationEndpoint != "" {
		endpoints["registration_endpoint"] = m.RegistrationEndpoint
	}
	if m.MCPEndpoint != "" {
		endpoints["mcp_endpoint"] = m.MCPEndpoint
	}
	for field, endpoint := range endpoints {
		if err := validateEndpointTransport(endpoint); err != nil {
			return NewAuthenticationError(ErrDiscoveryError, fmt.Errorf("%s: %w", field, err))
		}
	}
	return nil
}

// validateEndpointTransport requires HTTPS, permitting plaintext only for
// loopback addresses used during local development.
func validateEndpointTransport(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL %q: %w", endpoint, err)
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("endpoint %q must use HTTPS", endpoint)
	default:
		return fmt.Errorf("endpoint %q has unsupported scheme %q", endpoint, parsed.Scheme)
	}
}

// isLoopbackHost reports whether host resolves textually to a loopback address.
func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// truncateBody keeps error messages readable when servers return HTML pages.
func truncateBody(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
