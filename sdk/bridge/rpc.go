package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// jsonRPCVersion is the protocol version stamped on every envelope.
const jsonRPCVersion = "2.0"

// rpcRequest is the JSON-RPC 2.0 request envelope sent to the assistant
// endpoint. Notifications omit ID.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is an application-level JSON-RPC error returned by the assistant
// endpoint. It is distinct from the authentication errors: the transport and
// token were fine, the method itself failed.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is an authenticated JSON-RPC client for a Frappe assistant endpoint.
// Every call carries a Bearer token from the token manager; a 401 response
// invalidates the token and retries once with a refreshed one.
type Client struct {
	httpClient *http.Client
	tokens     *TokenManager
	discovery  *frappe.DiscoveryClient

	mu       sync.Mutex
	endpoint string
}

// NewClient builds an RPC client over the given token manager. The endpoint
// is resolved from the site's discovery document on first use.
func NewClient(tokens *TokenManager, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		discovery:  frappe.NewDiscoveryClient(httpClient),
	}
}

// SetEndpoint pins the RPC endpoint, bypassing discovery.
func (c *Client) SetEndpoint(endpoint string) {
	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
}

// Endpoint returns the resolved RPC endpoint, discovering it if needed.
func (c *Client) Endpoint(ctx context.Context) (string, error) {
	c.mu.Lock()
	endpoint := c.endpoint
	c.mu.Unlock()
	if endpoint != "" {
		return endpoint, nil
	}

	metadata, err := c.discovery.Discover(ctx, c.tokens.Site())
	if err != nil {
		return "", err
	}
	endpoint = metadata.ResolveMCPEndpoint(c.tokens.Site())

	c.mu.Lock()
	if c.endpoint == "" {
		c.endpoint = endpoint
	}
	endpoint = c.endpoint
	c.mu.Unlock()
	return endpoint, nil
}

// Call performs a JSON-RPC request and returns the raw result payload.
// Application-level failures come back as *RPCError; authentication and
// transport failures as the typed errors of the auth package.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(&rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rpc request: %w", err)
	}

	body, err := c.post(ctx, payload, method)
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err = json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse rpc response: %w", err)
	}
	if resp.ID != "" && resp.ID != id {
		return nil, fmt.Errorf("rpc response id %q does not match request id %q", resp.ID, id)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Forward posts a caller-built JSON-RPC envelope verbatim, preserving its id.
// The serve mode uses this to proxy downstream requests without re-wrapping
// them. The same 401-refresh-retry behavior applies.
func (c *Client) Forward(ctx context.Context, payload []byte) (json.RawMessage, error) {
	method := gjsonMethod(payload)
	return c.post(ctx, payload, method)
}

// Notify sends a JSON-RPC notification. No response payload is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	payload, err := json.Marshal(&rpcRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode rpc notification: %w", err)
	}
	_, err = c.post(ctx, payload, method)
	return err
}

// post sends the envelope with a Bearer token, refreshing and retrying once
// when the endpoint answers 401. A second 401 after a fresh token means the
// credentials themselves are bad, not merely stale.
func (c *Client) post(ctx context.Context, payload []byte, method string) ([]byte, error) {
	endpoint, err := c.Endpoint(ctx)
	if err != nil {
		return nil, err
	}

	accessToken, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, status, err := c.doPost(ctx, endpoint, payload, accessToken)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		log.Debugf("rpc %s rejected with 401; refreshing token and retrying", method)
		c.tokens.Invalidate()
		accessToken, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		body, status, err = c.doPost(ctx, endpoint, payload, accessToken)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, frappe.NewAuthenticationError(frappe.ErrAuthenticationFailed,
				fmt.Errorf("endpoint rejected a freshly refreshed token: %s", wwwAuthenticateHint(body)))
		}
	}

	if status < 200 || status >= 300 {
		return nil, frappe.NewAuthenticationError(frappe.ErrTransportError,
			fmt.Errorf("rpc endpoint returned status %d", status))
	}
	return body, nil
}

func (c *Client) doPost(ctx context.Context, endpoint string, payload []byte, accessToken string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, frappe.NewAuthenticationError(frappe.ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, 0, frappe.NewAuthenticationError(frappe.ErrCancelled, err)
		}
		return nil, 0, frappe.NewAuthenticationError(frappe.ErrTransportError, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read rpc response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return []byte(resp.Header.Get("WWW-Authenticate")), resp.StatusCode, nil
	}
	return body, resp.StatusCode, nil
}

// gjsonMethod pulls the method name out of a raw envelope for log labels.
func gjsonMethod(payload []byte) string {
	if method := gjson.GetBytes(payload, "method").String(); method != "" {
		return method
	}
	return "unknown"
}

// wwwAuthenticateHint extracts a short reason from a WWW-Authenticate echo,
// keeping diagnostics useful without dumping headers wholesale.
func wwwAuthenticateHint(raw []byte) string {
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return "no challenge provided"
	}
	if len(value) > 200 {
		value = value[:200]
	}
	return value
}
