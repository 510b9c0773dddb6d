package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// documentCacheTTL bounds how long read results are served from memory.
	documentCacheTTL = 60 * time.Second

	// readMaxTries caps the retry attempts for idempotent reads.
	readMaxTries = 3
)

// toolCallParams is the params payload of a tools/call request.
type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// cacheEntry holds a cached read result with its insertion timestamp.
type cacheEntry struct {
	result    json.RawMessage
	timestamp time.Time
}

// DocumentAdapter is a convenience layer over the RPC client for Frappe
// document operations. Idempotent reads are retried with exponential backoff
// and cached briefly; writes go straight through and invalidate the cache for
// the affected doctype.
type DocumentAdapter struct {
	client *Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewDocumentAdapter wraps an RPC client with retrying, caching document helpers.
func NewDocumentAdapter(client *Client) *DocumentAdapter {
	return &DocumentAdapter{
		client: client,
		cache:  make(map[string]cacheEntry),
	}
}

// ListTools fetches the tool catalog exposed by the assistant endpoint.
func (a *DocumentAdapter) ListTools(ctx context.Context) (json.RawMessage, error) {
	return a.retriedCall(ctx, "tools/list", nil, "tools")
}

// GetDocument reads a single document by doctype and name.
func (a *DocumentAdapter) GetDocument(ctx context.Context, doctype, name string) (json.RawMessage, error) {
	if doctype == "" || name == "" {
		return nil, fmt.Errorf("doctype and name are required")
	}
	return a.callTool(ctx, "get_document", map[string]any{
		"doctype": doctype,
		"name":    name,
	}, doctype)
}

// ListDocuments lists documents of a doctype with optional filters and fields.
func (a *DocumentAdapter) ListDocuments(ctx context.Context, doctype string, filters map[string]any, fields []string, limit int) (json.RawMessage, error) {
	if doctype == "" {
		return nil, fmt.Errorf("doctype is required")
	}
	arguments := map[string]any{"doctype": doctype}
	if len(filters) > 0 {
		arguments["filters"] = filters
	}
	if len(fields) > 0 {
		arguments["fields"] = fields
	}
	if limit > 0 {
		arguments["limit"] = limit
	}
	return a.callTool(ctx, "list_documents", arguments, doctype)
}

// CreateDocument creates a document and invalidates cached reads of its doctype.
func (a *DocumentAdapter) CreateDocument(ctx context.Context, doctype string, values map[string]any) (json.RawMessage, error) {
	if doctype == "" {
		return nil, fmt.Errorf("doctype is required")
	}
	result, err := a.writeTool(ctx, "create_document", map[string]any{
		"doctype": doctype,
		"values":  values,
	})
	if err != nil {
		return nil, err
	}
	a.invalidateDoctype(doctype)
	return result, nil
}

// UpdateDocument updates a document and invalidates cached reads of its doctype.
func (a *DocumentAdapter) UpdateDocument(ctx context.Context, doctype, name string, values map[string]any) (json.RawMessage, error) {
	if doctype == "" || name == "" {
		return nil, fmt.Errorf("doctype and name are required")
	}
	result, err := a.writeTool(ctx, "update_document", map[string]any{
		"doctype": doctype,
		"name":    name,
		"values":  values,
	})
	if err != nil {
		return nil, err
	}
	a.invalidateDoctype(doctype)
	return result, nil
}

// DeleteDocument deletes a document and invalidates cached reads of its doctype.
func (a *DocumentAdapter) DeleteDocument(ctx context.Context, doctype, name string) (json.RawMessage, error) {
	if doctype == "" || name == "" {
		return nil, fmt.Errorf("doctype and name are required")
	}
	result, err := a.writeTool(ctx, "delete_document", map[string]any{
		"doctype": doctype,
		"name":    name,
	})
	if err != nil {
		return nil, err
	}
	a.invalidateDoctype(doctype)
	return result, nil
}

// callTool performs a cached, retried tools/call for an idempotent read.
func (a *DocumentAdapter) callTool(ctx context.Context, tool string, arguments map[string]any, doctype string) (json.RawMessage, error) {
	params := &toolCallParams{Name: tool, Arguments: arguments}
	key := cacheKey(doctype, tool, arguments)

	if cached, ok := a.cachedResult(key); ok {
		log.Debugf("document cache hit for %s", tool)
		return cached, nil
	}

	result, err := a.retriedCall(ctx, "tools/call", params, key)
	if err != nil {
		return nil, err
	}
	if err = toolResultError(result); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache[key] = cacheEntry{result: result, timestamp: time.Now()}
	a.mu.Unlock()
	return result, nil
}

// writeTool performs a single-shot tools/call for a mutating operation.
// Writes are not retried: a timed-out create may have succeeded server-side.
func (a *DocumentAdapter) writeTool(ctx context.Context, tool string, arguments map[string]any) (json.RawMessage, error) {
	result, err := a.client.Call(ctx, "tools/call", &toolCallParams{Name: tool, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	if err = toolResultError(result); err != nil {
		return nil, err
	}
	return result, nil
}

// retriedCall runs an RPC call with exponential backoff. Only transient
// failures retry; protocol and authentication errors are permanent.
func (a *DocumentAdapter) retriedCall(ctx context.Context, method string, params any, label string) (json.RawMessage, error) {
	operation := func() (json.RawMessage, error) {
		result, err := a.client.Call(ctx, method, params)
		if err != nil {
			if isTransient(err) {
				log.Debugf("transient failure on %s, will retry: %v", label, err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return result, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(readMaxTries))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Unwrap()
		}
		return nil, err
	}
	return result, nil
}

func (a *DocumentAdapter) cachedResult(key string) (json.RawMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.cache[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.timestamp) > documentCacheTTL {
		delete(a.cache, key)
		return nil, false
	}
	return entry.result, true
}

func (a *DocumentAdapter) invalidateDoctype(doctype string) {
	prefix := doctype + "/"
	a.mu.Lock()
	for key := range a.cache {
		if strings.HasPrefix(key, prefix) {
			delete(a.cache, key)
		}
	}
	a.mu.Unlock()
}

// cacheKey builds a stable key of the form "<doctype>/<tool>/<args hash>" so
// per-doctype invalidation is a prefix scan.
func cacheKey(doctype, tool string, arguments map[string]any) string {
	raw, _ := json.Marshal(arguments)
	digest := sha256.Sum256(raw)
	return doctype + "/" + tool + "/" + hex.EncodeToString(digest[:])[:16]
}

// toolResultError maps a tool result flagged isError into a Go error carrying
// the first text content block.
func toolResultError(result json.RawMessage) error {
	parsed := gjson.ParseBytes(result)
	if !parsed.Get("isError").Bool() {
		return nil
	}
	message := parsed.Get("content.0.text").String()
	if message == "" {
		message = "tool call failed"
	}
	return fmt.Errorf("tool error: %s", message)
}

// isTransient reports whether an error is worth retrying. Timeouts and
// transport failures are; everything else reflects server state.
func isTransient(err error) bool {
	return errors.Is(err, frappe.ErrTimeout) || errors.Is(err, frappe.ErrTransportError)
}
