package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	"github.com/frappe-community/AssistantBridge/internal/config"
	"github.com/frappe-community/AssistantBridge/sdk/bridge"
	"github.com/tidwall/gjson"
)

// newServeFixture spins up a fake site and a serve-mode server wired to it.
func newServeFixture(t *testing.T, apiKeys []string, siteHandler http.HandlerFunc) (*Server, *int32) {
	t.Helper()

	var forwarded int32
	mux := http.NewServeMux()
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"issuer":                 site.URL,
			"authorization_endpoint": site.URL + "/authorize",
			"token_endpoint":         site.URL + "/token",
			"mcp_endpoint":           site.URL + "/assistant",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("/assistant", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&forwarded, 1)
		if siteHandler != nil {
			siteHandler(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		id := gjson.GetBytes(body, "id").Raw
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + id + `,"result":{"tools":[]}}`))
	})

	storage := frappe.NewTokenStorage(site.URL,
		&frappe.ClientRegistration{ClientID: "client-1"},
		&frappe.TokenData{AccessToken: "tok1", RefreshToken: "ref1", Expire: time.Now().Add(time.Hour).Format(time.RFC3339)})
	manager := bridge.NewTokenManager(site.URL, nil, site.Client())
	manager.SetStorage(storage)
	client := bridge.NewClient(manager, site.Client())

	cfg := &config.Config{SiteURL: site.URL}
	cfg.Serve.APIKeys = apiKeys
	cfg.ApplyDefaults()

	return NewServer(cfg, client), &forwarded
}

func postMCP(t *testing.T, server *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestInitializeHandledLocally(t *testing.T) {
	server, forwarded := newServeFixture(t, nil, nil)

	resp := postMCP(t, server, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}

	body := gjson.Parse(resp.Body.String())
	if got := body.Get("id").Int(); got != 1 {
		t.Errorf("id = %d, want 1", got)
	}
	if got := body.Get("result.protocolVersion").String(); got != "2025-06-18" {
		t.Errorf("protocolVersion = %q", got)
	}
	if got := body.Get("result.serverInfo.name").String(); got != "frappe-assistant-bridge" {
		t.Errorf("serverInfo.name = %q", got)
	}
	if atomic.LoadInt32(forwarded) != 0 {
		t.Error("initialize must not reach the site")
	}
}

func TestPingHandledLocally(t *testing.T) {
	server, forwarded := newServeFixture(t, nil, nil)

	resp := postMCP(t, server, `{"jsonrpc":"2.0","id":"ping-1","method":"ping"}`, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	body := gjson.Parse(resp.Body.String())
	if got := body.Get("id").String(); got != "ping-1" {
		t.Errorf("id = %q, want ping-1 (string id preserved)", got)
	}
	if !body.Get("result").Exists() {
		t.Error("ping must return an empty result object")
	}
	if atomic.LoadInt32(forwarded) != 0 {
		t.Error("ping must not reach the site")
	}
}

func TestNotificationAccepted(t *testing.T) {
	server, forwarded := newServeFixture(t, nil, nil)

	resp := postMCP(t, server, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.Code)
	}
	if atomic.LoadInt32(forwarded) != 0 {
		t.Error("notifications must not reach the site")
	}
}

func TestToolCallsForwardedWithIDPreserved(t *testing.T) {
	server, forwarded := newServeFixture(t, nil, nil)

	resp := postMCP(t, server, `{"jsonrpc":"2.0","id":42,"method":"tools/list"}`, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	body := gjson.Parse(resp.Body.String())
	if got := body.Get("id").Int(); got != 42 {
		t.Errorf("id = %d, want the caller's 42", got)
	}
	if !body.Get("result.tools").Exists() {
		t.Errorf("body = %s, want forwarded tools result", resp.Body.String())
	}
	if atomic.LoadInt32(forwarded) != 1 {
		t.Errorf("site calls = %d, want 1", atomic.LoadInt32(forwarded))
	}
}

func TestInvalidJSONRejected(t *testing.T) {
	server, _ := newServeFixture(t, nil, nil)

	resp := postMCP(t, server, `{not json`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
	if got := gjson.Get(resp.Body.String(), "error.code").Int(); got != -32700 {
		t.Errorf("error code = %d, want -32700", got)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	server, _ := newServeFixture(t, []string{"local-secret"}, nil)

	resp := postMCP(t, server, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", resp.Code)
	}

	resp = postMCP(t, server, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Authorization": "Bearer local-secret"})
	if resp.Code != http.StatusOK {
		t.Fatalf("status with bearer key = %d, want 200", resp.Code)
	}

	resp = postMCP(t, server, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"X-API-Key": "local-secret"})
	if resp.Code != http.StatusOK {
		t.Fatalf("status with header key = %d, want 200", resp.Code)
	}
}

func TestHealthzOpen(t *testing.T) {
	server, _ := newServeFixture(t, []string{"local-secret"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200 without api key", recorder.Code)
	}
	if got := gjson.Get(recorder.Body.String(), "status").String(); got != "ok" {
		t.Errorf("status field = %q, want ok", got)
	}
}

func TestStatsCountsRequests(t *testing.T) {
	server, _ := newServeFixture(t, nil, nil)

	postMCP(t, server, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	postMCP(t, server, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	body := gjson.Parse(recorder.Body.String())
	if got := body.Get("requests").Int(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	if got := body.Get("local_handled").Int(); got != 1 {
		t.Errorf("local_handled = %d, want 1", got)
	}
	if got := body.Get("forwarded").Int(); got != 1 {
		t.Errorf("forwarded = %d, want 1", got)
	}
}
