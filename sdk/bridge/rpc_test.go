package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	sdkauth "github.com/frappe-community/AssistantBridge/sdk/auth"
)

func newTestClient(t *testing.T, ss *siteServer, storage *frappe.FrappeTokenStorage) *Client {
	t.Helper()
	manager := NewTokenManager(ss.url(), newMemoryStore(), ss.server.Client())
	manager.SetStorage(storage)
	return NewClient(manager, ss.server.Client())
}

func TestCallSendsEnvelopeAndBearer(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotReq rpcRequest
	ss := newSiteServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("failed to decode rpc request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"` + gotReq.ID + `","result":{"tools":[]}}`))
	})

	client := newTestClient(t, ss, freshStorage(ss.url(), "tok1", "ref1", time.Hour))

	result, err := client.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if gotAuth != "Bearer tok1" {
		t.Errorf("Authorization = %q, want Bearer tok1", gotAuth)
	}
	if gotReq.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q, want 2.0", gotReq.JSONRPC)
	}
	if gotReq.Method != "tools/list" {
		t.Errorf("method = %q, want tools/list", gotReq.Method)
	}
	if gotReq.ID == "" {
		t.Error("request must carry a correlation id")
	}
	if string(result) != `{"tools":[]}` {
		t.Errorf("result = %s, want tools payload", result)
	}
}

func TestCallRetriesOnceOn401(t *testing.T) {
	t.Parallel()

	var rpcCalls int32
	ss := newSiteServer(t, nil, nil)
	ss.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ss.refreshCount, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok2","refresh_token":"ref2","expires_in":3600}`))
	})
	ss.mux.HandleFunc("/assistant", func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&rpcCalls, 1)
		if call == 1 {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok2" {
			t.Errorf("retry Authorization = %q, want Bearer tok2", got)
		}
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"` + req.ID + `","result":{"ok":true}}`))
	})

	// Token looks valid locally but the endpoint has revoked it.
	client := newTestClient(t, ss, freshStorage(ss.url(), "tok1", "ref1", time.Hour))

	result, err := client.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s, want ok payload", result)
	}
	if got := atomic.LoadInt32(&rpcCalls); got != 2 {
		t.Errorf("rpc calls = %d, want 2 (original plus one retry)", got)
	}
	if got := atomic.LoadInt32(&ss.refreshCount); got != 1 {
		t.Errorf("refresh count = %d, want 1", got)
	}
}

func TestCallSecond401FailsWithoutFurtherRetry(t *testing.T) {
	t.Parallel()

	var rpcCalls int32
	ss := newSiteServer(t, nil, nil)
	ss.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok2","refresh_token":"ref2","expires_in":3600}`))
	})
	ss.mux.HandleFunc("/assistant", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&rpcCalls, 1)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := newTestClient(t, ss, freshStorage(ss.url(), "tok1", "ref1", time.Hour))

	_, err := client.Call(context.Background(), "tools/list", nil)
	if !errors.Is(err, frappe.ErrAuthenticationFailed) {
		t.Fatalf("error = %v, want ErrAuthenticationFailed", err)
	}
	if got := atomic.LoadInt32(&rpcCalls); got != 2 {
		t.Errorf("rpc calls = %d, want exactly 2", got)
	}
}

func TestCallRPCErrorPassthrough(t *testing.T) {
	t.Parallel()

	ss := newSiteServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"` + req.ID + `","error":{"code":-32601,"message":"Method not found"}}`))
	})

	client := newTestClient(t, ss, freshStorage(ss.url(), "tok1", "ref1", time.Hour))

	_, err := client.Call(context.Background(), "no/such/method", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("rpc error code = %d, want -32601", rpcErr.Code)
	}
	if rpcErr.Message != "Method not found" {
		t.Errorf("rpc error message = %q, want Method not found", rpcErr.Message)
	}
}

func TestCallMismatchedResponseID(t *testing.T) {
	t.Parallel()

	ss := newSiteServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"someone-else","result":{}}`))
	})

	client := newTestClient(t, ss, freshStorage(ss.url(), "tok1", "ref1", time.Hour))

	if _, err := client.Call(context.Background(), "tools/list", nil); err == nil {
		t.Fatal("expected error for mismatched response id")
	}
}

func TestNotifyOmitsID(t *testing.T) {
	t.Parallel()

	var raw map[string]any
	ss := newSiteServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		w.WriteHeader(http.StatusAccepted)
	})

	client := newTestClient(t, ss, freshStorage(ss.url(), "tok1", "ref1", time.Hour))

	if err := client.Notify(context.Background(), "notifications/initialized", nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if _, hasID := raw["id"]; hasID {
		t.Error("notification must not carry an id")
	}
	if raw["method"] != "notifications/initialized" {
		t.Errorf("method = %v, want notifications/initialized", raw["method"])
	}
}

func TestCallTransportError(t *testing.T) {
	t.Parallel()

	ss := newSiteServer(t, nil, nil)
	manager := NewTokenManager(ss.url(), newMemoryStore(), ss.server.Client())
	manager.SetStorage(freshStorage(ss.url(), "tok1", "ref1", time.Hour))
	client := NewClient(manager, ss.server.Client())
	client.SetEndpoint("http://127.0.0.1:1/assistant")

	_, err := client.Call(context.Background(), "tools/list", nil)
	if !errors.Is(err, frappe.ErrTransportError) {
		t.Fatalf("error = %v, want ErrTransportError", err)
	}
}

// TestEndToEndFirstUse walks the full client lifecycle against a simulated
// site: discovery, token exchange persisted, then an authenticated tools/list
// through the bridge.
func TestEndToEndFirstUse(t *testing.T) {
	t.Parallel()

	ss := newSiteServer(t, nil, nil)
	ss.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q, want authorization_code", got)
		}
		if r.PostForm.Get("code_verifier") == "" {
			t.Error("token exchange must carry the PKCE verifier")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok1","refresh_token":"ref1","expires_in":3600,"scope":"all openid"}`))
	})
	ss.mux.HandleFunc("/assistant", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok1" {
			t.Errorf("Authorization = %q, want Bearer tok1", got)
		}
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"` + req.ID + `","result":{"tools":[{"name":"get_document"}]}}`))
	})

	httpClient := ss.server.Client()
	ctx := context.Background()

	// Discovery.
	discovery := frappe.NewDiscoveryClient(httpClient)
	metadata, err := discovery.Discover(ctx, ss.url())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	// Authorization code exchange, as the login flow would run it after the
	// browser round trip.
	pkce, err := frappe.GeneratePKCECodes()
	if err != nil {
		t.Fatalf("GeneratePKCECodes() error = %v", err)
	}
	registration := &frappe.ClientRegistration{ClientID: "client-1"}
	authSvc := frappe.NewFrappeAuth(httpClient)
	tokenData, err := authSvc.ExchangeCodeForTokens(ctx, metadata, registration, "http://localhost:18632/callback", "auth-code", pkce)
	if err != nil {
		t.Fatalf("ExchangeCodeForTokens() error = %v", err)
	}

	// Persist, then drive the bridge off the stored record.
	store := newMemoryStore()
	storage := frappe.NewTokenStorage(ss.url(), registration, tokenData)
	if _, err = store.Save(ctx, &sdkauth.Record{Provider: "frappe", Site: ss.url(), Storage: storage}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	manager := NewTokenManager(ss.url(), store, httpClient)
	client := NewClient(manager, httpClient)

	result, err := client.Call(ctx, "tools/list", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if want := `{"tools":[{"name":"get_document"}]}`; string(result) != want {
		t.Errorf("result = %s, want %s", result, want)
	}
}
