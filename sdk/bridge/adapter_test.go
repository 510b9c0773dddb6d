package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func adapterSite(t *testing.T, rpcHandler http.HandlerFunc) (*siteServer, *DocumentAdapter) {
	t.Helper()
	ss := newSiteServer(t, nil, rpcHandler)
	client := newTestClient(t, ss, freshStorage(ss.url(), "tok1", "ref1", time.Hour))
	return ss, NewDocumentAdapter(client)
}

func toolResponse(t *testing.T, w http.ResponseWriter, r *http.Request, text string) {
	t.Helper()
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode rpc request: %v", err)
		return
	}
	result := map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
	raw, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"` + req.ID + `","result":` + string(raw) + `}`))
}

func TestGetDocumentCachesReads(t *testing.T) {
	t.Parallel()

	var calls int32
	_, adapter := adapterSite(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		toolResponse(t, w, r, `{"doctype":"Customer","name":"CUST-0001"}`)
	})

	ctx := context.Background()
	first, err := adapter.GetDocument(ctx, "Customer", "CUST-0001")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	second, err := adapter.GetDocument(ctx, "Customer", "CUST-0001")
	if err != nil {
		t.Fatalf("GetDocument() second call error = %v", err)
	}
	if string(first) != string(second) {
		t.Error("cached read should return the identical payload")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("endpoint calls = %d, want 1 (second read cached)", got)
	}
}

func TestWriteInvalidatesDoctypeCache(t *testing.T) {
	t.Parallel()

	var reads int32
	_, adapter := adapterSite(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string         `json:"id"`
			Params toolCallParams `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		if req.Params.Name == "get_document" {
			atomic.AddInt32(&reads, 1)
		}
		result := map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		}
		raw, _ := json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"` + req.ID + `","result":` + string(raw) + `}`))
	})

	ctx := context.Background()
	if _, err := adapter.GetDocument(ctx, "Customer", "CUST-0001"); err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if _, err := adapter.UpdateDocument(ctx, "Customer", "CUST-0001", map[string]any{"territory": "EU"}); err != nil {
		t.Fatalf("UpdateDocument() error = %v", err)
	}
	if _, err := adapter.GetDocument(ctx, "Customer", "CUST-0001"); err != nil {
		t.Fatalf("GetDocument() after write error = %v", err)
	}
	if got := atomic.LoadInt32(&reads); got != 2 {
		t.Errorf("get_document calls = %d, want 2 (write invalidated the cache)", got)
	}
}

func TestReadRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls int32
	_, adapter := adapterSite(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("hijacking unsupported")
				return
			}
			conn, _, _ := hj.Hijack()
			_ = conn.Close()
			return
		}
		toolResponse(t, w, r, `{"name":"CUST-0001"}`)
	})

	result, err := adapter.GetDocument(context.Background(), "Customer", "CUST-0001")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("endpoint calls = %d, want 2 (one retry)", got)
	}
	if text := gjson.GetBytes(result, "content.0.text").String(); text != `{"name":"CUST-0001"}` {
		t.Errorf("content text = %q", text)
	}
}

func TestWriteDoesNotRetry(t *testing.T) {
	t.Parallel()

	var calls int32
	_, adapter := adapterSite(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("hijacking unsupported")
			return
		}
		conn, _, _ := hj.Hijack()
		_ = conn.Close()
	})

	_, err := adapter.CreateDocument(context.Background(), "Customer", map[string]any{"customer_name": "Acme"})
	if err == nil {
		t.Fatal("expected error from failed write")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("endpoint calls = %d, want exactly 1 (writes never retry)", got)
	}
}

func TestToolErrorSurfacesMessage(t *testing.T) {
	t.Parallel()

	_, adapter := adapterSite(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"` + req.ID + `","result":{"isError":true,"content":[{"type":"text","text":"Customer CUST-9999 not found"}]}}`))
	})

	_, err := adapter.GetDocument(context.Background(), "Customer", "CUST-9999")
	if err == nil {
		t.Fatal("expected tool error")
	}
	if want := "Customer CUST-9999 not found"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want it to mention %q", err.Error(), want)
	}
}
