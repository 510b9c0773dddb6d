package logging

import (
	"strings"
	"testing"
)

func TestMaskSensitiveQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rawQuery string
		want     string
	}{
		{"empty", "", ""},
		{"no sensitive keys", "doctype=Customer&limit=20", "doctype=Customer&limit=20"},
		{"auth code masked", "code=secret123&state=abc", "code=REDACTED&state=REDACTED"},
		{"token masked", "access_token=tok1", "access_token=REDACTED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := MaskSensitiveQuery(tt.rawQuery)
			if got != tt.want {
				t.Errorf("MaskSensitiveQuery(%q) = %q, want %q", tt.rawQuery, got, tt.want)
			}
		})
	}
}

func TestMaskSensitiveQueryNeverLeaksValue(t *testing.T) {
	t.Parallel()

	got := MaskSensitiveQuery("state=S123&code=supersecret&foo=bar")
	if strings.Contains(got, "supersecret") || strings.Contains(got, "S123") {
		t.Errorf("masked query leaked credentials: %q", got)
	}
}

func TestIsBridgePath(t *testing.T) {
	t.Parallel()

	if !isBridgePath("/mcp") || !isBridgePath("/rpc/call") {
		t.Error("bridge paths not recognized")
	}
	if isBridgePath("/healthz") {
		t.Error("/healthz should not be a bridge path")
	}
}
