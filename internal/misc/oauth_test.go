package misc

import "testing"

func TestGenerateRandomState(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		state, err := GenerateRandomState()
		if err != nil {
			t.Fatalf("GenerateRandomState: %v", err)
		}
		if len(state) != 32 {
			t.Fatalf("state length = %d, want 32 hex chars", len(state))
		}
		if seen[state] {
			t.Fatalf("duplicate state %q", state)
		}
		seen[state] = true
	}
}

func TestParseOAuthCallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantCode  string
		wantState string
		wantErr   bool
		wantNil   bool
	}{
		{
			name:    "empty input",
			input:   "   ",
			wantNil: true,
		},
		{
			name:      "full URL",
			input:     "http://localhost:18632/callback?code=XYZ&state=S123",
			wantCode:  "XYZ",
			wantState: "S123",
		},
		{
			name:      "bare query string",
			input:     "?code=XYZ&state=S123",
			wantCode:  "XYZ",
			wantState: "S123",
		},
		{
			name:      "query without leading question mark",
			input:     "code=XYZ&state=S123",
			wantCode:  "XYZ",
			wantState: "S123",
		},
		{
			name:      "params in fragment",
			input:     "http://localhost/callback#code=F1&state=F2",
			wantCode:  "F1",
			wantState: "F2",
		},
		{
			name:    "missing code",
			input:   "http://localhost/callback?state=S123",
			wantErr: true,
		},
		{
			name:    "garbage",
			input:   "notacallback",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseOAuthCallback(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOAuthCallback: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Fatalf("expected nil result, got %+v", got)
				}
				return
			}
			if got.Code != tt.wantCode || got.State != tt.wantState {
				t.Errorf("got code=%q state=%q, want code=%q state=%q", got.Code, got.State, tt.wantCode, tt.wantState)
			}
		})
	}
}

func TestParseOAuthCallbackError(t *testing.T) {
	t.Parallel()

	got, err := ParseOAuthCallback("http://localhost/callback?error=access_denied&error_description=user+declined")
	if err != nil {
		t.Fatalf("ParseOAuthCallback: %v", err)
	}
	if got.Error != "access_denied" {
		t.Errorf("Error = %q, want access_denied", got.Error)
	}
}
