package frappe

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestGeneratePKCECodes(t *testing.T) {
	t.Parallel()

	codes, err := GeneratePKCECodes()
	if err != nil {
		t.Fatalf("GeneratePKCECodes: %v", err)
	}

	if n := len(codes.CodeVerifier); n < 43 || n > 128 {
		t.Errorf("verifier length = %d, want 43..128 per RFC 7636", n)
	}
	if codes.Method != CodeChallengeMethodS256 {
		t.Errorf("Method = %q, want %q", codes.Method, CodeChallengeMethodS256)
	}

	// Challenge must be the base64url(no padding) SHA256 of the verifier.
	sum := sha256.Sum256([]byte(codes.CodeVerifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if codes.CodeChallenge != want {
		t.Errorf("CodeChallenge = %q, want %q", codes.CodeChallenge, want)
	}
}

func TestGeneratePKCECodesUnique(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		codes, err := GeneratePKCECodes()
		if err != nil {
			t.Fatalf("GeneratePKCECodes: %v", err)
		}
		if seen[codes.CodeVerifier] {
			t.Fatal("verifier repeated across attempts")
		}
		seen[codes.CodeVerifier] = true
	}
}

func TestCodeChallengeS256RoundTrip(t *testing.T) {
	t.Parallel()

	// Boundary-length verifiers: 43 and 128 characters.
	for _, verifierLen := range []int{43, 128} {
		raw := make([]byte, 96)
		if _, err := rand.Read(raw); err != nil {
			t.Fatalf("rand: %v", err)
		}
		verifier := base64.RawURLEncoding.EncodeToString(raw)[:verifierLen]

		sum := sha256.Sum256([]byte(verifier))
		want := base64.RawURLEncoding.EncodeToString(sum[:])
		if got := CodeChallengeS256(verifier); got != want {
			t.Errorf("len %d: CodeChallengeS256 = %q, want %q", verifierLen, got, want)
		}
	}
}

func TestCodeChallengeKnownVector(t *testing.T) {
	t.Parallel()

	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	if got := CodeChallengeS256(verifier); got != "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM" {
		t.Errorf("CodeChallengeS256 known vector mismatch: %q", got)
	}
}
