package frappe

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// CodeChallengeMethodS256 is the only challenge method the bridge uses; plain
// is deliberately unsupported.
const CodeChallengeMethodS256 = "S256"

// PKCECodes carries the verifier/challenge pair for a single authorization
// attempt. The verifier is only ever sent during the token exchange step.
type PKCECodes struct {
	// CodeVerifier is the high-entropy secret kept client-side until exchange.
	CodeVerifier string
	// CodeChallenge is the S256 derivation sent in the authorization request.
	CodeChallenge string
	// Method tags which derivation produced CodeChallenge.
	Method string
}

// GeneratePKCECodes generates a new pair of PKCE (Proof Key for Code Exchange)
// codes. It creates a cryptographically random code verifier and its
// corresponding SHA256 code challenge, as specified in RFC 7636. This is a
// critical security feature for the OAuth 2.0 authorization code flow.
func GeneratePKCECodes() (*PKCECodes, error) {
	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	return &PKCECodes{
		CodeVerifier:  codeVerifier,
		CodeChallenge: CodeChallengeS256(codeVerifier),
		Method:        CodeChallengeMethodS256,
	}, nil
}

// generateCodeVerifier creates a cryptographically secure random string to be
// used as the code verifier in the PKCE flow. RFC 7636 allows 43-128
// characters; 96 random bytes encode to the 128-character maximum.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 96)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// CodeChallengeS256 derives the S256 code challenge for a verifier: the
// Base64-URL encoding (no padding) of the verifier's SHA256 digest.
func CodeChallengeS256(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
