// Package cmd implements the top-level operations of the bridge binary:
// interactive login, one-shot RPC calls, and the long-running serve mode.
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	"github.com/frappe-community/AssistantBridge/internal/config"
	sdkAuth "github.com/frappe-community/AssistantBridge/sdk/auth"
	log "github.com/sirupsen/logrus"
)

// LoginOptions contains options for the login process.
// It provides configuration for authentication flows including browser
// behavior and interactive prompting capabilities.
type LoginOptions struct {
	// NoBrowser indicates whether to skip opening the browser automatically.
	NoBrowser bool

	// CallbackPort overrides the local OAuth callback port when set (>0).
	CallbackPort int

	// Prompt allows the caller to provide interactive input when needed.
	Prompt func(prompt string) (string, error)
}

// newAuthManager creates an authentication manager with the Frappe
// authenticator and a file-based token store rooted at the auth directory.
func newAuthManager(cfg *config.Config) *sdkAuth.Manager {
	store := sdkAuth.NewFileTokenStore(cfg.AuthDir)
	return sdkAuth.NewManager(store, sdkAuth.NewFrappeAuthenticator())
}

// DoFrappeLogin runs the OAuth flow against the configured site and saves the
// resulting tokens to the auth directory.
//
// Parameters:
//   - cfg: The application configuration
//   - options: Login options including browser behavior and prompts
func DoFrappeLogin(cfg *config.Config, options *LoginOptions) {
	if options == nil {
		options = &LoginOptions{}
	}

	promptFn := options.Prompt
	if promptFn == nil {
		promptFn = stdinPrompt()
	}

	manager := newAuthManager(cfg)

	authOpts := &sdkAuth.LoginOptions{
		NoBrowser:    options.NoBrowser,
		CallbackPort: options.CallbackPort,
		Metadata:     map[string]string{},
		Prompt:       promptFn,
	}

	_, savedPath, err := manager.Login(context.Background(), "frappe", cfg, authOpts)
	if err != nil {
		var authErr *frappe.AuthenticationError
		if errors.As(err, &authErr) {
			log.Error(frappe.GetUserFriendlyMessage(authErr))
			if authErr.Type == frappe.ErrPortInUse.Type {
				os.Exit(frappe.ErrPortInUse.Code)
			}
			return
		}
		fmt.Printf("Frappe authentication failed: %v\n", err)
		return
	}

	if savedPath != "" {
		fmt.Printf("Authentication saved to %s\n", savedPath)
	}
	fmt.Println("Frappe authentication successful!")
}

// stdinPrompt reads one line from standard input for interactive prompts.
func stdinPrompt() func(prompt string) (string, error) {
	reader := bufio.NewReader(os.Stdin)
	return func(prompt string) (string, error) {
		fmt.Print(prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}
