package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	"github.com/frappe-community/AssistantBridge/internal/browser"
	"github.com/frappe-community/AssistantBridge/internal/config"
	"github.com/frappe-community/AssistantBridge/internal/misc"
	"github.com/frappe-community/AssistantBridge/internal/util"
	log "github.com/sirupsen/logrus"
)

// FrappeAuthenticator implements the OAuth login flow for Frappe sites:
// endpoint discovery, dynamic client registration when the site supports it,
// and the Authorization Code grant with PKCE through a loopback callback.
type FrappeAuthenticator struct {
	CallbackPort int

	// openURL overrides how the authorization URL is opened. Nil means
	// launching the system browser.
	openURL func(url string) error
}

// NewFrappeAuthenticator constructs a Frappe authenticator with default settings.
func NewFrappeAuthenticator() *FrappeAuthenticator {
	return &FrappeAuthenticator{CallbackPort: config.DefaultCallbackPort}
}

func (a *FrappeAuthenticator) Provider() string {
	return "frappe"
}

func (a *FrappeAuthenticator) Login(ctx context.Context, cfg *config.Config, opts *LoginOptions) (*Record, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bridge auth: configuration is required")
	}
	if strings.TrimSpace(cfg.SiteURL) == "" {
		return nil, fmt.Errorf("bridge auth: site URL is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &LoginOptions{}
	}

	callbackPort := a.CallbackPort
	if opts.CallbackPort > 0 {
		callbackPort = opts.CallbackPort
	}
	redirectURI := fmt.Sprintf("http://localhost:%d/callback", callbackPort)

	httpClient := util.NewHTTPClient(cfg)

	discovery := frappe.NewDiscoveryClient(httpClient)
	metadata, err := discovery.Discover(ctx, cfg.SiteURL)
	if err != nil {
		return nil, err
	}

	registration, err := resolveClientIdentity(ctx, cfg, httpClient, metadata, redirectURI)
	if err != nil {
		return nil, err
	}

	pkceCodes, err := frappe.GeneratePKCECodes()
	if err != nil {
		return nil, fmt.Errorf("frappe pkce generation failed: %w", err)
	}

	state, err := misc.GenerateRandomState()
	if err != nil {
		return nil, fmt.Errorf("frappe state generation failed: %w", err)
	}

	oauthServer := frappe.NewOAuthServer(callbackPort)
	if err = oauthServer.Start(); err != nil {
		if strings.Contains(err.Error(), "already in use") {
			return nil, frappe.NewAuthenticationError(frappe.ErrPortInUse, err)
		}
		return nil, frappe.NewAuthenticationError(frappe.ErrServerStartFailed, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if stopErr := oauthServer.Stop(stopCtx); stopErr != nil {
			log.Warnf("frappe oauth server stop error: %v", stopErr)
		}
	}()

	authSvc := frappe.NewFrappeAuth(httpClient)

	authURL, err := authSvc.GenerateAuthURL(metadata, registration.ClientID, redirectURI, cfg.Scopes, state, pkceCodes)
	if err != nil {
		return nil, fmt.Errorf("frappe authorization url generation failed: %w", err)
	}

	if !opts.NoBrowser {
		fmt.Println("Opening browser for Frappe authentication")
		if err = a.launchBrowser(authURL); err != nil {
			log.Warnf("Failed to open browser automatically: %v", err)
			util.PrintSSHTunnelInstructions(callbackPort)
			fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
		}
	} else {
		util.PrintSSHTunnelInstructions(callbackPort)
		fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
		if errCopy := browser.CopyToClipboard(authURL); errCopy == nil {
			fmt.Println("Authentication URL copied to clipboard")
		}
	}

	fmt.Println("Waiting for Frappe authentication callback...")

	result, err := a.waitForCallback(ctx, oauthServer, opts)
	if err != nil {
		return nil, err
	}

	if result.Error != "" {
		oauthErr := frappe.NewOAuthError(result.Error, result.ErrorDescription, http.StatusBadRequest)
		if result.Error == "access_denied" {
			return nil, frappe.NewAuthenticationError(frappe.ErrAuthorizationDenied, oauthErr)
		}
		return nil, oauthErr
	}

	if result.State != state {
		return nil, frappe.NewAuthenticationError(frappe.ErrStateMismatch, fmt.Errorf("state mismatch"))
	}

	log.Debug("Frappe authorization code received; exchanging for tokens")

	tokenData, err := authSvc.ExchangeCodeForTokens(ctx, metadata, registration, redirectURI, result.Code, pkceCodes)
	if err != nil {
		return nil, err
	}

	tokenStorage := frappe.NewTokenStorage(cfg.SiteURL, registration, tokenData)

	fileName, err := FileNameForSite(cfg.SiteURL)
	if err != nil {
		return nil, err
	}

	fmt.Println("Frappe authentication successful")

	return &Record{
		ID:       fileName,
		Provider: a.Provider(),
		Site:     cfg.SiteURL,
		FileName: fileName,
		Storage:  tokenStorage,
		Metadata: map[string]any{
			"site":      cfg.SiteURL,
			"client_id": registration.ClientID,
		},
	}, nil
}

func (a *FrappeAuthenticator) launchBrowser(url string) error {
	if a.openURL != nil {
		return a.openURL(url)
	}
	if !browser.IsAvailable() {
		return fmt.Errorf("no browser available")
	}
	return browser.OpenURL(url)
}

// waitForCallback blocks until the loopback server receives the redirect.
// When a prompt is available, the user may paste the callback URL manually
// after a short grace period, which covers headless machines where the
// browser runs elsewhere.
func (a *FrappeAuthenticator) waitForCallback(ctx context.Context, oauthServer *frappe.OAuthServer, opts *LoginOptions) (*frappe.OAuthResult, error) {
	callbackCh := make(chan *frappe.OAuthResult, 1)
	callbackErrCh := make(chan error, 1)

	go func() {
		result, errWait := oauthServer.WaitForCallback(ctx, 5*time.Minute)
		if errWait != nil {
			callbackErrCh <- errWait
			return
		}
		callbackCh <- result
	}()

	var manualPromptTimer *time.Timer
	var manualPromptC <-chan time.Time
	if opts.Prompt != nil {
		manualPromptTimer = time.NewTimer(15 * time.Second)
		manualPromptC = manualPromptTimer.C
		defer manualPromptTimer.Stop()
	}

	for {
		select {
		case result := <-callbackCh:
			return result, nil
		case err := <-callbackErrCh:
			return nil, err
		case <-manualPromptC:
			manualPromptC = nil
			if manualPromptTimer != nil {
				manualPromptTimer.Stop()
			}
			select {
			case result := <-callbackCh:
				return result, nil
			case err := <-callbackErrCh:
				return nil, err
			default:
			}
			input, errPrompt := opts.Prompt("Paste the callback URL (or press Enter to keep waiting): ")
			if errPrompt != nil {
				return nil, errPrompt
			}
			parsed, errParse := misc.ParseOAuthCallback(input)
			if errParse != nil {
				return nil, errParse
			}
			if parsed == nil {
				continue
			}
			return &frappe.OAuthResult{
				Code:             parsed.Code,
				State:            parsed.State,
				Error:            parsed.Error,
				ErrorDescription: parsed.ErrorDescription,
			}, nil
		}
	}
}

// resolveClientIdentity returns the OAuth client the flow should act as:
// the pre-provisioned identity from the configuration when present,
// otherwise a fresh dynamic registration with the site.
func resolveClientIdentity(ctx context.Context, cfg *config.Config, httpClient *http.Client, metadata *frappe.ServerMetadata, redirectURI string) (*frappe.ClientRegistration, error) {
	if strings.TrimSpace(cfg.ClientID) != "" {
		log.Debugf("using pre-provisioned client id")
		return &frappe.ClientRegistration{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURIs: []string{redirectURI},
			ClientName:   cfg.ClientName,
		}, nil
	}

	registrar := frappe.NewRegistrar(httpClient)
	registration, err := registrar.Register(ctx, metadata, cfg.ClientName, []string{redirectURI})
	if err != nil {
		return nil, err
	}
	log.Debugf("registered dynamic client")
	return registration, nil
}
