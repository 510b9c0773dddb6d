// Package main provides the entry point for the Frappe Assistant Bridge.
// The bridge authenticates against a Frappe site with OAuth 2.0 and exposes
// the site's assistant JSON-RPC endpoint to local tools, either through
// one-shot calls or a long-running local server.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/frappe-community/AssistantBridge/internal/buildinfo"
	"github.com/frappe-community/AssistantBridge/internal/cmd"
	"github.com/frappe-community/AssistantBridge/internal/config"
	"github.com/frappe-community/AssistantBridge/internal/logging"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

// main parses command-line flags, loads configuration, and dispatches to the
// requested mode: login, one-shot call, or serve.
func main() {
	fmt.Printf("Frappe Assistant Bridge Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var login bool
	var serve bool
	var call string
	var params string
	var noBrowser bool
	var oauthCallbackPort int
	var configPath string
	var siteURL string

	flag.BoolVar(&login, "login", false, "Login to the Frappe site using OAuth")
	flag.BoolVar(&serve, "serve", false, "Run the local bridge server")
	flag.StringVar(&call, "call", "", "Perform a single JSON-RPC call, e.g. tools/list")
	flag.StringVar(&params, "params", "", "Raw JSON params for --call")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	flag.IntVar(&oauthCallbackPort, "oauth-callback-port", 0, "Override OAuth callback port")
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.StringVar(&siteURL, "site", "", "Frappe site base URL (overrides config)")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Errorf("failed to load config %s: %v", configPath, err)
		return
	}

	applyEnvOverrides(cfg)
	if strings.TrimSpace(siteURL) != "" {
		cfg.SiteURL = siteURL
	}
	cfg.ApplyDefaults()

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Warnf("failed to configure log output: %v", err)
	}

	if err = cfg.Validate(); err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(2)
	}

	switch {
	case login:
		cmd.DoFrappeLogin(cfg, &cmd.LoginOptions{
			NoBrowser:    noBrowser,
			CallbackPort: oauthCallbackPort,
		})
	case call != "":
		cmd.DoCall(cfg, call, params)
	case serve:
		cmd.DoServe(cfg, configPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// applyEnvOverrides maps well-known environment variables onto the config.
// Explicit flags still win over these.
func applyEnvOverrides(cfg *config.Config) {
	lookupEnv := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := os.LookupEnv(key); ok {
				if trimmed := strings.TrimSpace(value); trimmed != "" {
					return trimmed, true
				}
			}
		}
		return "", false
	}

	if value, ok := lookupEnv("FRAPPE_SITE_URL", "frappe_site_url"); ok {
		cfg.SiteURL = value
	}
	if value, ok := lookupEnv("FRAPPE_AUTH_DIR", "frappe_auth_dir"); ok {
		cfg.AuthDir = value
	}
	if value, ok := lookupEnv("FRAPPE_CLIENT_ID", "frappe_client_id"); ok {
		cfg.ClientID = value
	}
	if value, ok := lookupEnv("FRAPPE_CLIENT_SECRET", "frappe_client_secret"); ok {
		cfg.ClientSecret = value
	}
	if value, ok := lookupEnv("FRAPPE_PROXY_URL", "frappe_proxy_url"); ok {
		cfg.ProxyURL = value
	}
}
