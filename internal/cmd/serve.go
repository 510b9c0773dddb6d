package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/frappe-community/AssistantBridge/internal/api"
	"github.com/frappe-community/AssistantBridge/internal/config"
	"github.com/frappe-community/AssistantBridge/internal/util"
	"github.com/frappe-community/AssistantBridge/internal/watcher"
	sdkAuth "github.com/frappe-community/AssistantBridge/sdk/auth"
	"github.com/frappe-community/AssistantBridge/sdk/bridge"
	log "github.com/sirupsen/logrus"
)

// DoServe runs the long-lived serve mode: a local HTTP endpoint that forwards
// JSON-RPC traffic to the site with managed credentials. The config file and
// auth directory are watched so edits and re-logins apply without a restart.
//
// Parameters:
//   - cfg: The application configuration
//   - configPath: Path of the loaded config file, empty when flags-only
func DoServe(cfg *config.Config, configPath string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpClient := util.NewHTTPClient(cfg)
	store := sdkAuth.NewFileTokenStore(cfg.AuthDir)
	manager := bridge.NewTokenManager(cfg.SiteURL, store, httpClient)
	client := bridge.NewClient(manager, httpClient)

	server := api.NewServer(cfg, client)

	w, err := watcher.NewWatcher(configPath, cfg.AuthDir, server.UpdateConfig)
	if err != nil {
		log.Errorf("failed to create file watcher: %v", err)
		return
	}
	w.SetConfig(cfg)
	tokenFileName, err := sdkAuth.FileNameForSite(cfg.SiteURL)
	if err != nil {
		log.Errorf("invalid site URL: %v", err)
		return
	}
	w.OnTokenUpdate(func(update watcher.TokenUpdate) {
		// Delete events carry no parsed storage, so match on the file name.
		if filepath.Base(update.Path) != tokenFileName {
			return
		}
		switch update.Action {
		case watcher.TokenUpdateActionAdd, watcher.TokenUpdateActionModify:
			manager.SetStorage(update.Storage)
			log.Info("token storage reloaded from disk")
		case watcher.TokenUpdateActionDelete:
			manager.SetStorage(nil)
			log.Warn("token file removed; requests will fail until re-login")
		}
	})
	if err = w.Start(ctx); err != nil {
		log.Errorf("failed to start file watcher: %v", err)
		return
	}
	defer func() {
		if errStop := w.Stop(); errStop != nil {
			log.Warnf("watcher stop error: %v", errStop)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %s, shutting down", sig)
		cancel()
	}()

	if err = server.Run(ctx); err != nil {
		log.Errorf("serve mode exited with error: %v", err)
	}
}
