// Package watcher watches the bridge configuration file and the auth
// directory, triggering hot reloads when either changes on disk.
// It supports cross-platform fsnotify event handling.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	"github.com/frappe-community/AssistantBridge/internal/config"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TokenUpdateAction represents the type of change detected in token files.
type TokenUpdateAction string

const (
	TokenUpdateActionAdd    TokenUpdateAction = "add"
	TokenUpdateActionModify TokenUpdateAction = "modify"
	TokenUpdateActionDelete TokenUpdateAction = "delete"
)

// TokenUpdate describes an incremental change to a persisted token file.
type TokenUpdate struct {
	Action  TokenUpdateAction
	Site    string
	Path    string
	Storage *frappe.FrappeTokenStorage
}

const (
	// replaceCheckDelay is a short delay to allow atomic replace (rename) to settle
	// before deciding whether a Remove event indicates a real deletion.
	replaceCheckDelay    = 50 * time.Millisecond
	configReloadDebounce = 150 * time.Millisecond
)

// Watcher manages file watching for the configuration file and token files.
type Watcher struct {
	configPath        string
	authDir           string
	mu                sync.RWMutex
	config            *config.Config
	oldConfigYaml     []byte
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
	reloadCallback    func(*config.Config)
	tokenCallback     func(TokenUpdate)
	watcher           *fsnotify.Watcher
	lastTokenHashes   map[string]string
}

// NewWatcher creates a new file watcher instance. configPath may be empty
// when the bridge runs purely off flags and environment variables.
func NewWatcher(configPath, authDir string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:      configPath,
		authDir:         authDir,
		reloadCallback:  reloadCallback,
		watcher:         fsWatcher,
		lastTokenHashes: make(map[string]string),
	}, nil
}

// Start begins watching the configuration file and the auth directory.
func (w *Watcher) Start(ctx context.Context) error {
	return w.start(ctx)
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

// SetConfig updates the current configuration snapshot used for change detection.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
	w.oldConfigYaml, _ = yaml.Marshal(cfg)
}

// OnTokenUpdate registers the callback invoked for token file changes.
func (w *Watcher) OnTokenUpdate(callback func(TokenUpdate)) {
	w.mu.Lock()
	w.tokenCallback = callback
	w.mu.Unlock()
}

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}
