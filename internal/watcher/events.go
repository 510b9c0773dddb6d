// events.go implements fsnotify event handling for config and token file
// changes. It normalizes paths, debounces noisy events, and triggers
// reload/update logic.
package watcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	"github.com/frappe-community/AssistantBridge/internal/config"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

func (w *Watcher) start(ctx context.Context) error {
	if w.configPath != "" {
		if err := w.watcher.Add(w.configPath); err != nil {
			log.Errorf("failed to watch config file %s: %v", w.configPath, err)
			return err
		}
		log.Debugf("watching config file: %s", w.configPath)
	}

	if err := w.watcher.Add(w.authDir); err != nil {
		log.Errorf("failed to watch auth directory %s: %v", w.authDir, err)
		return err
	}
	log.Debugf("watching auth directory: %s", w.authDir)

	go w.processEvents(ctx)

	w.scanTokenFiles()
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Filter only relevant events: the config file or auth-dir JSON files.
	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	normalizedName := normalizePath(event.Name)
	isConfigEvent := w.configPath != "" &&
		normalizedName == normalizePath(w.configPath) && event.Op&configOps != 0
	tokenOps := fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	isTokenJSON := strings.HasPrefix(normalizedName, normalizePath(w.authDir)) &&
		strings.HasSuffix(normalizedName, ".json") && event.Op&tokenOps != 0
	if !isConfigEvent && !isTokenJSON {
		return
	}

	if isConfigEvent {
		w.scheduleConfigReload()
		return
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// Editors and atomic writers often replace files via rename; wait a
		// beat and re-stat before treating this as a deletion.
		go func(path string) {
			time.Sleep(replaceCheckDelay)
			if _, err := os.Stat(path); err == nil {
				w.handleTokenFile(path)
				return
			}
			w.handleTokenRemoved(path)
		}(event.Name)
		return
	}

	w.handleTokenFile(event.Name)
}

// scanTokenFiles seeds the hash map from the files already on disk so the
// first watch cycle does not replay every existing token as an add.
func (w *Watcher) scanTokenFiles() {
	entries, err := os.ReadDir(w.authDir)
	if err != nil {
		log.Debugf("auth directory scan skipped: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		path := filepath.Join(w.authDir, entry.Name())
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			continue
		}
		w.mu.Lock()
		w.lastTokenHashes[normalizePath(path)] = hashContent(data)
		w.mu.Unlock()
	}
}

func (w *Watcher) handleTokenFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Debugf("token file read failed, skipping: %v", err)
		return
	}

	key := normalizePath(path)
	hash := hashContent(data)

	w.mu.Lock()
	previous, seen := w.lastTokenHashes[key]
	if seen && previous == hash {
		w.mu.Unlock()
		return
	}
	w.lastTokenHashes[key] = hash
	callback := w.tokenCallback
	w.mu.Unlock()

	storage, err := frappe.LoadTokenFromFile(path)
	if err != nil || storage.Type != "frappe" {
		return
	}

	action := TokenUpdateActionModify
	if !seen {
		action = TokenUpdateActionAdd
	}
	log.Debugf("token file %s: %s", action, filepath.Base(path))

	if callback != nil {
		callback(TokenUpdate{Action: action, Site: storage.Site, Path: path, Storage: storage})
	}
}

func (w *Watcher) handleTokenRemoved(path string) {
	key := normalizePath(path)

	w.mu.Lock()
	_, seen := w.lastTokenHashes[key]
	delete(w.lastTokenHashes, key)
	callback := w.tokenCallback
	w.mu.Unlock()

	if !seen {
		return
	}
	log.Debugf("token file removed: %s", filepath.Base(path))

	if callback != nil {
		callback(TokenUpdate{Action: TokenUpdateActionDelete, Path: path})
	}
}

// scheduleConfigReload debounces config write bursts into a single reload.
func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(configReloadDebounce, w.reloadConfig)
}

func (w *Watcher) reloadConfig() {
	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config %s: %v", w.configPath, err)
		return
	}

	newYaml, _ := yaml.Marshal(cfg)
	w.mu.Lock()
	unchanged := bytes.Equal(w.oldConfigYaml, newYaml)
	if !unchanged {
		w.config = cfg
		w.oldConfigYaml = newYaml
	}
	callback := w.reloadCallback
	w.mu.Unlock()

	if unchanged {
		log.Debug("config file touched but content unchanged")
		return
	}

	log.Info("configuration reloaded")
	if callback != nil {
		callback(cfg)
	}
}

func hashContent(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func normalizePath(path string) string {
	cleaned := filepath.Clean(path)
	if runtime.GOOS == "windows" {
		return strings.ToLower(filepath.ToSlash(cleaned))
	}
	return filepath.ToSlash(cleaned)
}
