package auth

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
)

// FileTokenStore persists token records using the filesystem as backing
// storage. Each site gets one JSON file named after its host, so multiple
// Frappe deployments can be authenticated side by side.
type FileTokenStore struct {
	mu      sync.Mutex
	dirLock sync.RWMutex
	baseDir string
}

// NewFileTokenStore creates a token store rooted at the given directory.
func NewFileTokenStore(baseDir string) *FileTokenStore {
	return &FileTokenStore{baseDir: strings.TrimSpace(baseDir)}
}

// SetBaseDir updates the directory used for token file persistence.
func (s *FileTokenStore) SetBaseDir(dir string) {
	s.dirLock.Lock()
	s.baseDir = strings.TrimSpace(dir)
	s.dirLock.Unlock()
}

func (s *FileTokenStore) baseDirSnapshot() string {
	s.dirLock.RLock()
	defer s.dirLock.RUnlock()
	return s.baseDir
}

// PathForSite resolves the token file path for a site base URL.
func (s *FileTokenStore) PathForSite(site string) (string, error) {
	dir := s.baseDirSnapshot()
	if dir == "" {
		return "", fmt.Errorf("token filestore: directory not configured")
	}
	name, err := FileNameForSite(site)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Save persists the record's token storage to the resolved token file path.
func (s *FileTokenStore) Save(ctx context.Context, record *Record) (string, error) {
	if record == nil {
		return "", fmt.Errorf("token filestore: record is nil")
	}
	if record.Storage == nil {
		return "", fmt.Errorf("token filestore: nothing to persist for %s", record.ID)
	}

	path, err := s.PathForSite(record.Site)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = record.Storage.SaveTokenToFile(path); err != nil {
		return "", err
	}

	if strings.TrimSpace(record.FileName) == "" {
		record.FileName = filepath.Base(path)
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = record.FileName
	}
	return path, nil
}

// Load reads the token storage for the given site.
func (s *FileTokenStore) Load(ctx context.Context, site string) (*frappe.FrappeTokenStorage, error) {
	path, err := s.PathForSite(site)
	if err != nil {
		return nil, err
	}
	return frappe.LoadTokenFromFile(path)
}

// List enumerates all token JSON files under the configured directory.
func (s *FileTokenStore) List(ctx context.Context) ([]*Record, error) {
	dir := s.baseDirSnapshot()
	if dir == "" {
		return nil, fmt.Errorf("token filestore: directory not configured")
	}
	records := make([]*Record, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			return nil
		}
		storage, errLoad := frappe.LoadTokenFromFile(path)
		if errLoad != nil || storage.Type != "frappe" {
			return nil
		}
		records = append(records, &Record{
			ID:       d.Name(),
			Provider: storage.Type,
			Site:     storage.Site,
			FileName: d.Name(),
			Storage:  storage,
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, err
	}
	return records, nil
}

// FileNameForSite derives the token file name from a site base URL. The host
// and optional port form the base; path segments are ignored since a Frappe
// deployment is addressed by host.
func FileNameForSite(site string) (string, error) {
	trimmed := strings.TrimSpace(site)
	if trimmed == "" {
		return "", fmt.Errorf("token filestore: site is empty")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("token filestore: invalid site URL %q", site)
	}
	host := strings.ReplaceAll(parsed.Host, ":", "-")
	return host + ".json", nil
}
