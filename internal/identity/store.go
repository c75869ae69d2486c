package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "p2pdrop"
	// identityFileName is the persisted identity file.
	identityFileName = "identity.json"
)

// Store persists the device id across process restarts.
// Load returns an empty id and a nil error when nothing is stored yet.
type Store interface {
	Load() (string, error)
	Save(id string) error
}

// MemoryStore keeps the id in memory only.
type MemoryStore struct {
	mu sync.Mutex
	id string
}

func (m *MemoryStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *MemoryStore) Save(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	return nil
}

type identityFile struct {
	DeviceID string `json:"device_id"`
}

// FileStore persists the id as JSON in Dir.
type FileStore struct {
	Dir string
}

// NewFileStore returns a FileStore rooted at dir, or at ResolveDataDir when
// dir is empty.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	return &FileStore{Dir: dir}, nil
}

// Path returns the full path of the identity file.
func (f *FileStore) Path() string {
	return filepath.Join(f.Dir, identityFileName)
}

func (f *FileStore) Load() (string, error) {
	raw, err := os.ReadFile(f.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read identity: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return "", fmt.Errorf("parse identity: %w", err)
	}
	return file.DeviceID, nil
}

func (f *FileStore) Save(id string) error {
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", f.Dir, err)
	}

	raw, err := json.MarshalIndent(identityFile{DeviceID: id}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(f.Path(), raw, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If P2PDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("P2PDROP_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}
