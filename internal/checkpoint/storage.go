package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Storage is the injected persistence capability. Implementations must be
// safe for concurrent use. Keys are slash-separated, e.g.
// "checkpoint/<sessionID>".
type Storage interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Lister is an optional extension for backends that can enumerate stored
// keys under a prefix.
type Lister interface {
	Keys(prefix string) []string
}

// NoopStorage is the storage used in contexts without a durable backend.
// Everything written to it vanishes; Get never finds anything.
type NoopStorage struct{}

func (NoopStorage) Get(string) ([]byte, bool) { return nil, false }
func (NoopStorage) Set(string, []byte) error  { return nil }
func (NoopStorage) Remove(string) error       { return nil }

// FileStorage keeps each key as a JSON blob under a root directory.
type FileStorage struct {
	root string
	mu   sync.Mutex
}

func NewFileStorage(root string) *FileStorage {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	return &FileStorage{root: root}
}

// DefaultStorageRoot mirrors XDG conventions, falling back to the home
// directory and finally the temp dir.
func DefaultStorageRoot() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "navi-client", "storage")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "navi-client", "storage")
	}
	return filepath.Join(os.TempDir(), "navi-client", "storage")
}

func (s *FileStorage) path(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = sanitize(part)
	}
	return filepath.Join(s.root, filepath.Join(parts...)+".json")
}

func sanitize(part string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.', ' ':
			return '_'
		}
		return r
	}, part)
}

func (s *FileStorage) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *FileStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, value, 0o644)
}

// Keys lists stored keys under a prefix such as "checkpoint/".
func (s *FileStorage) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(prefix, "/")+"/"+strings.TrimSuffix(name, ".json"))
	}
	return keys
}

func (s *FileStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
