package disaster

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound means the requested object does not exist in storage.
var ErrNotFound = errors.New("disaster: object not found")

// BackupInfo describes one stored object as the backend sees it.
type BackupInfo struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Storage is where backup blobs live. Keys are slash-separated paths;
// metadata is best-effort and only backends with native support keep it.
type Storage interface {
	Upload(ctx context.Context, key string, data []byte, meta map[string]string) error
	Download(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]BackupInfo, error)
	Delete(ctx context.Context, key string) error
}

// LocalStorage keeps objects in a directory tree, for single-host
// deployments and restore drills.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("disaster: create storage root: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

func (s *LocalStorage) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStorage) Upload(_ context.Context, key string, data []byte, _ map[string]string) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("disaster: create dir for %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("disaster: write %s: %w", key, err)
	}
	return nil
}

func (s *LocalStorage) Download(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("disaster: read %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalStorage) List(_ context.Context, prefix string) ([]BackupInfo, error) {
	var infos []BackupInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, BackupInfo{Key: key, Size: fi.Size(), CreatedAt: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disaster: list %s: %w", prefix, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *LocalStorage) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

type memObject struct {
	data      []byte
	meta      map[string]string
	createdAt time.Time
}

// MemoryStorage is the in-process backend for tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memObject
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memObject), now: time.Now}
}

func (s *MemoryStorage) Upload(_ context.Context, key string, data []byte, meta map[string]string) error {
	s.mu.Lock()
	s.objects[key] = memObject{
		data:      append([]byte(nil), data...),
		meta:      meta,
		createdAt: s.now(),
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Download(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemoryStorage) List(_ context.Context, prefix string) ([]BackupInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var infos []BackupInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, BackupInfo{Key: key, Size: int64(len(obj.data)), CreatedAt: obj.createdAt})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Meta returns the metadata stored with key, for tests.
func (s *MemoryStorage) Meta(key string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[key].meta
}
