package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// ErrCorrupt is returned by Load when the state file cannot be decoded.
var ErrCorrupt = errors.New("checkpoint: state file is corrupt")

type state struct {
	Offsets map[string]int64 `json:"offsets"`
}

// Store persists the last consumed byte offset of every tailed file.
// The whole map is rewritten on each Save through a temp file and rename,
// so a crash leaves either the previous or the new map on disk.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open returns a store backed by path. The file is not touched until Load
// or Save is called.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("checkpoint: path is empty")
	}
	return &Store{path: path}, nil
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Load reads the offsets map. A missing or empty file yields an empty map.
func (s *Store) Load() (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return map[string]int64{}, nil
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	offsets := make(map[string]int64, len(st.Offsets))
	for path, off := range st.Offsets {
		if off < 0 {
			return nil, fmt.Errorf("%w: %s: negative offset %d for %s", ErrCorrupt, s.path, off, path)
		}
		offsets[path] = off
	}
	return offsets, nil
}

// Save atomically replaces the state file with offsets.
func (s *Store) Save(offsets map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offsets == nil {
		offsets = map[string]int64{}
	}
	payload, err := json.Marshal(state{Offsets: offsets})
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	payload = append(payload, '\n')

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, defaultDirMode); err != nil {
			return fmt.Errorf("checkpoint: mkdir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("checkpoint: open tmp: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint: sync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint: close tmp: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}
