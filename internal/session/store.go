package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"persona/internal/logging"
)

// LatestName is the reserved session name overwritten by autosave.
const LatestName = "latest"

var (
	// ErrNotFound means the named session has no backing file.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt means the backing file exists but cannot be decoded.
	ErrCorrupt = errors.New("session file corrupt")
)

// Store persists sessions as JSON files in a single directory. It is not
// safe for concurrent multi-process writers; last writer wins.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed. An empty
// dir selects the platform default under the user config directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve session dir: %w", err)
		}
		dir = filepath.Join(base, "persona", "sessions")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the session directory.
func (s *Store) Dir() string { return s.dir }

// GenerateName returns a timestamp-derived session name.
func (s *Store) GenerateName() string {
	return time.Now().Format("session_20060102_150405")
}

// Path returns the session file path for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Save writes the full history as one atomic file write and returns the
// session name used. An empty name generates a timestamp-derived one.
func (s *Store) Save(history History, name string) (string, error) {
	if name == "" {
		name = s.GenerateName()
	}

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.json.tmp")
	if err != nil {
		return "", fmt.Errorf("save session %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("save session %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("save session %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, s.Path(name)); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("save session %s: %w", name, err)
	}

	logging.SessionDebug("saved session %s (%d messages)", name, len(history))
	return name, nil
}

// SaveLatest writes the history to the reserved autosave session.
func (s *Store) SaveLatest(history History) error {
	_, err := s.Save(history, LatestName)
	return err
}

// Load reads the named session in full. A missing file yields ErrNotFound;
// a file that exists but cannot be decoded yields ErrCorrupt. Load never
// returns a partial history.
func (s *Store) Load(name string) (History, error) {
	data, err := os.ReadFile(s.Path(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", name, err)
	}

	var history History
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	// json.Unmarshal leaves the target untouched for a literal null, so a
	// nil result here means the document was not a message array.
	if history == nil {
		return nil, fmt.Errorf("%w: %s: document is not a message array", ErrCorrupt, name)
	}

	logging.SessionDebug("loaded session %s (%d messages)", name, len(history))
	return history, nil
}

// Exists reports whether the named session has a backing file.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Delete removes a session file, reporting whether it existed.
func (s *Store) Delete(name string) (bool, error) {
	err := os.Remove(s.Path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", name, err)
	}
	return true, nil
}

// List returns all session names, most recently modified first. Equal
// timestamps fall back to name order so the listing is deterministic.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	type item struct {
		name  string
		mtime time.Time
	}
	items := make([]item, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		items = append(items, item{
			name:  strings.TrimSuffix(entry.Name(), ".json"),
			mtime: info.ModTime(),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].mtime.Equal(items[j].mtime) {
			return items[i].mtime.After(items[j].mtime)
		}
		return items[i].name < items[j].name
	})

	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.name
	}
	return names, nil
}
