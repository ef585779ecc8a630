package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Input history is the list of raw lines the user typed, kept per session
// for recall. It is a separate plain-text log, one line per entry,
// deduplicated on merge and switched wholesale when the active session
// changes.

// InputHistoryPath returns the input-history file path for a session name.
func (s *Store) InputHistoryPath(name string) string {
	return filepath.Join(s.dir, name+"_commands.txt")
}

// LoadInputHistory reads a session's input history. A missing file yields
// an empty slice.
func (s *Store) LoadInputHistory(name string) ([]string, error) {
	f, err := os.Open(s.InputHistoryPath(name))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load input history %s: %w", name, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load input history %s: %w", name, err)
	}
	return lines, nil
}

// MergeInputHistory appends lines not already present in the session's
// history log. The merge is a union; existing entries are never rewritten.
func (s *Store) MergeInputHistory(name string, lines []string) error {
	existing, err := s.LoadInputHistory(name)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, line := range existing {
		seen[line] = struct{}{}
	}

	f, err := os.OpenFile(s.InputHistoryPath(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("merge input history %s: %w", name, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("merge input history %s: %w", name, err)
		}
		seen[line] = struct{}{}
	}
	return w.Flush()
}
