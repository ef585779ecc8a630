// Package skills indexes skill definitions for the reasoning engine. A
// skill is a directory containing a SKILL.md file with YAML frontmatter
// (name, description) followed by instructions. The index is rendered as
// an XML block for the system prompt, with locations translated to the
// container-side /skills mount.
package skills

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"persona/internal/logging"
)

// Skill is one indexed skill.
type Skill struct {
	Name        string
	Description string
	// Location is the container-side path to the skill file.
	Location string

	hostPath string
}

// Library holds the indexed skills of one directory tree.
type Library struct {
	dir string

	mu     sync.RWMutex
	skills []Skill
}

// NewLibrary indexes dir and returns the library. A missing directory
// yields an empty library, not an error.
func NewLibrary(dir string) (*Library, error) {
	l := &Library{dir: dir}
	if err := l.Reindex(); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir returns the host-side skills directory.
func (l *Library) Dir() string { return l.dir }

// Reindex re-walks the directory tree for SKILL.md files. Files that
// fail to parse are skipped with a warning; they never break the index.
func (l *Library) Reindex() error {
	var found []Skill
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "SKILL.md" {
			return nil
		}
		skill, perr := parseSkillFile(l.dir, path)
		if perr != nil {
			logging.SkillsWarn("skipping %s: %v", path, perr)
			return nil
		}
		found = append(found, skill)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			err = nil
		} else {
			return fmt.Errorf("index skills: %w", err)
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })

	l.mu.Lock()
	l.skills = found
	l.mu.Unlock()
	logging.Skills("indexed %d skills under %s", len(found), l.dir)
	return nil
}

// List returns the indexed skills, sorted by name.
func (l *Library) List() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, len(l.skills))
	copy(out, l.skills)
	return out
}

// XML renders the index as skill elements for the system prompt. An
// empty library renders as an empty string.
func (l *Library) XML() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var b strings.Builder
	for i, s := range l.skills {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "<skill><name>%s</name><description>%s</description><location>%s</location></skill>",
			escape(s.Name), escape(s.Description), escape(s.Location))
	}
	return b.String()
}

// Read returns the full instructions of a skill by name.
func (l *Library) Read(name string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, s := range l.skills {
		if s.Name == name {
			body, err := os.ReadFile(s.hostPath)
			if err != nil {
				return "", fmt.Errorf("read skill %s: %w", name, err)
			}
			return string(body), nil
		}
	}
	return "", fmt.Errorf("skill not found: %s", name)
}

// Watch re-indexes on SKILL.md changes and invokes onChange after each
// successful reindex. Blocks until ctx is cancelled.
func (l *Library) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch skills: %w", err)
	}
	defer watcher.Close()

	// fsnotify is not recursive; watch every directory in the tree.
	addTree := func() {
		_ = filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if werr := watcher.Add(path); werr != nil {
				logging.SkillsWarn("watch %s: %v", path, werr)
			}
			return nil
		})
	}
	addTree()

	// Debounce rapid saves into one reindex.
	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, serr := os.Stat(event.Name); serr == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.SkillsWarn("watcher: %v", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := l.Reindex(); err != nil {
				logging.SkillsWarn("reindex: %v", err)
				continue
			}
			addTree()
			if onChange != nil {
				onChange()
			}
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) == "SKILL.md" {
		return true
	}
	// Directory creation may bring new skills with it.
	return event.Op&fsnotify.Create != 0
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func parseSkillFile(root, path string) (Skill, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}

	fm, err := parseFrontmatter(string(body))
	if err != nil {
		return Skill{}, err
	}
	if fm.Name == "" {
		return Skill{}, fmt.Errorf("frontmatter has no name")
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Skill{}, err
	}
	return Skill{
		Name:        fm.Name,
		Description: fm.Description,
		Location:    "/skills/" + filepath.ToSlash(rel),
		hostPath:    path,
	}, nil
}

func parseFrontmatter(body string) (frontmatter, error) {
	var fm frontmatter
	rest, ok := strings.CutPrefix(body, "---\n")
	if !ok {
		return fm, fmt.Errorf("missing frontmatter delimiter")
	}
	yamlDoc, _, ok := strings.Cut(rest, "\n---")
	if !ok {
		return fm, fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal([]byte(yamlDoc), &fm); err != nil {
		return fm, fmt.Errorf("frontmatter: %w", err)
	}
	return fm, nil
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
