// Package config resolves persona's runtime configuration from env files and
// the process environment. Precedence: process environment first, then
// ~/.persona/.env, then the project-local .env. Values already set are never
// overridden.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Load applies the env-file precedence chain to the process environment.
// Missing files are not an error.
func Load() error {
	if home, err := os.UserHomeDir(); err == nil {
		if err := applyEnvFile(filepath.Join(home, ".persona", ".env")); err != nil {
			return err
		}
	}
	return applyEnvFile(".env")
}

// IsDebug reports whether debug mode is enabled via the DEBUG variable.
func IsDebug() bool {
	switch strings.ToLower(os.Getenv("DEBUG")) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// EngineSettings holds the reasoning-engine connection parameters.
type EngineSettings struct {
	Model   string
	APIKey  string
	BaseURL string
}

// Engine resolves engine settings with the stock local-model defaults.
func Engine() EngineSettings {
	return EngineSettings{
		Model:   envOr("OPENAI_MODEL", "cogito:14b"),
		APIKey:  envOr("OPENAI_API_KEY", "ollama"),
		BaseURL: envOr("OPENAI_API_BASE", "http://localhost:11434/v1"),
	}
}

// SandboxEnv reads the allow-listed key/value pairs destined for the sandbox
// from path, defaulting to .env.sandbox in the working directory. A missing
// file yields an empty map. The values are injected into the container at
// creation time only and never enter persona's own environment.
func SandboxEnv(path string) (map[string]string, error) {
	if path == "" {
		path = ".env.sandbox"
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sandbox env: %w", err)
	}
	defer f.Close()

	vars := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseEnvLine(scanner.Text())
		if ok {
			vars[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sandbox env: %w", err)
	}
	return vars, nil
}

// SortedKeys returns the map's keys in stable order, for deterministic env
// file contents.
func SortedKeys(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func applyEnvFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// parseEnvLine splits a KEY=VALUE line, skipping blanks and # comments.
func parseEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	key, value, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	return key, strings.Trim(strings.TrimSpace(value), `"`), true
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
