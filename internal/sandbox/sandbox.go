// Package sandbox manages the Docker container commands run in and the
// bridge that executes them. The container is disposable: created on
// startup with `--rm`, kept alive by `sleep infinity`, and stopped on
// shutdown, which reclaims all of its state.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"persona/internal/config"
	"persona/internal/logging"
)

const (
	createTimeout   = 30 * time.Second
	stopTimeout     = 20 * time.Second
	livenessTimeout = 10 * time.Second
)

// Options configures a sandbox container.
type Options struct {
	// Name is the full container name, typically <base>-<pid>.
	Name string
	// Image is the container image to run.
	Image string
	// MountDir is bind-mounted at /mnt unless NoMount is set or the
	// directory does not exist.
	MountDir string
	// SkillsDir, when non-empty, is bind-mounted read-only at /skills.
	SkillsDir string
	// NoMount disables the /mnt bind mount.
	NoMount bool
	// EnvVars is the allow-listed environment injected via --env-file.
	EnvVars map[string]string
}

// Manager owns one container's lifecycle and its staged env file.
type Manager struct {
	opts    Options
	run     runner
	envFile string
}

// New builds a Manager backed by the local docker CLI.
func New(opts Options) (*Manager, error) {
	r, err := newCLIRunner()
	if err != nil {
		return nil, err
	}
	return &Manager{opts: opts, run: r}, nil
}

func newManager(opts Options, r runner) *Manager {
	return &Manager{opts: opts, run: r}
}

// Name returns the container name.
func (m *Manager) Name() string { return m.opts.Name }

// EnvFilePath returns the staged env file path, empty if none exists.
func (m *Manager) EnvFilePath() string { return m.envFile }

// EnsureRunning makes sure the container is live. It is idempotent: a
// running container is a fast no-op, a stopped one is restarted, and an
// absent one is created fresh.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	live, err := m.isLive(ctx)
	if err != nil {
		return err
	}
	if live {
		return nil
	}

	exists, err := m.exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		logging.Sandbox("resuming stopped container %s", m.opts.Name)
		return m.start(ctx)
	}

	logging.Sandbox("creating container %s from %s", m.opts.Name, m.opts.Image)
	return m.create(ctx)
}

// Stop halts the container and removes the env file. Stopping an absent
// or already-stopped container succeeds.
func (m *Manager) Stop(ctx context.Context) error {
	m.removeEnvFile()

	live, err := m.isLive(ctx)
	if err != nil {
		return err
	}
	if !live {
		return nil
	}

	_, stderr, code, err := m.run.run(ctx, stopTimeout, "stop", m.opts.Name)
	if err != nil {
		if err == errDeadline {
			return newError("stop", KindTimeout, err)
		}
		return newError("stop", KindUnavailable, err)
	}
	if code != 0 {
		// The container may have exited between the liveness check and
		// the stop; docker reports "No such container" in that case.
		if strings.Contains(stderr, "No such container") {
			return nil
		}
		return newError("stop", KindCommandFailed, fmt.Errorf("exit %d: %s", code, strings.TrimSpace(stderr)))
	}
	logging.Sandbox("stopped container %s", m.opts.Name)
	return nil
}

func (m *Manager) isLive(ctx context.Context) (bool, error) {
	stdout, stderr, code, err := m.run.run(ctx, livenessTimeout, "ps", "-q", "-f", "name="+m.opts.Name)
	if err != nil {
		if err == errDeadline {
			return false, newError("liveness", KindTimeout, err)
		}
		return false, newError("liveness", KindUnavailable, err)
	}
	if code != 0 {
		return false, newError("liveness", KindUnavailable, fmt.Errorf("exit %d: %s", code, strings.TrimSpace(stderr)))
	}
	return strings.TrimSpace(stdout) != "", nil
}

func (m *Manager) exists(ctx context.Context) (bool, error) {
	stdout, stderr, code, err := m.run.run(ctx, livenessTimeout, "ps", "-aq", "-f", "name="+m.opts.Name)
	if err != nil {
		if err == errDeadline {
			return false, newError("liveness", KindTimeout, err)
		}
		return false, newError("liveness", KindUnavailable, err)
	}
	if code != 0 {
		return false, newError("liveness", KindUnavailable, fmt.Errorf("exit %d: %s", code, strings.TrimSpace(stderr)))
	}
	return strings.TrimSpace(stdout) != "", nil
}

func (m *Manager) start(ctx context.Context) error {
	_, stderr, code, err := m.run.run(ctx, createTimeout, "start", m.opts.Name)
	if err != nil {
		if err == errDeadline {
			return newError("start", KindTimeout, err)
		}
		return newError("start", KindUnavailable, err)
	}
	if code != 0 {
		return newError("start", KindCommandFailed, fmt.Errorf("exit %d: %s", code, strings.TrimSpace(stderr)))
	}
	return nil
}

func (m *Manager) create(ctx context.Context) error {
	// Re-creation after an external reap must not orphan the previous
	// staged credentials file.
	m.removeEnvFile()
	if len(m.opts.EnvVars) > 0 {
		path, err := writeEnvFile(m.opts.EnvVars)
		if err != nil {
			return newError("create", KindIO, err)
		}
		m.envFile = path
	}

	args := buildRunArgs(m.opts, m.envFile)
	_, stderr, code, err := m.run.run(ctx, createTimeout, args...)
	if err != nil {
		m.removeEnvFile()
		if err == errDeadline {
			return newError("create", KindTimeout, err)
		}
		return newError("create", KindUnavailable, err)
	}
	if code != 0 {
		m.removeEnvFile()
		return newError("create", KindUnavailable, fmt.Errorf("exit %d: %s", code, strings.TrimSpace(stderr)))
	}
	return nil
}

// buildRunArgs assembles the docker run invocation for a fresh container.
func buildRunArgs(opts Options, envFile string) []string {
	args := []string{"run", "-d", "--rm"}
	if envFile != "" {
		args = append(args, "--env-file", envFile)
	}
	if !opts.NoMount && opts.MountDir != "" {
		if _, err := os.Stat(opts.MountDir); err == nil {
			args = append(args, "-v", opts.MountDir+":/mnt")
		} else {
			logging.SandboxWarn("mount dir %s not found, skipping /mnt", opts.MountDir)
		}
	}
	if opts.SkillsDir != "" {
		if _, err := os.Stat(opts.SkillsDir); err == nil {
			args = append(args, "-v", opts.SkillsDir+":/skills:ro")
		}
	}
	if tz := timezone(); tz != "" {
		args = append(args, "-e", "TZ="+tz)
	}
	args = append(args, "--name", opts.Name, opts.Image, "sleep", "infinity")
	return args
}

func timezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	name, _ := time.Now().Zone()
	return name
}

// writeEnvFile stages the allow-listed environment in a 0600 temp file
// for docker's --env-file flag. Values never pass through argv or logs.
func writeEnvFile(vars map[string]string) (string, error) {
	f, err := os.CreateTemp("", ".sandbox_env_*")
	if err != nil {
		return "", err
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}

	var b strings.Builder
	for _, key := range config.SortedKeys(vars) {
		fmt.Fprintf(&b, "%s=%s\n", key, vars[key])
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (m *Manager) removeEnvFile() {
	if m.envFile == "" {
		return
	}
	if err := os.Remove(m.envFile); err != nil && !os.IsNotExist(err) {
		logging.SandboxWarn("env file cleanup: %v", err)
	}
	m.envFile = ""
}
