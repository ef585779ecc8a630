package sandbox

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"persona/internal/logging"
)

const (
	execTimeout = 30 * time.Second
	copyTimeout = 10 * time.Second
)

// Output is the result of a command run inside the sandbox.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Combined renders the output as the single string handed back to the
// reasoning engine.
func (o Output) Combined() string {
	if o.TimedOut {
		return "Command timed out"
	}
	s := o.Stdout
	if o.Stderr != "" {
		s += "\nSTDERR: " + o.Stderr
	}
	return s
}

// Bridge executes commands and writes files inside the managed container.
// It holds no state of its own; every call re-verifies the container so a
// sandbox that died mid-session is recreated transparently.
type Bridge struct {
	mgr *Manager
}

// NewBridge returns a Bridge bound to mgr's container.
func NewBridge(mgr *Manager) *Bridge {
	return &Bridge{mgr: mgr}
}

// Exec runs a shell command in the sandbox. A non-zero exit or a timeout
// is not an error; both are reported through Output.
func (b *Bridge) Exec(ctx context.Context, command string) (Output, error) {
	if err := b.mgr.EnsureRunning(ctx); err != nil {
		return Output{}, err
	}

	logging.SandboxDebug("exec in %s: %s", b.mgr.Name(), command)
	stdout, stderr, code, err := b.mgr.run.run(ctx, execTimeout,
		"exec", b.mgr.Name(), "bash", "-c", command)
	if err != nil {
		if err == errDeadline {
			return Output{Stdout: stdout, Stderr: stderr, ExitCode: -1, TimedOut: true}, nil
		}
		return Output{}, newError("exec", KindUnavailable, err)
	}
	return Output{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

// WriteFile stages content locally and copies it into the sandbox at
// path. Returns the number of bytes written.
func (b *Bridge) WriteFile(ctx context.Context, path, content string) (int, error) {
	if err := b.mgr.EnsureRunning(ctx); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp("", "sandbox_file_*")
	if err != nil {
		return 0, newError("write", KindIO, err)
	}
	defer os.Remove(tmp.Name())

	n, err := tmp.WriteString(content)
	if err != nil {
		tmp.Close()
		return 0, newError("write", KindIO, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, newError("write", KindIO, err)
	}

	_, stderr, code, err := b.mgr.run.run(ctx, copyTimeout,
		"cp", tmp.Name(), b.mgr.Name()+":"+path)
	if err != nil {
		if err == errDeadline {
			return 0, newError("write", KindTimeout, err)
		}
		return 0, newError("write", KindUnavailable, err)
	}
	if code != 0 {
		return 0, newError("write", KindCommandFailed, fmt.Errorf("docker cp exit %d: %s", code, strings.TrimSpace(stderr)))
	}
	logging.SandboxDebug("wrote %d bytes to %s:%s", n, b.mgr.Name(), path)
	return n, nil
}
