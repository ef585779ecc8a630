package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"persona/internal/logging"
)

// runner invokes the docker CLI. Abstracted so lifecycle and bridge logic
// can be exercised against a scripted fake.
type runner interface {
	// run executes `docker args...` bounded by timeout. A non-zero exit is
	// not an error; it is reported through exitCode. err is reserved for
	// launch failures, cancellation, and deadline overruns.
	run(ctx context.Context, timeout time.Duration, args ...string) (stdout, stderr string, exitCode int, err error)
}

// errDeadline marks a run that hit its timeout bound.
var errDeadline = errors.New("docker command timed out")

// cliRunner shells out to the docker binary, the same way the host would.
type cliRunner struct {
	dockerPath string
}

func newCLIRunner() (*cliRunner, error) {
	path, err := exec.LookPath("docker")
	if err != nil {
		return nil, newError("detect", KindUnavailable, err)
	}
	return &cliRunner{dockerPath: path}, nil
}

func (r *cliRunner) run(ctx context.Context, timeout time.Duration, args ...string) (string, string, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.dockerPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	logging.SandboxDebug("docker %v (timeout=%s)", args, timeout)
	err := cmd.Run()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return stdout, stderr, -1, errDeadline
		}
		if runCtx.Err() == context.Canceled {
			return stdout, stderr, -1, context.Canceled
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		return stdout, stderr, -1, err
	}
	return stdout, stderr, 0, nil
}
