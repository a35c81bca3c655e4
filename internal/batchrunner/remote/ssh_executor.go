package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Stderr text that means the connection rather than the command failed.
var connectionFailureMarkers = []string{
	"closed by remote host",
	"Connection refused",
	"Connection timed out",
	"Connection reset",
	"No route to host",
	"Could not resolve hostname",
	"Host key verification failed",
}

const stderrTailLines = 20

type SSHConfig struct {
	SshBinary     string
	ScpBinary     string
	RsyncBinary   string
	SshpassBinary string
	// Passed to every ssh invocation as UserKnownHostsFile when set.
	KnownHostsFile string
	// How long a killed process has to exit, and its output to drain, before Wait gives up on it.
	KillGrace time.Duration
}

func DefaultSSHConfig(knownHostsFile string) SSHConfig {
	return SSHConfig{
		SshBinary:      "ssh",
		ScpBinary:      "scp",
		RsyncBinary:    "rsync",
		SshpassBinary:  "sshpass",
		KnownHostsFile: knownHostsFile,
		KillGrace:      5 * time.Second,
	}
}

// SSHExecutor runs the system ssh, rsync and scp clients.
// Password authenticated hosts are reached through sshpass, with the password passed in the environment.
type SSHExecutor struct {
	config SSHConfig
}

func NewSSHExecutor(config SSHConfig) *SSHExecutor {
	return &SSHExecutor{config: config}
}

func (e *SSHExecutor) RunCommand(ctx context.Context, host Host, command string, limit time.Duration, onLine LineHandler) Result {
	args := append(e.sshOptions("-p", host.Port), userAtHost(host), command)
	return e.run(ctx, host, e.config.SshBinary, args, limit, onLine)
}

func (e *SSHExecutor) Upload(ctx context.Context, host Host, localPath string, remoteName string, limit time.Duration) Result {
	if _, err := os.Stat(localPath); err != nil {
		return ErroredResult(errors.WithStack(err))
	}
	shell := strings.Join(append([]string{e.config.SshBinary}, e.sshOptions("-p", host.Port)...), " ")
	args := []string{"-acq", "-e", shell, localPath, fmt.Sprintf("%s:~/%s", userAtHost(host), remoteName)}
	return e.run(ctx, host, e.config.RsyncBinary, args, limit, nil)
}

func (e *SSHExecutor) Download(ctx context.Context, host Host, remoteName string, localDir string, limit time.Duration) Result {
	destDir := filepath.Join(localDir, host.InstanceId)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return ErroredResult(errors.WithStack(err))
	}
	args := append(e.sshOptions("-P", host.Port), "-rp", fmt.Sprintf("%s:~/%s", userAtHost(host), remoteName), destDir+"/")
	return e.run(ctx, host, e.config.ScpBinary, args, limit, nil)
}

func (e *SSHExecutor) sshOptions(portFlag string, port int) []string {
	opts := []string{
		portFlag, fmt.Sprintf("%d", port),
		"-o", "ServerAliveInterval=360",
		"-o", "ServerAliveCountMax=3",
	}
	if e.config.KnownHostsFile != "" {
		opts = append(opts, "-o", "UserKnownHostsFile="+e.config.KnownHostsFile)
	}
	return opts
}

func userAtHost(host Host) string {
	return fmt.Sprintf("%s@%s", host.User, host.Hostname)
}

func (e *SSHExecutor) run(ctx context.Context, host Host, name string, args []string, limit time.Duration, onLine LineHandler) Result {
	if err := ctx.Err(); err != nil {
		return ErroredResult(errors.Wrap(err, "not started"))
	}
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	env := os.Environ()
	if host.Password != "" {
		args = append([]string{"-e", name}, args...)
		name = e.config.SshpassBinary
		env = append(env, "SSHPASS="+host.Password)
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = env
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		return terminateCommandProcess(cmd)
	}
	cmd.WaitDelay = e.config.KillGrace

	tail := &lineTail{max: stderrTailLines}
	stdout := newLineWriter(func(line string) {
		if onLine != nil {
			onLine(Stdout, line)
		}
	})
	stderr := newLineWriter(func(line string) {
		tail.add(line)
		if onLine != nil {
			onLine(Stderr, line)
		}
	})
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.WithField("instanceId", host.InstanceId).Debugf("running %s %s", name, strings.Join(args, " "))
	waitErr := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	return classify(ctx, runCtx, waitErr, tail.String())
}

func classify(parent context.Context, runCtx context.Context, waitErr error, stderr string) Result {
	if runCtx.Err() != nil {
		if errors.Is(parent.Err(), context.Canceled) {
			return Result{Status: Errored, ExitCode: ExitCodeErrored, Stderr: stderr, Err: errors.Wrap(parent.Err(), "interrupted")}
		}
		return Result{Status: TimedOut, ExitCode: ExitCodeTimeout, Stderr: stderr}
	}
	if waitErr == nil {
		return Result{Status: Succeeded, Stderr: stderr}
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return Result{Status: Errored, ExitCode: ExitCodeErrored, Stderr: stderr, Err: errors.WithStack(waitErr)}
	}
	code := exitErr.ExitCode()
	if code < 0 {
		return Result{Status: Errored, ExitCode: ExitCodeErrored, Stderr: stderr, Err: errors.WithStack(waitErr)}
	}
	if code == ExitCodeConnectionFailed || connectionFailed(stderr) {
		return Result{Status: ConnectionFailed, ExitCode: ExitCodeConnectionFailed, Stderr: stderr}
	}
	return Result{Status: Failed, ExitCode: code, Stderr: stderr}
}

func connectionFailed(stderr string) bool {
	for _, marker := range connectionFailureMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// lineWriter splits written bytes into lines. exec copies each stream from a single goroutine.
type lineWriter struct {
	partial []byte
	onLine  func(string)
}

func newLineWriter(onLine func(string)) *lineWriter {
	return &lineWriter{onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.onLine(strings.TrimRight(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	if len(w.partial) > 0 {
		w.onLine(strings.TrimRight(string(w.partial), "\r"))
		w.partial = nil
	}
}

type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
