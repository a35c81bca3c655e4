//go:build !windows

package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSsh runs its last argument locally, after recording its arguments.
const fakeSsh = `#!/bin/sh
echo "$@" > "%ARGS%"
for last; do :; done
exec /bin/sh -c "$last"
`

func writeScript(t *testing.T, dir string, name string, body string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func testExecutor(t *testing.T) (*SSHExecutor, string) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	config := DefaultSSHConfig(filepath.Join(dir, "known_hosts"))
	config.SshBinary = writeScript(t, dir, "ssh", strings.ReplaceAll(fakeSsh, "%ARGS%", argsFile))
	config.KillGrace = time.Second
	return NewSSHExecutor(config), argsFile
}

var testHost = Host{InstanceId: "i-1", Hostname: "host-1.example.com", Port: 10001, User: "root"}

type capturedLines struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
}

func (c *capturedLines) handle(stream Stream, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream == Stdout {
		c.stdout = append(c.stdout, line)
	} else {
		c.stderr = append(c.stderr, line)
	}
}

func TestRunCommand_StreamsOutput(t *testing.T) {
	executor, argsFile := testExecutor(t)
	lines := &capturedLines{}

	result := executor.RunCommand(context.Background(), testHost, "echo hello; echo world; echo warning >&2", time.Minute, lines.handle)

	assert.Equal(t, Succeeded, result.Status)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, []string{"hello", "world"}, lines.stdout)
	assert.Equal(t, []string{"warning"}, lines.stderr)
	assert.Equal(t, "warning", result.Stderr)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "-p 10001")
	assert.Contains(t, string(args), "ServerAliveInterval=360")
	assert.Contains(t, string(args), "root@host-1.example.com")
}

func TestRunCommand_ExitCodes(t *testing.T) {
	tests := map[string]struct {
		command        string
		expectedStatus Status
		expectedCode   int
	}{
		"success":            {command: "true", expectedStatus: Succeeded, expectedCode: 0},
		"failure":            {command: "exit 3", expectedStatus: Failed, expectedCode: 3},
		"connection failure": {command: "exit 255", expectedStatus: ConnectionFailed, expectedCode: ExitCodeConnectionFailed},
		"connection closed": {
			command:        "echo 'Connection to host-1 closed by remote host.' >&2; exit 1",
			expectedStatus: ConnectionFailed,
			expectedCode:   ExitCodeConnectionFailed,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			executor, _ := testExecutor(t)
			result := executor.RunCommand(context.Background(), testHost, tc.command, time.Minute, nil)
			assert.Equal(t, tc.expectedStatus, result.Status)
			assert.Equal(t, tc.expectedCode, result.ExitCode)
			assert.NoError(t, result.Err)
		})
	}
}

func TestRunCommand_TimesOut(t *testing.T) {
	executor, _ := testExecutor(t)

	start := time.Now()
	result := executor.RunCommand(context.Background(), testHost, "sleep 30", 200*time.Millisecond, nil)

	assert.Equal(t, TimedOut, result.Status)
	assert.Equal(t, ExitCodeTimeout, result.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCommand_Interrupted(t *testing.T) {
	executor, _ := testExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	result := executor.RunCommand(ctx, testHost, "sleep 30", time.Minute, nil)

	assert.Equal(t, Errored, result.Status)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestRunCommand_NotStartedAfterCancel(t *testing.T) {
	executor, argsFile := testExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := executor.RunCommand(ctx, testHost, "true", time.Minute, nil)

	assert.Equal(t, Errored, result.Status)
	assert.NoFileExists(t, argsFile)
}

func TestRunCommand_MissingBinary(t *testing.T) {
	executor := NewSSHExecutor(SSHConfig{SshBinary: filepath.Join(t.TempDir(), "missing"), KillGrace: time.Second})

	result := executor.RunCommand(context.Background(), testHost, "true", time.Minute, nil)

	assert.Equal(t, Errored, result.Status)
	assert.Error(t, result.Err)
}

func TestRunCommand_PasswordUsesSshpass(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "env")
	config := DefaultSSHConfig("")
	config.SshpassBinary = writeScript(t, dir, "sshpass", "#!/bin/sh\necho \"$1 $2 $SSHPASS\" > \""+envFile+"\"\n")
	config.KillGrace = time.Second
	executor := NewSSHExecutor(config)
	host := testHost
	host.Password = "secret"

	result := executor.RunCommand(context.Background(), host, "true", time.Minute, nil)

	assert.Equal(t, Succeeded, result.Status)
	written, err := os.ReadFile(envFile)
	require.NoError(t, err)
	assert.Equal(t, "-e ssh secret\n", string(written))
}

func TestDownload_CreatesInstanceDirectory(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	config := DefaultSSHConfig("")
	config.ScpBinary = writeScript(t, dir, "scp", "#!/bin/sh\necho \"$@\" > \""+argsFile+"\"\n")
	config.KillGrace = time.Second
	executor := NewSSHExecutor(config)
	outDir := filepath.Join(dir, "out")

	result := executor.Download(context.Background(), testHost, "rendered_000001.png", outDir, time.Minute)

	assert.Equal(t, Succeeded, result.Status)
	assert.DirExists(t, filepath.Join(outDir, "i-1"))
	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "-P 10001")
	assert.Contains(t, string(args), "-rp root@host-1.example.com:~/rendered_000001.png "+filepath.Join(outDir, "i-1")+"/")
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	config := DefaultSSHConfig("/tmp/kh")
	config.RsyncBinary = writeScript(t, dir, "rsync", "#!/bin/sh\necho \"$@\" > \""+argsFile+"\"\n")
	config.KillGrace = time.Second
	executor := NewSSHExecutor(config)
	local := filepath.Join(dir, "input.tar")
	require.NoError(t, os.WriteFile(local, []byte("data"), 0o644))

	result := executor.Upload(context.Background(), testHost, local, "input.tar", time.Minute)

	assert.Equal(t, Succeeded, result.Status)
	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t,
		"-acq -e ssh -p 10001 -o ServerAliveInterval=360 -o ServerAliveCountMax=3 -o UserKnownHostsFile=/tmp/kh "+local+" root@host-1.example.com:~/input.tar\n",
		string(args))
}

func TestUpload_MissingLocalFile(t *testing.T) {
	executor, _ := testExecutor(t)

	result := executor.Upload(context.Background(), testHost, filepath.Join(t.TempDir(), "missing"), "missing", time.Minute)

	assert.Equal(t, Errored, result.Status)
}

func TestLineWriter_SplitsAcrossWrites(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })

	_, _ = w.Write([]byte("par"))
	_, _ = w.Write([]byte("tial\r\nsecond\nthi"))
	w.Flush()

	assert.Equal(t, []string{"partial", "second", "thi"}, lines)
}
