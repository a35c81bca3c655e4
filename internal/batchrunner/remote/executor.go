package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
)

// Exit codes reported for outcomes other than a normal remote exit.
const (
	ExitCodeTimeout          = 124
	ExitCodeConnectionFailed = 255
	ExitCodeErrored          = -1
)

type Status int

const (
	Succeeded Status = iota
	// The remote command or copy ran and exited non-zero.
	Failed
	TimedOut
	// The ssh connection could not be made or was closed.
	ConnectionFailed
	// Something local went wrong, or the operation was interrupted.
	Errored
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timedOut"
	case ConnectionFailed:
		return "connectionFailed"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the outcome of a remote operation. Err is only set when Status is Errored.
type Result struct {
	Status   Status
	ExitCode int
	// Last lines written to stderr, for the event log.
	Stderr string
	Err    error
}

func (r Result) Ok() bool {
	return r.Status == Succeeded
}

func SucceededResult() Result {
	return Result{Status: Succeeded}
}

func TimedOutResult() Result {
	return Result{Status: TimedOut, ExitCode: ExitCodeTimeout}
}

func ErroredResult(err error) Result {
	return Result{Status: Errored, ExitCode: ExitCodeErrored, Err: err}
}

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// LineHandler receives each line of remote output as it arrives. It may be called from several goroutines.
type LineHandler func(stream Stream, line string)

// Host is how to reach an instance.
type Host struct {
	InstanceId string
	Hostname   string
	Port       int
	User       string
	Password   string
}

func HostFromSpecs(instanceId string, specs cloud.SshSpecs) Host {
	return Host{
		InstanceId: instanceId,
		Hostname:   specs.Host,
		Port:       specs.Port,
		User:       specs.User,
		Password:   specs.Password,
	}
}

// Executor runs commands on, and copies files to and from, remote instances.
// No operation runs past its limit by more than a short grace period, and none returns an error:
// every outcome, including an interrupted ctx, is reported through the Result.
type Executor interface {
	RunCommand(ctx context.Context, host Host, command string, limit time.Duration, onLine LineHandler) Result
	// Upload copies a local file or directory into the remote home directory as remoteName, preserving permissions.
	Upload(ctx context.Context, host Host, localPath string, remoteName string, limit time.Duration) Result
	// Download copies remoteName from the remote home directory into localDir/<instanceId>/.
	Download(ctx context.Context, host Host, remoteName string, localDir string, limit time.Duration) Result
}
