package fake

import (
	"context"
	"sync"
	"time"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/remote"
)

const (
	RunKind      = "run"
	UploadKind   = "upload"
	DownloadKind = "download"
)

type Call struct {
	Kind       string
	InstanceId string
	// Command for runs, remote name for copies.
	Target string
}

type (
	RunFunc      func(ctx context.Context, host remote.Host, command string, limit time.Duration, onLine remote.LineHandler) remote.Result
	TransferFunc func(ctx context.Context, host remote.Host, remoteName string, limit time.Duration) remote.Result
)

// FakeExecutor records every call and answers from the configured funcs. Nil funcs succeed.
type FakeExecutor struct {
	OnRun      RunFunc
	OnUpload   TransferFunc
	OnDownload TransferFunc

	mu    sync.Mutex
	calls []Call
}

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{}
}

func (e *FakeExecutor) RunCommand(ctx context.Context, host remote.Host, command string, limit time.Duration, onLine remote.LineHandler) remote.Result {
	e.record(RunKind, host, command)
	if e.OnRun == nil {
		return remote.SucceededResult()
	}
	return e.OnRun(ctx, host, command, limit, onLine)
}

func (e *FakeExecutor) Upload(ctx context.Context, host remote.Host, _ string, remoteName string, limit time.Duration) remote.Result {
	e.record(UploadKind, host, remoteName)
	if e.OnUpload == nil {
		return remote.SucceededResult()
	}
	return e.OnUpload(ctx, host, remoteName, limit)
}

func (e *FakeExecutor) Download(ctx context.Context, host remote.Host, remoteName string, _ string, limit time.Duration) remote.Result {
	e.record(DownloadKind, host, remoteName)
	if e.OnDownload == nil {
		return remote.SucceededResult()
	}
	return e.OnDownload(ctx, host, remoteName, limit)
}

func (e *FakeExecutor) record(kind string, host remote.Host, target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Call{Kind: kind, InstanceId: host.InstanceId, Target: target})
}

func (e *FakeExecutor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	calls := make([]Call, len(e.calls))
	copy(calls, e.calls)
	return calls
}

// CallsOf returns the targets of every call of the given kind, in call order.
func (e *FakeExecutor) CallsOf(kind string, instanceId string) []string {
	var targets []string
	for _, call := range e.Calls() {
		if call.Kind == kind && (instanceId == "" || call.InstanceId == instanceId) {
			targets = append(targets, call.Target)
		}
	}
	return targets
}

// Fail returns a RunFunc that exits with rc.
func Fail(rc int) RunFunc {
	return func(context.Context, remote.Host, string, time.Duration, remote.LineHandler) remote.Result {
		return remote.Result{Status: remote.Failed, ExitCode: rc}
	}
}

// Hang returns a RunFunc that never finishes on its own and so ends at its limit or when ctx is done.
func Hang() RunFunc {
	return func(ctx context.Context, _ remote.Host, _ string, limit time.Duration, _ remote.LineHandler) remote.Result {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		select {
		case <-timer.C:
			return remote.TimedOutResult()
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return remote.TimedOutResult()
			}
			return remote.ErroredResult(ctx.Err())
		}
	}
}

// Print returns a RunFunc that emits lines on stdout and succeeds.
func Print(lines ...string) RunFunc {
	return func(_ context.Context, _ remote.Host, _ string, _ time.Duration, onLine remote.LineHandler) remote.Result {
		for _, line := range lines {
			if onLine != nil {
				onLine(remote.Stdout, line)
			}
		}
		return remote.SucceededResult()
	}
}
