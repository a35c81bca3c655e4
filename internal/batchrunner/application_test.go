package batchrunner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	cloudfake "github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud/fake"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/configuration"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/jobdir"
	remotefake "github.com/neocortix/ncscli-sub000/internal/batchrunner/remote/fake"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/reporter"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/state"
	"github.com/neocortix/ncscli-sub000/internal/common"
	"github.com/neocortix/ncscli-sub000/internal/common/batchcontext"
	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
)

type fixture struct {
	config   configuration.BatchRunnerConfiguration
	cloud    *cloudfake.FakeClient
	executor *remotefake.FakeExecutor
}

func newFixture(t *testing.T, nFrames int, nWorkers int) *fixture {
	base := t.TempDir()
	publicKeyFile := filepath.Join(base, "id_rsa.pub")
	require.NoError(t, os.WriteFile(publicKeyFile, []byte("ssh-rsa AAAAB3NzaC1yc2E test@example\n"), 0o644))

	return &fixture{
		config: configuration.BatchRunnerConfiguration{
			AuthToken:          "token",
			JobName:            "test",
			OutDataDir:         filepath.Join(base, "out"),
			StartFrame:         1,
			EndFrame:           nFrames,
			FrameStep:          1,
			TimeLimit:          time.Hour,
			FrameTimeLimit:     time.Minute,
			InstTimeLimit:      time.Minute,
			DeadlineGrace:      time.Second,
			NWorkers:           nWorkers,
			AutoscaleInit:      1,
			AutoscaleMin:       1,
			AutoscaleMax:       1,
			Launch:             true,
			Filter:             map[string]interface{}{},
			InstallParallelism: 4,
			Ssh: configuration.SshConfiguration{
				PublicKeyFile:  publicKeyFile,
				KnownHostsFile: filepath.Join(base, "known_hosts"),
			},
			Cloud: configuration.CloudConfiguration{
				Url:               "https://cloud.example.com/cloud-api/",
				RequestsPerSecond: 5,
				Burst:             1,
				LaunchTimeout:     time.Minute,
			},
			Intervals: configuration.IntervalConfiguration{
				ClaimPoll:      10 * time.Millisecond,
				FailureBackoff: time.Millisecond,
				Autoscale:      10 * time.Millisecond,
			},
			Processor: configuration.ProcessorConfiguration{Type: "hostname", Params: map[string]interface{}{}},
			Logging:   common.LoggingConfig{Level: "info", Format: "text"},
		},
		cloud:    cloudfake.NewFakeClient(10),
		executor: remotefake.NewFakeExecutor(),
	}
}

func (f *fixture) run(ctx *batchcontext.Context, stop <-chan struct{}) (int, error) {
	return NewRunner(f.config, Services{
		Client:   f.cloud,
		Executor: f.executor,
		Clock:    clock.RealClock{},
	}).Run(ctx, stop)
}

func (f *fixture) events(t *testing.T) []reporter.Event {
	events, err := reporter.ReadEvents(filepath.Join(f.config.OutDataDir, "test_results.jlog"))
	require.NoError(t, err)
	return events
}

// operation returns the value of the last op recorded, if any.
func (f *fixture) operation(t *testing.T, op string) (interface{}, bool) {
	var value interface{}
	found := false
	for _, event := range f.events(t) {
		if args, ok := event.Operation(); ok {
			if v, ok := args[op]; ok {
				value, found = v, true
			}
		}
	}
	return value, found
}

func (f *fixture) progress(t *testing.T) state.ProgressSnapshot {
	snapshot, err := reporter.LoadProgress(filepath.Join(f.config.OutDataDir, jobdir.ProgressFileName))
	require.NoError(t, err)
	return snapshot
}

func TestRun_FinishesEveryFrame(t *testing.T) {
	f := newFixture(t, 5, 2)

	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	require.NoError(t, err)
	assert.Equal(t, batcherrors.ExitSuccess, exitCode)
	assert.Len(t, f.cloud.Launched(), 2)
	assert.ElementsMatch(t, f.cloud.Launched(), f.cloud.Terminated())
	assert.Empty(t, f.cloud.Running())

	states := reporter.LastFrameStates(f.events(t))
	require.Len(t, states, 5)
	for frameNum, frameState := range states {
		assert.Equal(t, string(state.FrameRetrieved), frameState, "frame %d", frameNum)
	}
	assert.Len(t, f.executor.CallsOf(remotefake.DownloadKind, ""), 5)

	progress := f.progress(t)
	assert.Equal(t, 5, progress.NFramesFinished)
	assert.Equal(t, 5, progress.NFramesWanted)
	assert.Equal(t, 0, progress.NWorkersWorking)

	starting, ok := f.operation(t, reporter.OpStarting)
	require.True(t, ok)
	assert.NotContains(t, starting, "authToken")
	assert.Contains(t, starting, "runId")

	parallelRender, ok := f.operation(t, reporter.OpParallelRender)
	require.True(t, ok)
	assert.Equal(t, float64(2), parallelRender.(map[string]interface{})["nInstances"])

	finished, ok := f.operation(t, reporter.OpFinished)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"nInstancesRecruited": float64(2), "nFramesFinished": float64(5)}, finished)
}

func TestRun_SizesThePoolFromAvailableDevices(t *testing.T) {
	f := newFixture(t, 5, 0)

	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	require.NoError(t, err)
	assert.Equal(t, batcherrors.ExitSuccess, exitCode)
	parallelRender, ok := f.operation(t, reporter.OpParallelRender)
	require.True(t, ok)
	// min(round(10 * 0.9), round(5 * 1))
	assert.Equal(t, float64(5), parallelRender.(map[string]interface{})["nInstances"])
	assert.GreaterOrEqual(t, len(f.cloud.Launched()), 5)
	assert.Empty(t, f.cloud.Running())
	assert.Equal(t, 5, f.progress(t).NFramesFinished)
}

func TestRun_EveryFrameFails(t *testing.T) {
	f := newFixture(t, 3, 2)
	f.executor.OnRun = remotefake.Fail(1)

	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	require.NoError(t, err)
	assert.Equal(t, batcherrors.ExitNoFramesFinished, exitCode)
	assert.Empty(t, f.cloud.Running())
	assert.Empty(t, f.executor.CallsOf(remotefake.DownloadKind, ""))

	for frameNum, frameState := range reporter.LastFrameStates(f.events(t)) {
		assert.NotEqual(t, string(state.FrameRetrieved), frameState, "frame %d", frameNum)
	}
	_, ok := f.operation(t, reporter.OpTerminateFailedWorker)
	assert.True(t, ok)
	assert.Equal(t, 0, f.progress(t).NFramesFinished)
}

func TestRun_StopsAtTheDeadline(t *testing.T) {
	f := newFixture(t, 3, 1)
	f.config.TimeLimit = 200 * time.Millisecond
	f.executor.OnRun = remotefake.Hang()

	start := time.Now()
	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	require.NoError(t, err)
	assert.Equal(t, batcherrors.ExitNoFramesFinished, exitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Empty(t, f.cloud.Running())
}

func TestRun_InvalidConfiguration(t *testing.T) {
	f := newFixture(t, 3, 1)
	f.config.StartFrame = 5

	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	var invalidArgument *batcherrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalidArgument))
	assert.Equal(t, batcherrors.ExitConfigurationError, exitCode)
	assert.Empty(t, f.cloud.Launched())
}

func TestRun_UnknownProcessor(t *testing.T) {
	f := newFixture(t, 3, 1)
	f.config.Processor.Type = "bogus"

	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	assert.Error(t, err)
	assert.Equal(t, batcherrors.ExitConfigurationError, exitCode)
	assert.Empty(t, f.cloud.Launched())
}

func TestRun_Unauthorized(t *testing.T) {
	f := newFixture(t, 3, 1)
	f.cloud.Unauthorized = true

	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	var unauthorized *batcherrors.ErrUnauthorized
	assert.True(t, errors.As(err, &unauthorized))
	assert.Equal(t, batcherrors.ExitConfigurationError, exitCode)
	assert.Empty(t, f.cloud.Launched())
}

func TestRun_InsufficientDevices(t *testing.T) {
	f := newFixture(t, 3, 20)

	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	var insufficient *batcherrors.ErrInsufficientDevices
	assert.True(t, errors.As(err, &insufficient))
	assert.Equal(t, batcherrors.ExitLaunchError, exitCode)
	assert.Empty(t, f.cloud.Launched())
	_, ok := f.operation(t, reporter.OpFinished)
	assert.True(t, ok)
}

func TestRun_NoGoodInstances(t *testing.T) {
	f := newFixture(t, 3, 2)
	f.cloud.FailStart = func(int) bool { return true }

	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	var noInstances *batcherrors.ErrNoInstances
	assert.True(t, errors.As(err, &noInstances))
	assert.Equal(t, batcherrors.ExitLaunchError, exitCode)
	assert.Empty(t, f.cloud.Running())
}

func TestRun_Interrupted(t *testing.T) {
	f := newFixture(t, 3, 2)
	f.executor.OnRun = remotefake.Hang()
	ctx, cancel := batchcontext.WithCancel(batchcontext.Background())
	defer cancel()
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	exitCode, err := f.run(ctx, make(chan struct{}))

	assert.True(t, errors.Is(err, batcherrors.ErrInterrupted))
	assert.Equal(t, batcherrors.ExitInterrupted, exitCode)
	assert.Empty(t, f.cloud.Running())
	finished, ok := f.operation(t, reporter.OpFinished)
	require.True(t, ok)
	assert.Equal(t, true, finished.(map[string]interface{})["interrupted"])
}

func TestRun_DrainsWhenStopped(t *testing.T) {
	f := newFixture(t, 3, 2)
	stop := make(chan struct{})
	close(stop)

	exitCode, err := f.run(batchcontext.Background(), stop)

	var noInstances *batcherrors.ErrNoInstances
	assert.True(t, errors.As(err, &noInstances))
	assert.Equal(t, batcherrors.ExitLaunchError, exitCode)
	assert.Empty(t, f.cloud.Launched())
}

func TestRun_KeepsSurvivors(t *testing.T) {
	f := newFixture(t, 2, 2)
	keep := true
	f.config.KeepSurvivors = &keep

	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	require.NoError(t, err)
	assert.Equal(t, batcherrors.ExitSuccess, exitCode)
	assert.Empty(t, f.cloud.Terminated())
	survivors, err := jobdir.ReadInstances(filepath.Join(f.config.OutDataDir, jobdir.SurvivorsFileName))
	require.NoError(t, err)
	assert.Len(t, survivors, 2)
}

func TestRun_WorksOnSuppliedInstances(t *testing.T) {
	f := newFixture(t, 4, 0)
	supplier := newFixture(t, 4, 2)
	keep := true
	supplier.config.KeepSurvivors = &keep
	supplier.cloud = f.cloud
	_, err := supplier.run(batchcontext.Background(), make(chan struct{}))
	require.NoError(t, err)

	f.config.Launch = false
	f.config.InstancesFile = filepath.Join(supplier.config.OutDataDir, jobdir.SurvivorsFileName)
	exitCode, err := f.run(batchcontext.Background(), make(chan struct{}))

	require.NoError(t, err)
	assert.Equal(t, batcherrors.ExitSuccess, exitCode)
	assert.Len(t, f.cloud.Launched(), 2)
	assert.Empty(t, f.cloud.Terminated())
	assert.Equal(t, 4, f.progress(t).NFramesFinished)
	survivors, err := jobdir.ReadInstances(filepath.Join(f.config.OutDataDir, jobdir.SurvivorsFileName))
	require.NoError(t, err)
	assert.Len(t, survivors, 2)
}
