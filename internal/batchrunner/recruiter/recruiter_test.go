package recruiter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
	cloudfake "github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud/fake"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud/mocks"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/configuration"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/fleet"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/jobdir"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/metrics"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/remote"
	remotefake "github.com/neocortix/ncscli-sub000/internal/batchrunner/remote/fake"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/reporter"
	"github.com/neocortix/ncscli-sub000/internal/common/batchcontext"
	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
)

const installCmd = "./install.sh"

type testProcessor struct {
	installer string
}

func (p testProcessor) InstallerCmd() (string, bool) {
	return p.installer, p.installer != ""
}

func (p testProcessor) FrameCmd(frameNum int) string {
	return "true"
}

func (p testProcessor) FrameOutFileName(frameNum int) string {
	return "out"
}

type fixture struct {
	config    configuration.BatchRunnerConfiguration
	client    cloud.Client
	fakeCloud *cloudfake.FakeClient
	executor  *remotefake.FakeExecutor
	processor testProcessor
	registry  *fleet.Registry
	hostKeys  *remote.HostKeyStore
	events    *bytes.Buffer
	dir       *jobdir.JobDir
	clock     *clock.FakeClock
}

func newFixture(t *testing.T, available int) *fixture {
	base := t.TempDir()
	publicKeyFile := filepath.Join(base, "id_rsa.pub")
	require.NoError(t, os.WriteFile(publicKeyFile, []byte("ssh-rsa AAAAB3NzaC1yc2E test@example\n"), 0o644))

	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	dir, err := jobdir.Open(filepath.Join(base, "out"), fakeClock)
	require.NoError(t, err)
	registry, err := fleet.NewRegistry()
	require.NoError(t, err)
	fakeCloud := cloudfake.NewFakeClient(available)

	return &fixture{
		config: configuration.BatchRunnerConfiguration{
			JobName:            "test",
			OutDataDir:         dir.Path(),
			InstTimeLimit:      time.Minute,
			InstallParallelism: 4,
			Launch:             true,
			Ssh: configuration.SshConfiguration{
				PublicKeyFile:  publicKeyFile,
				KnownHostsFile: filepath.Join(base, "known_hosts"),
			},
			Cloud: configuration.CloudConfiguration{LaunchTimeout: time.Minute},
		},
		client:    fakeCloud,
		fakeCloud: fakeCloud,
		executor:  remotefake.NewFakeExecutor(),
		processor: testProcessor{installer: installCmd},
		registry:  registry,
		hostKeys:  remote.NewHostKeyStore(filepath.Join(base, "known_hosts")),
		events:    &bytes.Buffer{},
		dir:       dir,
		clock:     fakeClock,
	}
}

func (f *fixture) recruiter() *Recruiter {
	events := reporter.NewEventLog(f.events, f.clock)
	noop := metrics.NewNoopMetrics()
	terminator := fleet.NewTerminator(f.client, f.registry, f.hostKeys, events, f.dir, noop, time.Minute)
	return NewRecruiter(
		f.config,
		f.clock.Now().Add(time.Hour),
		f.client,
		f.executor,
		f.processor,
		f.registry,
		f.hostKeys,
		terminator,
		events,
		f.dir,
		noop,
		f.clock,
	)
}

func (f *fixture) decodedEvents(t *testing.T) []reporter.Event {
	var events []reporter.Event
	scanner := bufio.NewScanner(bytes.NewReader(f.events.Bytes()))
	for scanner.Scan() {
		var event reporter.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	return events
}

// operations returns the values recorded for op, in order, with the instance id each was recorded against.
func (f *fixture) operations(t *testing.T, op string) map[string][]interface{} {
	values := map[string][]interface{}{}
	for _, event := range f.decodedEvents(t) {
		args, ok := event.Operation()
		if !ok {
			continue
		}
		if value, ok := args[op]; ok {
			values[event.InstanceId] = append(values[event.InstanceId], value)
		}
	}
	return values
}

func (f *fixture) frameStates(t *testing.T, instanceId string) []string {
	var states []string
	for _, event := range f.decodedEvents(t) {
		if args, ok := event.FrameState(); ok && event.InstanceId == instanceId {
			states = append(states, args.State)
		}
	}
	return states
}

func TestRecruit(t *testing.T) {
	f := newFixture(t, 5)

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 3, true)

	require.NoError(t, err)
	assert.Equal(t, []string{"i-000000", "i-000001", "i-000002"}, fleet.InstanceIds(instances))
	for _, inst := range instances {
		assert.Equal(t, fleet.Installed, inst.State)
		assert.Equal(t, []string{installCmd}, f.executor.CallsOf(remotefake.RunKind, inst.InstanceId))
		found, err := f.hostKeys.Contains(inst.HostKeys()[0].Address())
		require.NoError(t, err)
		assert.True(t, found)
	}
	assert.Equal(t, 3, f.registry.CountInState(fleet.Installed))
	assert.Empty(t, f.fakeCloud.Terminated())

	assert.Equal(t, []interface{}{float64(3)}, f.operations(t, reporter.OpLaunchInstances)[reporter.RecruiterInstanceId])
	assert.Equal(t, []interface{}{installCmd}, f.operations(t, reporter.OpCommand)["i-000001"])
	assert.Equal(t, []interface{}{[]interface{}{"host-1.example.com", float64(10001)}}, f.operations(t, reporter.OpConnect)["i-000001"])
	assert.Equal(t, []interface{}{float64(0)}, f.operations(t, reporter.OpReturnCode)["i-000001"])

	records, err := jobdir.ReadInstances(f.dir.LaunchRecordsPath(""))
	require.NoError(t, err)
	assert.Len(t, records, 3)
	launched, err := jobdir.ReadInstanceIds(filepath.Join(f.dir.Path(), jobdir.LaunchedFileName))
	require.NoError(t, err)
	assert.Equal(t, []string{"i-000000", "i-000001", "i-000002"}, launched)
}

func TestRecruit_UploadsAndDeletesClientKey(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.recruiter().Recruit(batchcontext.Background(), nil, 1, true)

	require.NoError(t, err)
	assert.Empty(t, f.fakeCloud.Keys())
	deleted := f.fakeCloud.DeletedKeys()
	require.Len(t, deleted, 1)
	assert.True(t, strings.HasPrefix(deleted[0], keyNamePrefix))
	assert.Len(t, deleted[0], len(keyNamePrefix)+13)
}

func TestRecruit_UsesConfiguredClientKey(t *testing.T) {
	f := newFixture(t, 2)
	f.config.Ssh.ClientKeyName = "operator-key"
	f.config.Ssh.PublicKeyFile = filepath.Join(t.TempDir(), "missing.pub")

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 1, true)

	require.NoError(t, err)
	assert.Len(t, instances, 1)
	assert.Empty(t, f.fakeCloud.DeletedKeys())
}

func TestRecruit_MissingPublicKey(t *testing.T) {
	f := newFixture(t, 2)
	f.config.Ssh.PublicKeyFile = filepath.Join(t.TempDir(), "missing.pub")

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 1, true)

	assert.Nil(t, instances)
	var notFound *batcherrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound))
	assert.Empty(t, f.fakeCloud.Launched())
}

func TestRecruit_InsufficientDevices(t *testing.T) {
	f := newFixture(t, 2)

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 3, true)

	assert.Nil(t, instances)
	var insufficient *batcherrors.ErrInsufficientDevices
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 3, insufficient.Requested)
	assert.Equal(t, 2, insufficient.Available)
	assert.Empty(t, f.fakeCloud.Launched())
	assert.Empty(t, f.fakeCloud.Keys())
}

func TestRecruit_TerminatesNonStartedAndBadInstances(t *testing.T) {
	f := newFixture(t, 5)
	f.fakeCloud.FailStart = func(n int) bool { return n == 0 }
	f.executor.OnRun = func(ctx context.Context, host remote.Host, command string, limit time.Duration, onLine remote.LineHandler) remote.Result {
		if host.InstanceId == "i-000001" {
			onLine(remote.Stderr, "install.sh: not found")
			return remote.Result{Status: remote.Failed, ExitCode: 127}
		}
		return remote.SucceededResult()
	}

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 3, true)

	require.NoError(t, err)
	assert.Equal(t, []string{"i-000002"}, fleet.InstanceIds(instances))
	assert.Equal(t, []string{"i-000000", "i-000001"}, f.fakeCloud.Terminated())
	assert.Equal(t, 2, f.registry.CountInState(fleet.Terminated))
	assert.Equal(t, 1, f.registry.CountInState(fleet.Installed))
	assert.Empty(t, f.executor.CallsOf(remotefake.RunKind, "i-000000"))

	assert.Equal(t,
		[]interface{}{[]interface{}{"i-000000"}, []interface{}{"i-000001"}},
		f.operations(t, reporter.OpTerminateBad)[reporter.RecruiterInstanceId])
	assert.Equal(t, []interface{}{float64(127)}, f.operations(t, reporter.OpReturnCode)["i-000001"])
	assert.Contains(t, f.events.String(), `"args":"install.sh: not found","dateTime":"2024-03-01T12:00:00.000000+00:00","instanceId":"i-000001","type":"stderr"`)

	found, err := f.hostKeys.Contains(remote.HostKey{Hostname: "host-1.example.com", Port: 10001}.Address())
	require.NoError(t, err)
	assert.False(t, found)
	found, err = f.hostKeys.Contains(remote.HostKey{Hostname: "host-2.example.com", Port: 10002}.Address())
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRecruit_InstallerTimeout(t *testing.T) {
	f := newFixture(t, 2)
	f.executor.OnRun = func(context.Context, remote.Host, string, time.Duration, remote.LineHandler) remote.Result {
		return remote.TimedOutResult()
	}

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 1, true)

	require.NoError(t, err)
	assert.Empty(t, instances)
	assert.Equal(t, []interface{}{float64(60)}, f.operations(t, reporter.OpTimeout)["i-000000"])
	assert.Equal(t, []string{"i-000000"}, f.fakeCloud.Terminated())
}

func TestRecruit_UploadsCommonInputFile(t *testing.T) {
	f := newFixture(t, 3)
	f.config.CommonInFilePath = filepath.Join(t.TempDir(), "scene.blend")
	require.NoError(t, os.WriteFile(f.config.CommonInFilePath, []byte("scene"), 0o644))
	f.executor.OnUpload = func(_ context.Context, host remote.Host, _ string, _ time.Duration) remote.Result {
		if host.InstanceId == "i-000000" {
			return remote.Result{Status: remote.Failed, ExitCode: 23, Stderr: "rsync error"}
		}
		return remote.SucceededResult()
	}

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 2, true)

	require.NoError(t, err)
	assert.Equal(t, []string{"i-000001"}, fleet.InstanceIds(instances))
	assert.Equal(t, []string{"scene.blend"}, f.executor.CallsOf(remotefake.UploadKind, "i-000001"))
	assert.Equal(t, []string{"rsyncing", "rsyncFailed"}, f.frameStates(t, "i-000000"))
	assert.Equal(t, []string{"rsyncing", "rsynced"}, f.frameStates(t, "i-000001"))
	assert.Empty(t, f.executor.CallsOf(remotefake.RunKind, "i-000000"))
}

func TestRecruit_WithoutInstaller(t *testing.T) {
	f := newFixture(t, 2)
	f.processor = testProcessor{}

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 2, true)

	require.NoError(t, err)
	assert.Len(t, instances, 2)
	assert.Empty(t, f.executor.Calls())
	assert.Equal(t, 2, f.registry.CountInState(fleet.Installed))
}

func TestRecruit_LaunchError(t *testing.T) {
	f := newFixture(t, 2)
	f.fakeCloud.LaunchErr = errors.New("launch failed")

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 2, true)

	assert.Nil(t, instances)
	assert.ErrorContains(t, err, "launch failed")
	assert.Len(t, f.fakeCloud.TerminatedLaunches(), 1)
	assert.Len(t, f.fakeCloud.DeletedKeys(), 1)
}

func TestRecruit_Stopped(t *testing.T) {
	f := newFixture(t, 2)
	stop := make(chan struct{})
	close(stop)

	instances, err := f.recruiter().Recruit(batchcontext.Background(), stop, 2, true)

	assert.NoError(t, err)
	assert.Nil(t, instances)
	assert.Empty(t, f.fakeCloud.Launched())
}

func TestRecruit_DeadlinePassed(t *testing.T) {
	f := newFixture(t, 2)
	r := f.recruiter()
	f.clock.Step(2 * time.Hour)

	instances, err := r.Recruit(batchcontext.Background(), nil, 2, true)

	assert.NoError(t, err)
	assert.Nil(t, instances)
	assert.Equal(t, 0, f.fakeCloud.AvailableQueries())
}

func TestRecruit_Interrupted(t *testing.T) {
	f := newFixture(t, 2)
	f.executor.OnRun = remotefake.Hang()
	ctx, cancel := batchcontext.WithCancel(batchcontext.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	instances, err := f.recruiter().Recruit(ctx, nil, 2, true)

	assert.Nil(t, instances)
	assert.True(t, errors.Is(err, batcherrors.ErrInterrupted))
	assert.Equal(t, []string{"i-000000", "i-000001"}, f.fakeCloud.Terminated())
	assert.Empty(t, f.registry.Live())
}

func TestRecruit_FromInstancesFile(t *testing.T) {
	f := newFixture(t, 5)
	records, err := f.fakeCloud.LaunchInstances(batchcontext.Background(), cloud.LaunchRequest{JobId: "earlier", Count: 3})
	require.NoError(t, err)
	f.config.Launch = false
	f.config.InstancesFile = filepath.Join(t.TempDir(), "instances.json")
	require.NoError(t, jobdir.WriteInstances(f.config.InstancesFile, records))

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 2, false)

	require.NoError(t, err)
	assert.Equal(t, []string{"i-000000", "i-000001"}, fleet.InstanceIds(instances))
	assert.Len(t, f.fakeCloud.Launched(), 3)
	assert.Empty(t, f.fakeCloud.Keys())
	assert.Empty(t, f.operations(t, reporter.OpLaunchInstances))
}

func TestRecruitOne(t *testing.T) {
	f := newFixture(t, 3)

	inst, err := f.recruiter().RecruitOne(batchcontext.Background(), nil)

	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, "i-000000", inst.InstanceId)
	matches, err := filepath.Glob(filepath.Join(f.dir.Path(), "recruitLaunched_*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	_, err = os.Stat(f.dir.LaunchRecordsPath(""))
	assert.True(t, os.IsNotExist(err))
}

func TestRecruitOne_FailedInstall(t *testing.T) {
	f := newFixture(t, 3)
	f.executor.OnRun = remotefake.Fail(1)

	inst, err := f.recruiter().RecruitOne(batchcontext.Background(), nil)

	assert.NoError(t, err)
	assert.Nil(t, inst)
	assert.Equal(t, []string{"i-000000"}, f.fakeCloud.Terminated())
}

func TestRecruit_AvailabilityQueryFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().
		AvailableDeviceCount(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(0, errors.New("service unavailable"))

	f := newFixture(t, 0)
	f.client = client

	instances, err := f.recruiter().Recruit(batchcontext.Background(), nil, 2, true)

	assert.Nil(t, instances)
	assert.ErrorContains(t, err, "service unavailable")
}
