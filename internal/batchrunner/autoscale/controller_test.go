package autoscale

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
	cloudfake "github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud/fake"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/configuration"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/fleet"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/metrics"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/state"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/worker"
	"github.com/neocortix/ncscli-sub000/internal/common/batchcontext"
)

type fakeRecruiter struct {
	// Called with the 0 based sequence number of each recruitment.
	onRecruit func(n int) *fleet.Instance
	calls     int
	mu        sync.Mutex
}

func (r *fakeRecruiter) RecruitOne(_ *batchcontext.Context, _ <-chan struct{}) (*fleet.Instance, error) {
	r.mu.Lock()
	n := r.calls
	r.calls++
	r.mu.Unlock()
	if r.onRecruit == nil {
		return nil, nil
	}
	return r.onRecruit(n), nil
}

func (r *fakeRecruiter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeWorker struct {
	outcome worker.Outcome
}

func (w fakeWorker) Run(_ *batchcontext.Context, _ <-chan struct{}, _ *fleet.Instance) worker.Outcome {
	return w.outcome
}

type termination struct {
	why fleet.Termination
	ids []string
}

type fakeTerminator struct {
	terminations []termination
	mu           sync.Mutex
}

func (t *fakeTerminator) Terminate(_ *batchcontext.Context, why fleet.Termination, instances []*fleet.Instance) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminations = append(t.terminations, termination{why: why, ids: fleet.InstanceIds(instances)})
	return nil
}

type fixture struct {
	config     configuration.BatchRunnerConfiguration
	frames     *state.SchedulerState
	client     *cloudfake.FakeClient
	recruiter  *fakeRecruiter
	worker     fakeWorker
	terminator *fakeTerminator
	clock      *clock.FakeClock
	stop       chan struct{}
	stopOnce   sync.Once
}

func newFixture(nFrames int, nWorking int, available int) *fixture {
	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	var frameNums []int
	for i := 1; i <= nFrames; i++ {
		frameNums = append(frameNums, i)
	}
	frames := state.NewSchedulerState(frameNums, fakeClock)
	for i := 0; i < nWorking; i++ {
		frames.StartWorking(fmt.Sprintf("i-working-%d", i))
	}
	return &fixture{
		config: configuration.BatchRunnerConfiguration{
			InstTimeLimit:  time.Second,
			FrameTimeLimit: time.Second,
			AutoscaleInit:  1,
			AutoscaleMin:   1,
			AutoscaleMax:   1,
			Intervals:      configuration.IntervalConfiguration{Autoscale: 10 * time.Millisecond},
		},
		frames:     frames,
		client:     cloudfake.NewFakeClient(available),
		recruiter:  &fakeRecruiter{},
		worker:     fakeWorker{outcome: worker.Outcome{Reason: worker.NoFramesLeft}},
		terminator: &fakeTerminator{},
		clock:      fakeClock,
		stop:       make(chan struct{}),
	}
}

func (f *fixture) drain() {
	f.stopOnce.Do(func() { close(f.stop) })
}

func (f *fixture) drainAfter(d time.Duration) {
	go func() {
		time.Sleep(d)
		f.drain()
	}()
}

func (f *fixture) run() {
	NewController(
		f.config,
		f.clock.Now().Add(time.Hour),
		f.frames,
		f.client,
		f.recruiter,
		f.worker,
		f.terminator,
		metrics.NewNoopMetrics(),
		f.clock,
	).Run(batchcontext.Background(), f.stop)
}

func TestRun_RecruitsWhenPoolIsSmall(t *testing.T) {
	f := newFixture(10, 2, 5)
	f.recruiter.onRecruit = func(int) *fleet.Instance {
		f.drain()
		return nil
	}
	f.drainAfter(time.Second)

	f.run()

	assert.GreaterOrEqual(t, f.recruiter.Calls(), 1)
	assert.Empty(t, f.terminator.terminations)
}

func TestRun_KeepsRecruitingEachInterval(t *testing.T) {
	f := newFixture(10, 2, 5)
	f.recruiter.onRecruit = func(n int) *fleet.Instance {
		if n == 2 {
			f.drain()
		}
		return nil
	}
	f.drainAfter(time.Second)

	f.run()

	assert.GreaterOrEqual(t, f.recruiter.Calls(), 3)
}

func TestRun_NeedsTwoAvailableDevices(t *testing.T) {
	f := newFixture(10, 2, 1)
	f.drainAfter(50 * time.Millisecond)

	f.run()

	assert.Equal(t, 0, f.recruiter.Calls())
	assert.Greater(t, f.client.AvailableQueries(), 0)
}

func TestRun_PoolLargeEnough(t *testing.T) {
	f := newFixture(4, 4, 5)
	f.drainAfter(50 * time.Millisecond)

	f.run()

	assert.Equal(t, 0, f.recruiter.Calls())
	assert.Equal(t, 0, f.client.AvailableQueries())
}

func TestRun_InactiveForFixedPool(t *testing.T) {
	f := newFixture(10, 0, 5)
	f.config.NWorkers = 2

	f.run()

	assert.Equal(t, 0, f.recruiter.Calls())
	assert.Equal(t, 0, f.client.AvailableQueries())
}

func TestRun_StopsOnceEveryFrameIsFinished(t *testing.T) {
	f := newFixture(1, 0, 5)
	frameNum, ok := f.frames.Claim("i-000000")
	require.True(t, ok)
	_, err := f.frames.MarkFinished(frameNum)
	require.NoError(t, err)

	f.run()

	assert.Equal(t, 0, f.recruiter.Calls())
}

func TestRun_StopsAtTheDeadline(t *testing.T) {
	f := newFixture(10, 0, 5)
	controller := NewController(f.config, f.clock.Now(), f.frames, f.client, f.recruiter, f.worker, f.terminator,
		metrics.NewNoopMetrics(), f.clock)

	controller.Run(batchcontext.Background(), f.stop)

	assert.Equal(t, 0, f.recruiter.Calls())
}

func TestRun_TerminatesRecruitedInstances(t *testing.T) {
	tests := map[string]struct {
		reason   worker.Reason
		expected fleet.Termination
	}{
		"frames finished":   {reason: worker.NoFramesLeft, expected: fleet.Final},
		"too many failures": {reason: worker.TooManyFailures, expected: fleet.FailedWorker},
		"retired":           {reason: worker.Retired, expected: fleet.ExcessWorker},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(10, 0, 5)
			f.worker = fakeWorker{outcome: worker.Outcome{Reason: tc.reason}}
			f.recruiter.onRecruit = func(n int) *fleet.Instance {
				f.drain()
				return fleet.NewInstance(cloud.InstanceRecord{InstanceId: fmt.Sprintf("i-%06d", n)}, fleet.Installed)
			}
			f.drainAfter(time.Second)

			f.run()

			f.terminator.mu.Lock()
			defer f.terminator.mu.Unlock()
			require.Len(t, f.terminator.terminations, f.recruiter.Calls())
			var ids []string
			for _, termination := range f.terminator.terminations {
				assert.Equal(t, tc.expected, termination.why)
				ids = append(ids, termination.ids...)
			}
			assert.Contains(t, ids, "i-000000")
		})
	}
}
