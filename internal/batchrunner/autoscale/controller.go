package autoscale

import (
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/configuration"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/fleet"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/metrics"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/state"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/worker"
	"github.com/neocortix/ncscli-sub000/internal/common/batchcontext"
	"github.com/neocortix/ncscli-sub000/internal/common/util"
)

type Recruiter interface {
	RecruitOne(ctx *batchcontext.Context, stop <-chan struct{}) (*fleet.Instance, error)
}

type Worker interface {
	Run(ctx *batchcontext.Context, stop <-chan struct{}, inst *fleet.Instance) worker.Outcome
}

type Terminator interface {
	Terminate(ctx *batchcontext.Context, why fleet.Termination, instances []*fleet.Instance) error
}

// Controller grows the worker pool while it is small for the frames left to do.
// Each unit it spawns recruits one instance, works frames on it and terminates it.
type Controller struct {
	config     configuration.BatchRunnerConfiguration
	deadline   time.Time
	frames     *state.SchedulerState
	client     cloud.Client
	recruiter  Recruiter
	worker     Worker
	terminator Terminator
	metrics    *metrics.Metrics
	clock      clock.PassiveClock

	units sync.WaitGroup
}

func NewController(
	config configuration.BatchRunnerConfiguration,
	deadline time.Time,
	frames *state.SchedulerState,
	client cloud.Client,
	recruiter Recruiter,
	worker Worker,
	terminator Terminator,
	metrics *metrics.Metrics,
	clock clock.PassiveClock,
) *Controller {
	return &Controller{
		config:     config,
		deadline:   deadline,
		frames:     frames,
		client:     client,
		recruiter:  recruiter,
		worker:     worker,
		terminator: terminator,
		metrics:    metrics,
		clock:      clock,
	}
}

// Run polls until every frame is finished, the deadline passes or the run is stopped, then waits a bounded
// time for the units it spawned. It does nothing unless the pool is sized automatically.
func (c *Controller) Run(ctx *batchcontext.Context, stop <-chan struct{}) {
	if !c.config.AutomaticSizing() {
		return
	}
	ctx = batchcontext.WithLogField(ctx, "component", "autoscale")
	ctx.Log.Info("autoscaling started")

	for c.active(ctx, stop) {
		start := c.clock.Now()
		c.iterate(ctx, stop)
		c.metrics.RecordAutoscaleIteration(c.clock.Since(start))
		batchcontext.Sleep(ctx, stop, c.config.Intervals.Autoscale)
	}

	ctx.Log.Info("waiting for recruited workers to finish")
	if util.WaitWithTimeout(&c.units, c.config.InstTimeLimit+c.config.FrameTimeLimit) {
		ctx.Log.Warn("some recruited workers did not finish in time")
	}
	ctx.Log.Info("autoscaling finished")
}

func (c *Controller) active(ctx *batchcontext.Context, stop <-chan struct{}) bool {
	if ctx.Err() != nil || c.frames.UnfinishedCount() == 0 || !c.clock.Now().Before(c.deadline) {
		return false
	}
	select {
	case <-stop:
		return false
	default:
		return true
	}
}

func (c *Controller) iterate(ctx *batchcontext.Context, stop <-chan struct{}) {
	unfinished := c.frames.UnfinishedCount()
	workers := c.frames.WorkingCount()
	if float64(workers) >= math.Round(float64(unfinished)*c.config.AutoscaleMin) {
		return
	}
	available, err := c.client.AvailableDeviceCount(ctx, c.config.Filter, c.config.EncryptFiles)
	if err != nil {
		ctx.Log.WithError(err).Warn("could not get available device count")
		return
	}
	if available < configuration.MinAvailableForAutoscale {
		ctx.Log.Debugf("not recruiting, only %d devices available", available)
		return
	}
	ctx.Log.Infof("recruiting a worker because there are not enough (%d unfinished, %d workers)", unfinished, workers)
	c.metrics.RecordAutoscaleRecruitment()
	c.units.Add(1)
	go func() {
		defer c.units.Done()
		c.recruitAndRun(ctx, stop)
	}()
}

// recruitAndRun is a single unit: one instance, recruited, worked and terminated.
func (c *Controller) recruitAndRun(ctx *batchcontext.Context, stop <-chan struct{}) {
	inst, err := c.recruiter.RecruitOne(ctx, stop)
	if err != nil {
		ctx.Log.WithError(err).Warn("could not recruit a worker")
		return
	}
	if inst == nil {
		ctx.Log.Warn("no good instance was recruited")
		return
	}

	outcome := c.worker.Run(ctx, stop, inst)
	why, now := outcome.Termination()
	if !now {
		why = fleet.Final
	}
	if err := c.terminator.Terminate(ctx, why, []*fleet.Instance{inst}); err != nil {
		ctx.Log.WithError(err).Warnf("could not terminate %s", inst.InstanceId)
	}
}
