package batchrunner

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/autoscale"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/configuration"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/fleet"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/jobdir"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/metrics"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/processor"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/recruiter"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/remote"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/reporter"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/state"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/worker"
	"github.com/neocortix/ncscli-sub000/internal/common/batchcontext"
	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
	"github.com/neocortix/ncscli-sub000/internal/common/util"
)

const (
	// Share of the reported available devices an initial launch asks for, as some are always taken by the time it lands.
	availableShare = 0.9
	// Bound on cleanup once a run has been interrupted.
	interruptCleanupTimeout = 2 * time.Minute
)

// Services are the collaborators a run depends on.
type Services struct {
	Client   cloud.Client
	Executor remote.Executor
	Clock    clock.WithDelayedExecution
	// Registerer for the run's metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer
}

// Runner runs one batch job from validation to final cleanup.
type Runner struct {
	config   configuration.BatchRunnerConfiguration
	services Services
}

func NewRunner(config configuration.BatchRunnerConfiguration, services Services) *Runner {
	if services.Clock == nil {
		services.Clock = clock.RealClock{}
	}
	return &Runner{config: config, services: services}
}

// NewCloudClient returns a client of the Neocortix cloud configured by config.Cloud.
func NewCloudClient(config configuration.BatchRunnerConfiguration) cloud.Client {
	ncsClient := cloud.NewNcsClient(cloud.NcsClientConfig{
		Url:               config.Cloud.Url,
		AuthToken:         config.AuthToken,
		MaxRetries:        config.Cloud.MaxRetries,
		RetryDelay:        config.Cloud.RetryDelay,
		RequestsPerSecond: config.Cloud.RequestsPerSecond,
		Burst:             config.Cloud.Burst,
		LaunchTimeout:     config.Cloud.LaunchTimeout,
	})
	return cloud.NewCachingClient(ncsClient, config.Cloud.AvailabilityCacheTtl)
}

// StartUp returns a Runner that launches instances on the Neocortix cloud and drives them over ssh.
func StartUp(config configuration.BatchRunnerConfiguration) *Runner {
	return NewRunner(config, Services{
		Client:     NewCloudClient(config),
		Executor:   remote.NewSSHExecutor(remote.DefaultSSHConfig(config.Ssh.KnownHostsFile)),
		Clock:      clock.RealClock{},
		Registerer: prometheus.DefaultRegisterer,
	})
}

// run holds everything wired up for a single Run.
type run struct {
	config     configuration.BatchRunnerConfiguration
	clock      clock.WithDelayedExecution
	client     cloud.Client
	deadline   time.Time
	frames     *state.SchedulerState
	events     *reporter.EventLog
	progress   *reporter.ProgressStore
	jobDir     *jobdir.JobDir
	registry   *fleet.Registry
	terminator *fleet.Terminator
	recruiter  *recruiter.Recruiter
	loop       *worker.Loop
	metrics    *metrics.Metrics
}

// Run executes the job and returns the process exit status along with the error that decided it, if any.
// Closing stop drains the run: nothing new is started and in-flight frames run to their limits. Cancelling ctx
// interrupts it: everything launched is terminated and batcherrors.ErrInterrupted is returned.
func (r *Runner) Run(ctx *batchcontext.Context, stop <-chan struct{}) (int, error) {
	if err := configuration.ValidateBatchRunnerConfiguration(r.config); err != nil {
		return batcherrors.ExitCodeFromError(err), err
	}
	frameProcessor, err := processor.New(r.config.Processor.Type, r.config.Processor.Params)
	if err != nil {
		return batcherrors.ExitCodeFromError(err), err
	}
	jobDir, err := jobdir.Open(r.config.OutDataDir, r.services.Clock)
	if err != nil {
		return batcherrors.ExitConfigurationError, err
	}
	events, err := reporter.OpenEventLog(jobDir.EventLogPath(r.config.JobName), r.services.Clock)
	if err != nil {
		return batcherrors.ExitConfigurationError, err
	}
	defer util.CloseResource(ctx.Log, "event log", events)

	settings := r.config.Settings()
	settings["runId"] = util.NewULID()
	ctx = batchcontext.WithLogField(ctx, "runId", settings["runId"])
	events.Operation(reporter.MasterInstanceId, reporter.OpStarting, settings)
	if err := jobDir.WriteSettings(settings); err != nil {
		ctx.Log.WithError(err).Warn("could not save settings")
	}

	if err := r.services.Client.ValidateToken(ctx); err != nil {
		return batcherrors.ExitCodeFromError(err), err
	}

	rn, err := r.wire(frameProcessor, jobDir, events)
	if err != nil {
		return batcherrors.ExitCodeFromError(err), err
	}
	return rn.execute(ctx, stop)
}

func (r *Runner) wire(frameProcessor processor.FrameProcessor, jobDir *jobdir.JobDir, events *reporter.EventLog) (*run, error) {
	registry, err := fleet.NewRegistry()
	if err != nil {
		return nil, err
	}
	runMetrics := metrics.NewNoopMetrics()
	if r.services.Registerer != nil {
		runMetrics = metrics.NewMetrics(r.services.Registerer)
	}
	config := r.config
	clk := r.services.Clock
	deadline := clk.Now().Add(config.TimeLimit)
	frames := state.NewSchedulerState(config.FrameNums(), clk)
	progress := reporter.NewProgressStore(jobDir.ProgressPath())
	hostKeys := remote.NewHostKeyStore(config.Ssh.KnownHostsFile)
	terminator := fleet.NewTerminator(r.services.Client, registry, hostKeys, events, jobDir, runMetrics, config.Cloud.LaunchTimeout)
	instanceRecruiter := recruiter.NewRecruiter(config, deadline, r.services.Client, r.services.Executor, frameProcessor,
		registry, hostKeys, terminator, events, jobDir, runMetrics, clk)
	loop := worker.NewLoop(config, deadline, frames, r.services.Executor, frameProcessor, events, progress,
		registry, runMetrics, clk, jobDir.Path())

	return &run{
		config:     config,
		clock:      clk,
		client:     r.services.Client,
		deadline:   deadline,
		frames:     frames,
		events:     events,
		progress:   progress,
		jobDir:     jobDir,
		registry:   registry,
		terminator: terminator,
		recruiter:  instanceRecruiter,
		loop:       loop,
		metrics:    runMetrics,
	}, nil
}

func (rn *run) execute(ctx *batchcontext.Context, stop <-chan struct{}) (int, error) {
	nToRecruit, err := rn.initialCount(ctx)
	if err != nil {
		return rn.finish(ctx, nil, err)
	}
	if rn.config.Launch {
		ctx.Log.Infof("recruiting %d instances for %d frames", nToRecruit, rn.frames.WantedCount())
	} else {
		ctx.Log.Infof("recruiting the instances listed in %s for %d frames", rn.config.InstancesFile, rn.frames.WantedCount())
	}
	instances, err := rn.recruiter.Recruit(ctx, stop, nToRecruit, rn.config.Launch)
	if err != nil {
		return rn.finish(ctx, instances, err)
	}
	if len(instances) == 0 {
		noInstances := &batcherrors.ErrNoInstances{Requested: nToRecruit}
		if !rn.config.Launch {
			noInstances = &batcherrors.ErrNoInstances{Message: "none usable in " + rn.config.InstancesFile}
		}
		return rn.finish(ctx, nil, errors.WithStack(noInstances))
	}

	rn.saveProgress(ctx)
	rn.metrics.SetFrameCounts(rn.frames.RemainingCount(), 0)
	rn.events.Operation(reporter.MasterInstanceId, reporter.OpParallelRender, map[string]interface{}{
		"commonInFilePath": rn.config.CommonInFilePath,
		"nInstances":       len(instances),
		"nFramesReq":       rn.frames.WantedCount(),
	})
	rn.work(ctx, stop, instances)
	return rn.finish(ctx, instances, nil)
}

// initialCount is the size of the initial pool.
func (rn *run) initialCount(ctx *batchcontext.Context) (int, error) {
	if rn.config.NWorkers > 0 {
		return rn.config.NWorkers, nil
	}
	if !rn.config.Launch {
		return math.MaxInt, nil
	}
	available, err := rn.client.AvailableDeviceCount(ctx, rn.config.Filter, rn.config.EncryptFiles)
	if err != nil {
		return 0, errors.Wrap(err, "error querying available devices")
	}
	usable := int(math.Round(float64(available) * availableShare))
	ctx.Log.Infof("%d filtered devices available", usable)
	wanted := int(math.Round(float64(rn.frames.WantedCount()) * rn.config.AutoscaleInit))
	return min(usable, wanted), nil
}

// work runs a worker loop per instance, and the autoscaler alongside them, until all have ended.
// Nothing runs past the deadline by more than the configured grace.
func (rn *run) work(ctx *batchcontext.Context, stop <-chan struct{}, instances []*fleet.Instance) {
	workCtx, cancel := batchcontext.WithDeadline(ctx, rn.deadline.Add(rn.config.DeadlineGrace))
	defer cancel()
	group, groupCtx := batchcontext.ErrGroup(workCtx)

	for _, inst := range instances {
		inst := inst
		group.Go(func() error {
			outcome := rn.loop.Run(groupCtx, stop, inst)
			if why, now := outcome.Termination(); now {
				if err := rn.terminator.Terminate(groupCtx, why, []*fleet.Instance{inst}); err != nil {
					groupCtx.Log.WithError(err).Warnf("could not terminate %s", inst.InstanceId)
				}
			}
			return nil
		})
	}
	if rn.config.AutomaticSizing() && rn.config.Launch {
		controller := autoscale.NewController(rn.config, rn.deadline, rn.frames, rn.client, rn.recruiter, rn.loop,
			rn.terminator, rn.metrics, rn.clock)
		group.Go(func() error {
			controller.Run(groupCtx, stop)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		ctx.Log.WithError(err).Error("worker pool failed")
	}
}

// finish releases or hands on the instances still alive and records the final state of the run.
func (rn *run) finish(ctx *batchcontext.Context, initial []*fleet.Instance, runErr error) (int, error) {
	interrupted := errors.Is(ctx.Err(), context.Canceled) || errors.Is(runErr, batcherrors.ErrInterrupted)
	cleanupCtx := ctx
	if interrupted {
		var cancel context.CancelFunc
		cleanupCtx, cancel = batchcontext.WithTimeout(batchcontext.Detached(ctx), interruptCleanupTimeout)
		defer cancel()
	}

	survivors := rn.registry.InState(fleet.Installed, fleet.Working)
	switch {
	case interrupted:
		if err := rn.terminator.Terminate(cleanupCtx, fleet.Aborted, survivors); err != nil {
			ctx.Log.WithError(err).Warn("could not terminate every instance")
		}
	case rn.config.ShouldKeepSurvivors():
		ctx.Log.Infof("keeping %d instances, listed in %s", len(survivors), rn.jobDir.SurvivorsPath())
		if err := jobdir.WriteInstances(rn.jobDir.SurvivorsPath(), fleet.Records(survivors)); err != nil {
			ctx.Log.WithError(err).Error("could not save surviving instances")
		}
	default:
		if err := rn.terminator.Terminate(cleanupCtx, fleet.Final, survivors); err != nil {
			ctx.Log.WithError(err).Warn("could not terminate every instance")
		}
	}

	nFinished := rn.frames.FinishedCount()
	rn.saveProgress(ctx)
	finished := map[string]interface{}{
		"nInstancesRecruited": len(initial),
		"nFramesFinished":     nFinished,
	}
	if interrupted {
		finished["interrupted"] = true
	}
	rn.events.Operation(reporter.MasterInstanceId, reporter.OpFinished, finished)
	ctx.Log.Infof("computed %d frames out of %d", nFinished, rn.frames.WantedCount())

	switch {
	case interrupted:
		return batcherrors.ExitInterrupted, errors.WithStack(batcherrors.ErrInterrupted)
	case runErr != nil:
		return batcherrors.ExitCodeFromError(runErr), runErr
	case nFinished > 0:
		return batcherrors.ExitSuccess, nil
	default:
		return batcherrors.ExitNoFramesFinished, nil
	}
}

func (rn *run) saveProgress(ctx *batchcontext.Context) {
	if err := rn.progress.Save(rn.frames); err != nil {
		ctx.Log.WithError(err).Warn("could not save progress")
	}
}
