package worker

import (
	"math"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/configuration"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/fleet"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/metrics"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/processor"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/remote"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/reporter"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/state"
	"github.com/neocortix/ncscli-sub000/internal/common/batchcontext"
)

// Copying a frame's output back is bounded separately from computing it.
const retrieveTimeLimit = 2 * time.Minute

// Reason is why a worker loop ended. Retired means the pool had more workers than frames left to do.
type Reason string

const (
	NoFramesLeft    Reason = "noFramesLeft"
	DeadlinePassed  Reason = "deadlinePassed"
	Stopped         Reason = "stopped"
	TooManyFailures Reason = "tooManyFailures"
	Retired         Reason = "retired"
	OneFrameDone    Reason = "oneFrameDone"
)

// Outcome is how a worker loop ended.
type Outcome struct {
	Reason              Reason
	FramesFinished      int
	ConsecutiveFailures int
}

// Termination returns how the instance must be let go straight away, if the loop ended because of the instance
// itself. Other instances are kept until the run ends.
func (o Outcome) Termination() (fleet.Termination, bool) {
	switch o.Reason {
	case TooManyFailures:
		return fleet.FailedWorker, true
	case Retired:
		return fleet.ExcessWorker, true
	default:
		return fleet.Termination{}, false
	}
}

// Loop claims frames for one instance at a time, computes them remotely and retrieves their output.
// A Loop is shared by every worker of a run.
type Loop struct {
	config    configuration.BatchRunnerConfiguration
	deadline  time.Time
	frames    *state.SchedulerState
	executor  remote.Executor
	processor processor.FrameProcessor
	events    *reporter.EventLog
	progress  *reporter.ProgressStore
	registry  *fleet.Registry
	metrics   *metrics.Metrics
	clock     clock.WithDelayedExecution
	// Local directory frame outputs are retrieved into, under a directory per instance.
	outDir string
}

func NewLoop(
	config configuration.BatchRunnerConfiguration,
	deadline time.Time,
	frames *state.SchedulerState,
	executor remote.Executor,
	processor processor.FrameProcessor,
	events *reporter.EventLog,
	progress *reporter.ProgressStore,
	registry *fleet.Registry,
	metrics *metrics.Metrics,
	clock clock.WithDelayedExecution,
	outDir string,
) *Loop {
	return &Loop{
		config:    config,
		deadline:  deadline,
		frames:    frames,
		executor:  executor,
		processor: processor,
		events:    events,
		progress:  progress,
		registry:  registry,
		metrics:   metrics,
		clock:     clock,
		outDir:    outDir,
	}
}

// Run works frames on inst until there are none left to do or a reason to stop turns up.
// Closing stop lets a command in flight run to its time limit before the loop ends. Cancelling ctx ends it at once.
// The instance is never terminated here.
func (l *Loop) Run(ctx *batchcontext.Context, stop <-chan struct{}, inst *fleet.Instance) Outcome {
	ctx = batchcontext.WithLogField(ctx, "instanceId", inst.InstanceId)
	if err := l.registry.SetState(fleet.Working, inst.InstanceId); err != nil {
		ctx.Log.WithError(err).Warn("could not register working instance")
	}
	l.metrics.SetWorkersWorking(l.frames.StartWorking(inst.InstanceId))
	l.saveProgress(ctx)
	defer func() {
		l.metrics.SetWorkersWorking(l.frames.StopWorking(inst.InstanceId))
		l.saveProgress(ctx)
	}()

	ctx.Log.Info("computing frames")
	outcome := l.work(ctx, stop, inst)
	ctx.Log.Infof("worker exiting (%s) after finishing %d frames", outcome.Reason, outcome.FramesFinished)
	return outcome
}

func (l *Loop) work(ctx *batchcontext.Context, stop <-chan struct{}, inst *fleet.Instance) Outcome {
	outcome := Outcome{}
	for l.frames.FinishedCount() < l.frames.WantedCount() {
		switch {
		case isClosed(stop) || ctx.Err() != nil:
			outcome.Reason = Stopped
			return outcome
		case !l.clock.Now().Before(l.deadline):
			ctx.Log.Warn("exiting because the deadline has passed")
			outcome.Reason = DeadlinePassed
			return outcome
		case outcome.ConsecutiveFailures >= configuration.MaxConsecutiveFailures:
			ctx.Log.Warnf("exiting because the instance has failed %d times in a row", outcome.ConsecutiveFailures)
			outcome.Reason = TooManyFailures
			return outcome
		}

		frameNum, ok := l.frames.Claim(inst.InstanceId)
		if !ok {
			if !batchcontext.Sleep(ctx, stop, l.config.Intervals.ClaimPoll) {
				continue
			}
			// Another worker may have finished the last frame while we slept.
			if l.frames.FinishedCount() >= l.frames.WantedCount() {
				continue
			}
			if l.excessWorker() {
				ctx.Log.Infof("exiting because few frames are left (%d unfinished, %d workers)",
					l.frames.UnfinishedCount(), l.frames.WorkingCount())
				outcome.Reason = Retired
				return outcome
			}
			continue
		}

		if l.runFrame(ctx, stop, inst, frameNum) {
			outcome.FramesFinished++
			outcome.ConsecutiveFailures = 0
			if l.config.LimitOneFramePerWorker {
				outcome.Reason = OneFrameDone
				return outcome
			}
		} else {
			outcome.ConsecutiveFailures++
		}
	}
	outcome.Reason = NoFramesLeft
	return outcome
}

// excessWorker reports whether the working pool is larger than the unfinished frames call for.
func (l *Loop) excessWorker() bool {
	unfinished := l.frames.UnfinishedCount()
	workers := l.frames.WorkingCount()
	return float64(workers) > math.Round(float64(unfinished)*l.config.EffectiveAutoscaleMax())
}

// runFrame computes and retrieves one claimed frame. The frame is finished if it returns true, and back
// in the queue otherwise.
func (l *Loop) runFrame(ctx *batchcontext.Context, stop <-chan struct{}, inst *fleet.Instance, frameNum int) bool {
	ctx = batchcontext.WithLogField(ctx, "frameNum", frameNum)
	iid := inst.InstanceId
	startedAt := l.clock.Now()
	limit := l.frameLimit()

	l.events.FrameState(iid, frameNum, string(state.FrameStarting), 0)
	l.saveProgress(ctx)

	slow := l.watchForSlowness(iid, frameNum, limit)
	result := l.executor.RunCommand(ctx, inst.Host(), l.processor.FrameCmd(frameNum), limit, l.outputHandler(ctx, iid, frameNum))
	slow.Stop()

	if !result.Ok() {
		ctx.Log.Warnf("frame failed to compute (%s, rc %d)", result.Status, result.ExitCode)
		l.events.FrameState(iid, frameNum, string(state.FrameComputeFailed), result.ExitCode)
		if result.Status == remote.TimedOut {
			l.metrics.RecordFrameOutcome(metrics.FrameTimedOut)
		} else {
			l.metrics.RecordFrameOutcome(metrics.FrameComputeFailed)
		}
		l.requeue(ctx, frameNum, state.FrameComputeFailed)
		// A failing instance backs off so healthier ones pick the frame up first.
		batchcontext.Sleep(ctx, stop, l.config.Intervals.FailureBackoff)
		return false
	}
	l.events.FrameState(iid, frameNum, string(state.FrameComputed), 0)
	l.frames.SetFrameState(frameNum, state.FrameComputed)

	l.events.FrameState(iid, frameNum, string(state.FrameRetrieving), 0)
	l.frames.SetFrameState(frameNum, state.FrameRetrieving)
	result = l.executor.Download(ctx, inst.Host(), l.processor.FrameOutFileName(frameNum), l.outDir, retrieveTimeLimit)
	if !result.Ok() {
		ctx.Log.Warnf("frame output could not be retrieved (%s, rc %d)", result.Status, result.ExitCode)
		if result.Stderr != "" {
			l.events.Stderr(iid, strings.TrimRight(result.Stderr, "\n"))
		}
		l.events.FrameState(iid, frameNum, string(state.FrameRetrieveFailed), result.ExitCode)
		l.metrics.RecordFrameOutcome(metrics.FrameRetrieveFailed)
		l.requeue(ctx, frameNum, state.FrameRetrieveFailed)
		return false
	}

	if _, err := l.frames.MarkFinished(frameNum); err != nil {
		ctx.Log.WithError(err).Error("could not mark frame finished")
	}
	l.events.FrameState(iid, frameNum, string(state.FrameRetrieved), 0)
	l.metrics.RecordFrameOutcome(metrics.FrameFinished)
	l.metrics.RecordFrameDuration(l.clock.Since(startedAt))
	l.metrics.SetFrameCounts(l.frames.RemainingCount(), l.frames.FinishedCount())
	ctx.Log.Infof("finished %d frames out of %d", l.frames.FinishedCount(), l.frames.WantedCount())
	l.saveProgress(ctx)
	return true
}

func (l *Loop) requeue(ctx *batchcontext.Context, frameNum int, failedState state.FrameState) {
	l.frames.SetFrameState(frameNum, failedState)
	if err := l.frames.Requeue(frameNum); err != nil {
		ctx.Log.WithError(err).Error("could not requeue frame")
	}
	l.metrics.SetFrameCounts(l.frames.RemainingCount(), l.frames.FinishedCount())
	l.saveProgress(ctx)
}

// frameLimit bounds a frame by the frame and job limits and by the time left before the deadline.
func (l *Loop) frameLimit() time.Duration {
	limit := l.config.FrameTimeLimit
	if l.config.TimeLimit > 0 {
		limit = min(limit, l.config.TimeLimit)
	}
	return max(0, min(limit, l.deadline.Sub(l.clock.Now())))
}

// watchForSlowness checks the frame once half its limit is used up.
func (l *Loop) watchForSlowness(iid string, frameNum int, limit time.Duration) clock.Timer {
	return l.clock.AfterFunc(limit/2, func() {
		// Fake clocks run callbacks while holding their own lock, and reporting reads the clock.
		go l.reportIfSlow(iid, frameNum)
	})
}

// reportIfSlow records a seemsSlow event if iid is still computing the frame and it is less than half done.
func (l *Loop) reportIfSlow(iid string, frameNum int) {
	if progress, computing := l.frames.Computing(frameNum, iid); computing && progress < 0.5 {
		l.events.FrameState(iid, frameNum, string(state.FrameSeemsSlow), 0)
	}
}

// outputHandler keeps remote output in the event log, and turns progress reports into frame progress.
func (l *Loop) outputHandler(ctx *batchcontext.Context, iid string, frameNum int) remote.LineHandler {
	parser, parses := l.processor.(processor.ProgressParser)
	filter, filters := l.processor.(processor.OutputFilter)
	var mu sync.Mutex
	return func(stream remote.Stream, line string) {
		if stream == remote.Stderr {
			l.events.Stderr(iid, line)
			return
		}
		if parses {
			if progress, ok := parser.ParseProgress(line); ok {
				mu.Lock()
				defer mu.Unlock()
				if l.frames.UpdateProgress(frameNum, progress) {
					ctx.Log.Infof("frame is %.1f%% done", progress*100)
					l.saveProgress(ctx)
				}
				return
			}
		}
		if filters && filter.Quiet(line) {
			return
		}
		if strings.TrimSpace(line) != "" {
			l.events.Stdout(iid, line)
		}
	}
}

func (l *Loop) saveProgress(ctx *batchcontext.Context) {
	if l.progress == nil {
		return
	}
	if err := l.progress.Save(l.frames); err != nil {
		ctx.Log.WithError(err).Warn("could not save progress")
	}
}

func isClosed(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
