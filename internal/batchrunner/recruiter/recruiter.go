package recruiter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/renstrom/shortuuid"
	"k8s.io/utils/clock"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/configuration"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/fleet"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/jobdir"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/metrics"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/processor"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/remote"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/reporter"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/state"
	"github.com/neocortix/ncscli-sub000/internal/common/batchcontext"
	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
	"github.com/neocortix/ncscli-sub000/internal/common/util"
)

const keyNamePrefix = "batchRunner_"

// Recruiter turns a wanted number of workers into instances that are started, reachable and installed.
// Anything that fails a step is terminated and left out.
type Recruiter struct {
	config     configuration.BatchRunnerConfiguration
	deadline   time.Time
	client     cloud.Client
	executor   remote.Executor
	processor  processor.FrameProcessor
	registry   *fleet.Registry
	hostKeys   *remote.HostKeyStore
	terminator *fleet.Terminator
	events     *reporter.EventLog
	jobDir     *jobdir.JobDir
	metrics    *metrics.Metrics
	clock      clock.PassiveClock
}

func NewRecruiter(
	config configuration.BatchRunnerConfiguration,
	deadline time.Time,
	client cloud.Client,
	executor remote.Executor,
	processor processor.FrameProcessor,
	registry *fleet.Registry,
	hostKeys *remote.HostKeyStore,
	terminator *fleet.Terminator,
	events *reporter.EventLog,
	jobDir *jobdir.JobDir,
	metrics *metrics.Metrics,
	clock clock.PassiveClock,
) *Recruiter {
	return &Recruiter{
		config:     config,
		deadline:   deadline,
		client:     client,
		executor:   executor,
		processor:  processor,
		registry:   registry,
		hostKeys:   hostKeys,
		terminator: terminator,
		events:     events,
		jobDir:     jobDir,
		metrics:    metrics,
		clock:      clock,
	}
}

// Recruit returns up to n ready instances. When launch is false the instances come from the configured
// instances file instead of the cloud. The raw launch records are kept in recruitLaunched.json.
//
// Instances are only returned once every step has passed for them. If ctx is cancelled part way,
// everything launched so far is terminated and batcherrors.ErrInterrupted is returned.
// Closing stop cuts a launch short but lets setup of already started instances finish.
func (r *Recruiter) Recruit(ctx *batchcontext.Context, stop <-chan struct{}, n int, launch bool) ([]*fleet.Instance, error) {
	return r.recruit(ctx, stop, n, launch, "")
}

// RecruitOne launches and sets up a single instance, keeping its launch record in its own file.
// It returns nil if the instance could not be made ready.
func (r *Recruiter) RecruitOne(ctx *batchcontext.Context, stop <-chan struct{}) (*fleet.Instance, error) {
	instances, err := r.recruit(ctx, stop, 1, true, randomPart())
	if err != nil || len(instances) == 0 {
		return nil, err
	}
	return instances[0], nil
}

func (r *Recruiter) recruit(ctx *batchcontext.Context, stop <-chan struct{}, n int, launch bool, suffix string) ([]*fleet.Instance, error) {
	if n <= 0 {
		return nil, nil
	}
	if stopped(stop) {
		ctx.Log.Info("not recruiting, because the run is stopping")
		return nil, nil
	}
	if !r.clock.Now().Before(r.deadline) {
		ctx.Log.Warn("not recruiting, because the deadline has passed")
		return nil, nil
	}

	var records []cloud.InstanceRecord
	var err error
	if launch {
		ctx.Log.Infof("recruiting %d instances", n)
		records, err = r.launch(ctx, stop, n, suffix)
	} else {
		records, err = r.readSupplied(ctx, n)
	}
	if err != nil {
		return nil, err
	}

	started := r.register(ctx, records)
	if interrupted(ctx) {
		return nil, r.abort(ctx, started)
	}

	if err := r.hostKeys.Add(hostKeysOf(started)); err != nil {
		ctx.Log.WithError(err).Warn("could not register every host key")
	}
	good := r.prepare(ctx, stop, started)
	if interrupted(ctx) {
		return nil, r.abort(ctx, started)
	}
	ctx.Log.Infof("recruited %d of %d instances", len(good), n)
	return good, nil
}

// launch asks the cloud for n instances and keeps an audit of what it got back.
func (r *Recruiter) launch(ctx *batchcontext.Context, stop <-chan struct{}, n int, suffix string) ([]cloud.InstanceRecord, error) {
	available, err := r.client.AvailableDeviceCount(ctx, r.config.Filter, r.config.EncryptFiles)
	if err != nil {
		return nil, r.interruptedOr(ctx, errors.Wrap(err, "error querying available devices"))
	}
	if available < n {
		return nil, errors.WithStack(&batcherrors.ErrInsufficientDevices{Requested: n, Available: available})
	}

	keyName, uploaded, err := r.prepareClientKey(ctx)
	if err != nil {
		return nil, r.interruptedOr(ctx, err)
	}

	r.events.Operation(reporter.RecruiterInstanceId, reporter.OpLaunchInstances, n)
	launchCtx, cancel := batchcontext.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-launchCtx.Done():
		}
	}()
	req := cloud.LaunchRequest{
		JobId:            uuid.NewString(),
		Count:            n,
		SshClientKeyName: keyName,
		Filter:           r.config.Filter,
		EncryptFiles:     r.config.EncryptFiles,
	}
	launchedAt := r.clock.Now()
	records, launchErr := r.client.LaunchInstances(launchCtx, req)

	if uploaded {
		r.deleteClientKey(ctx, keyName)
	}
	if err := r.jobDir.WriteLaunchRecords(suffix, records); err != nil {
		ctx.Log.WithError(err).Warn("could not save launch records")
	}
	if err := r.jobDir.AppendLaunches(launchedAt, records); err != nil {
		ctx.Log.WithError(err).Warn("could not record launches")
	}
	r.metrics.RecordLaunched(len(records))

	if launchErr != nil {
		ctx.Log.WithError(launchErr).Warnf("launch of %d instances did not complete", n)
		r.terminateLaunch(ctx, req.JobId, records)
		if interrupted(ctx) {
			return nil, errors.WithStack(batcherrors.ErrInterrupted)
		}
		if stopped(stop) {
			return nil, nil
		}
		return nil, errors.Wrap(launchErr, "error launching instances")
	}
	if len(records) < n {
		ctx.Log.Warnf("could not launch as many instances as wanted (%d vs %d)", len(records), n)
	}
	return records, nil
}

func (r *Recruiter) readSupplied(ctx *batchcontext.Context, n int) ([]cloud.InstanceRecord, error) {
	records, err := jobdir.ReadInstances(r.config.InstancesFile)
	if err != nil {
		return nil, err
	}
	if len(records) > n {
		records = records[:n]
	}
	ctx.Log.Infof("using %d instances from %s", len(records), r.config.InstancesFile)
	return records, nil
}

// prepareClientKey returns the name of the ssh client key to launch with, uploading one if none is configured.
func (r *Recruiter) prepareClientKey(ctx *batchcontext.Context) (string, bool, error) {
	if r.config.Ssh.ClientKeyName != "" {
		return r.config.Ssh.ClientKeyName, false, nil
	}
	contents, err := os.ReadFile(r.config.Ssh.PublicKeyFile)
	if os.IsNotExist(err) {
		return "", false, errors.WithStack(&batcherrors.ErrNotFound{Type: "ssh public key", Value: r.config.Ssh.PublicKeyFile})
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "error reading %s", r.config.Ssh.PublicKeyFile)
	}
	name := keyNamePrefix + randomPart()
	if err := r.client.UploadSshClientKey(ctx, name, strings.TrimSpace(string(contents))); err != nil {
		return "", false, errors.Wrap(err, "could not upload ssh client key")
	}
	return name, true, nil
}

// deleteClientKey removes a key uploaded for a launch, once the cloud has had time to install it.
func (r *Recruiter) deleteClientKey(ctx *batchcontext.Context, name string) {
	batchcontext.Sleep(ctx, nil, r.config.Ssh.KeyDeleteDelay)
	cleanupCtx, cancel := batchcontext.WithTimeout(batchcontext.Detached(ctx), r.config.Cloud.LaunchTimeout)
	defer cancel()
	ctx.Log.Debugf("deleting ssh client key %s", name)
	if err := r.client.DeleteSshClientKey(cleanupCtx, name); err != nil {
		ctx.Log.WithError(err).Warnf("could not delete ssh client key %s", name)
	}
}

// terminateLaunch gives back everything a launch that did not complete may have allocated.
func (r *Recruiter) terminateLaunch(ctx *batchcontext.Context, jobId string, records []cloud.InstanceRecord) {
	cleanupCtx, cancel := batchcontext.WithTimeout(batchcontext.Detached(ctx), r.config.Cloud.LaunchTimeout)
	defer cancel()
	if err := r.client.TerminateLaunch(cleanupCtx, jobId); err != nil {
		ctx.Log.WithError(err).Warnf("could not terminate launch %s", jobId)
	}
	instances := make([]*fleet.Instance, 0, len(records))
	for _, record := range records {
		instances = append(instances, fleet.NewInstance(record, fleet.Requested))
	}
	if err := r.terminator.Terminate(ctx, fleet.RecruitFailed, instances); err != nil {
		ctx.Log.WithError(err).Warn("could not terminate partially launched instances")
	}
}

// register records every instance and terminates those that never started. It returns the started ones.
func (r *Recruiter) register(ctx *batchcontext.Context, records []cloud.InstanceRecord) []*fleet.Instance {
	var started, notStarted []*fleet.Instance
	for _, record := range records {
		if record.Started() && record.Ssh != nil {
			started = append(started, fleet.NewInstance(record, fleet.Started))
		} else {
			notStarted = append(notStarted, fleet.NewInstance(record, fleet.Requested))
		}
	}
	if err := r.registry.Upsert(append(started, notStarted...)...); err != nil {
		ctx.Log.WithError(err).Warn("could not register instances")
	}
	if len(notStarted) > 0 {
		ctx.Log.Warnf("terminating %d non-started instances", len(notStarted))
		if err := r.terminator.Terminate(ctx, fleet.RecruitFailed, notStarted); err != nil {
			ctx.Log.WithError(err).Warn("could not terminate non-started instances")
		}
	}
	return started
}

// prepare uploads the common input file and runs the installer on every instance in parallel.
// It returns the instances that passed, and terminates the rest.
func (r *Recruiter) prepare(ctx *batchcontext.Context, stop <-chan struct{}, instances []*fleet.Instance) []*fleet.Instance {
	installer, hasInstaller := r.processor.InstallerCmd()
	if !hasInstaller && r.config.CommonInFilePath == "" {
		r.markInstalled(ctx, instances)
		return instances
	}

	var mu sync.Mutex
	passed := make(map[string]bool)
	util.ProcessItemsWithThreadPool(ctx, r.config.InstallParallelism, instances, func(inst *fleet.Instance) {
		instCtx := batchcontext.WithLogField(ctx, "instanceId", inst.InstanceId)
		if r.setUp(instCtx, inst, installer, hasInstaller) {
			mu.Lock()
			passed[inst.InstanceId] = true
			mu.Unlock()
		}
	})
	if interrupted(ctx) {
		return nil
	}

	var good, bad []*fleet.Instance
	for _, inst := range instances {
		if passed[inst.InstanceId] {
			good = append(good, inst)
		} else {
			bad = append(bad, inst)
		}
	}
	ctx.Log.Infof("%d good installs, %d bad installs", len(good), len(bad))
	if len(bad) > 0 {
		if err := r.terminator.Terminate(ctx, fleet.RecruitFailed, bad); err != nil {
			ctx.Log.WithError(err).Warn("could not terminate instances that failed setup")
		}
	}
	r.markInstalled(ctx, good)
	return good
}

func (r *Recruiter) markInstalled(ctx *batchcontext.Context, instances []*fleet.Instance) {
	if len(instances) == 0 {
		return
	}
	if err := r.registry.SetState(fleet.Installed, fleet.InstanceIds(instances)...); err != nil {
		ctx.Log.WithError(err).Warn("could not register installed instances")
	}
	for i, inst := range instances {
		instances[i] = inst.WithState(fleet.Installed)
	}
}

// setUp runs the per-instance recruitment steps within the install time limit.
func (r *Recruiter) setUp(ctx *batchcontext.Context, inst *fleet.Instance, installer string, hasInstaller bool) bool {
	instDeadline := r.clock.Now().Add(r.config.InstTimeLimit)
	if instDeadline.After(r.deadline) {
		instDeadline = r.deadline
	}
	host := inst.Host()

	if r.config.CommonInFilePath != "" {
		r.events.FrameState(inst.InstanceId, reporter.CommonInFileFrameNum, string(state.FrameRsyncing), 0)
		result := r.executor.Upload(ctx, host, r.config.CommonInFilePath, filepath.Base(r.config.CommonInFilePath), r.remaining(instDeadline))
		if !result.Ok() {
			if result.Stderr != "" {
				r.events.Stderr(inst.InstanceId, result.Stderr)
			}
			r.events.FrameState(inst.InstanceId, reporter.CommonInFileFrameNum, string(state.FrameRsyncFailed), result.ExitCode)
			ctx.Log.Warnf("upload of %s failed (%s, rc %d)", r.config.CommonInFilePath, result.Status, result.ExitCode)
			return false
		}
		r.events.FrameState(inst.InstanceId, reporter.CommonInFileFrameNum, string(state.FrameRsynced), 0)
	}

	if !hasInstaller {
		return true
	}
	r.events.Operation(inst.InstanceId, reporter.OpConnect, []interface{}{host.Hostname, host.Port})
	r.events.Operation(inst.InstanceId, reporter.OpCommand, installer)
	result := r.executor.RunCommand(ctx, host, installer, r.remaining(instDeadline), func(stream remote.Stream, line string) {
		if stream == remote.Stderr {
			r.events.Stderr(inst.InstanceId, line)
		}
	})
	switch result.Status {
	case remote.Succeeded:
		r.events.Operation(inst.InstanceId, reporter.OpReturnCode, 0)
		ctx.Log.Info("installer succeeded")
		return true
	case remote.TimedOut:
		r.events.Operation(inst.InstanceId, reporter.OpTimeout, r.config.InstTimeLimit.Seconds())
	default:
		r.events.Operation(inst.InstanceId, reporter.OpReturnCode, result.ExitCode)
	}
	ctx.Log.Warnf("installer failed (%s, rc %d)", result.Status, result.ExitCode)
	return false
}

func (r *Recruiter) remaining(deadline time.Time) time.Duration {
	remaining := deadline.Sub(r.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// abort terminates everything a recruitment had started, then reports the interruption.
func (r *Recruiter) abort(ctx *batchcontext.Context, instances []*fleet.Instance) error {
	ctx.Log.Warn("recruitment was interrupted")
	if err := r.terminator.Terminate(ctx, fleet.RecruitFailed, instances); err != nil {
		ctx.Log.WithError(err).Warn("could not terminate every recruited instance")
	}
	return errors.WithStack(batcherrors.ErrInterrupted)
}

func (r *Recruiter) interruptedOr(ctx *batchcontext.Context, err error) error {
	if interrupted(ctx) {
		return errors.WithStack(batcherrors.ErrInterrupted)
	}
	return err
}

func hostKeysOf(instances []*fleet.Instance) []remote.HostKey {
	var keys []remote.HostKey
	for _, inst := range instances {
		keys = append(keys, inst.HostKeys()...)
	}
	return keys
}

func interrupted(ctx *batchcontext.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// randomPart names a recruit's client key and audit file.
func randomPart() string {
	return shortuuid.New()[:13]
}
