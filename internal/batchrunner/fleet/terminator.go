package fleet

import (
	"time"

	"github.com/pkg/errors"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/jobdir"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/metrics"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/remote"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/reporter"
	"github.com/neocortix/ncscli-sub000/internal/common/batchcontext"
)

// Termination says why instances are being let go and how that is recorded.
type Termination struct {
	// Operation recorded in the event log, e.g. terminateBad.
	Op string
	// Instance id the operation is recorded against, e.g. <master>.
	RecordedBy string
	// Metrics label.
	Reason string
	// Whether the event log value is the list of ids or, for a single worker retiring itself, the bare id.
	SingleId bool
}

var (
	RecruitFailed = Termination{Op: reporter.OpTerminateBad, RecordedBy: reporter.RecruiterInstanceId, Reason: metrics.TerminationRecruitFailed}
	FailedWorker  = Termination{Op: reporter.OpTerminateFailedWorker, RecordedBy: reporter.MasterInstanceId, Reason: metrics.TerminationFailedWorker, SingleId: true}
	ExcessWorker  = Termination{Op: reporter.OpTerminateExcessWorker, RecordedBy: reporter.MasterInstanceId, Reason: metrics.TerminationExcessWorker, SingleId: true}
	Final         = Termination{Op: reporter.OpTerminateFinal, RecordedBy: reporter.MasterInstanceId, Reason: metrics.TerminationFinal}

	// Final cleanup after an operator interrupt.
	Aborted = Termination{Op: reporter.OpTerminateFinal, RecordedBy: reporter.MasterInstanceId, Reason: metrics.TerminationAborted}
)

// Terminator releases instances back to the cloud and forgets their host keys.
type Terminator struct {
	client   cloud.Client
	registry *Registry
	hostKeys *remote.HostKeyStore
	events   *reporter.EventLog
	jobDir   *jobdir.JobDir
	metrics  *metrics.Metrics
	// Bound on a single terminate call, which runs even after the run has been interrupted.
	timeout time.Duration
}

func NewTerminator(
	client cloud.Client,
	registry *Registry,
	hostKeys *remote.HostKeyStore,
	events *reporter.EventLog,
	jobDir *jobdir.JobDir,
	metrics *metrics.Metrics,
	timeout time.Duration,
) *Terminator {
	return &Terminator{
		client:   client,
		registry: registry,
		hostKeys: hostKeys,
		events:   events,
		jobDir:   jobDir,
		metrics:  metrics,
		timeout:  timeout,
	}
}

// Terminate records the termination, asks the cloud to terminate the instances and purges their host keys.
// Instances the cloud may not have terminated are appended to badTerminations.csv. It runs to completion
// even if ctx has been cancelled, bounded by the terminator's timeout.
func (t *Terminator) Terminate(ctx *batchcontext.Context, why Termination, instances []*Instance) error {
	if len(instances) == 0 {
		return nil
	}
	ids := InstanceIds(instances)
	if why.SingleId && len(ids) == 1 {
		t.events.Operation(why.RecordedBy, why.Op, ids[0])
	} else {
		t.events.Operation(why.RecordedBy, why.Op, ids)
	}
	ctx.Log.Infof("terminating %d instances (%s)", len(ids), why.Op)

	cleanupCtx, cancel := batchcontext.WithTimeout(batchcontext.Detached(ctx), t.timeout)
	defer cancel()
	terminateErr := t.client.TerminateInstances(cleanupCtx, ids)
	if terminateErr != nil {
		ctx.Log.WithError(terminateErr).Warnf("could not confirm termination of %d instances", len(ids))
		t.metrics.RecordTerminationFailures(len(ids))
		if err := t.jobDir.AppendBadTerminations(ids); err != nil {
			ctx.Log.WithError(err).Warn("could not record bad terminations")
		}
	}
	t.metrics.RecordTerminated(why.Reason, len(ids))

	var hostKeys []remote.HostKey
	for _, inst := range instances {
		hostKeys = append(hostKeys, inst.HostKeys()...)
	}
	if err := t.hostKeys.Purge(hostKeys); err != nil {
		ctx.Log.WithError(err).Warn("could not purge host keys")
	}

	terminated := make([]*Instance, len(instances))
	for i, inst := range instances {
		terminated[i] = inst.WithState(Terminated)
	}
	if err := t.registry.Upsert(terminated...); err != nil {
		ctx.Log.WithError(err).Warn("could not register terminated instances")
	}
	return errors.Wrapf(terminateErr, "error terminating %d instances", len(ids))
}
