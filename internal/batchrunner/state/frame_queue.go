package state

// FrameQueue is the ordered set of pending frames plus the set of finished frames.
// Implementations are safe for concurrent use and never hand the same frame to two claimants
// until it has been requeued or finished.
type FrameQueue interface {
	// Claim removes the frame at the head of the pending sequence and records it as in flight on instanceId.
	// Returns false if no frame is pending.
	Claim(instanceId string) (int, bool)
	// Requeue returns an in-flight frame to the tail of the pending sequence.
	Requeue(frameNum int) error
	// MarkFinished moves an in-flight frame to the finished set.
	// Returns false if the frame was already finished.
	MarkFinished(frameNum int) (bool, error)
	// RemainingCount is the number of pending frames.
	RemainingCount() int
	FinishedCount() int
	InFlightCount() int
	// WantedCount is the number of frames in the job.
	WantedCount() int
}

type FrameState string

const (
	FramePending        FrameState = "pending"
	FrameStarting       FrameState = "starting"
	FrameComputed       FrameState = "computed"
	FrameComputeFailed  FrameState = "computeFailed"
	FrameRetrieving     FrameState = "retrieving"
	FrameRetrieved      FrameState = "retrieved"
	FrameRetrieveFailed FrameState = "retrieveFailed"
	FrameSeemsSlow      FrameState = "seemsSlow"
)

// States of the common input upload, recorded against the pseudo-frame -1.
const (
	FrameRsyncing    FrameState = "rsyncing"
	FrameRsynced     FrameState = "rsynced"
	FrameRsyncFailed FrameState = "rsyncFailed"
)
