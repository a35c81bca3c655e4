package state

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"
)

// FrameDetail is the per-frame record published in the progress file.
type FrameDetail struct {
	FrameNum int        `json:"frameNum"`
	State    FrameState `json:"state"`
	// Instance currently or last holding the frame.
	InstanceId string `json:"instanceId,omitempty"`
	NRequeues  int    `json:"nRequeues"`
	// Fraction of the current attempt completed, 0..1.
	Progress float64 `json:"progress"`
	// Seconds since the current attempt started.
	ElapsedTime  float64   `json:"elapsedTime"`
	LastDateTime time.Time `json:"lastDateTime"`

	attemptStart time.Time
}

// ProgressSnapshot is an immutable view of job progress. It is never read back by scheduling.
type ProgressSnapshot struct {
	NFramesFinished int           `json:"nFramesFinished"`
	NFramesWanted   int           `json:"nFramesWanted"`
	NWorkersWorking int           `json:"nWorkersWorking"`
	FrameDetails    []FrameDetail `json:"frameDetails"`
}

// SchedulerState owns the pending, in-flight and finished frames, their details and the set of
// working instances. One mutex guards all of it.
type SchedulerState struct {
	pending  []int
	inFlight map[int]string
	finished map[int]bool
	details  map[int]*FrameDetail
	working  map[string]bool
	wanted   int
	clock    clock.PassiveClock
	mu       sync.Mutex
}

func NewSchedulerState(frameNums []int, clock clock.PassiveClock) *SchedulerState {
	now := clock.Now()
	details := make(map[int]*FrameDetail, len(frameNums))
	for _, frameNum := range frameNums {
		details[frameNum] = &FrameDetail{FrameNum: frameNum, State: FramePending, LastDateTime: now}
	}
	return &SchedulerState{
		pending:  slices.Clone(frameNums),
		inFlight: map[int]string{},
		finished: map[int]bool{},
		details:  details,
		working:  map[string]bool{},
		wanted:   len(frameNums),
		clock:    clock,
	}
}

func (s *SchedulerState) Claim(instanceId string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return 0, false
	}
	frameNum := s.pending[0]
	s.pending = s.pending[1:]
	s.inFlight[frameNum] = instanceId

	now := s.clock.Now()
	detail := s.details[frameNum]
	detail.State = FrameStarting
	detail.InstanceId = instanceId
	detail.Progress = 0
	detail.ElapsedTime = 0
	detail.attemptStart = now
	detail.LastDateTime = now
	return frameNum, true
}

func (s *SchedulerState) Requeue(frameNum int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[frameNum]; !ok {
		return errors.Errorf("cannot requeue frame %d as it is not in flight", frameNum)
	}
	delete(s.inFlight, frameNum)
	s.pending = append(s.pending, frameNum)

	detail := s.details[frameNum]
	detail.NRequeues++
	detail.LastDateTime = s.clock.Now()
	return nil
}

func (s *SchedulerState) MarkFinished(frameNum int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished[frameNum] {
		return false, nil
	}
	if _, ok := s.inFlight[frameNum]; !ok {
		return false, errors.Errorf("cannot finish frame %d as it is not in flight", frameNum)
	}
	delete(s.inFlight, frameNum)
	s.finished[frameNum] = true

	now := s.clock.Now()
	detail := s.details[frameNum]
	detail.State = FrameRetrieved
	detail.Progress = 1
	detail.ElapsedTime = now.Sub(detail.attemptStart).Seconds()
	detail.LastDateTime = now
	return true, nil
}

func (s *SchedulerState) RemainingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *SchedulerState) FinishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finished)
}

func (s *SchedulerState) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *SchedulerState) WantedCount() int {
	return s.wanted
}

// UnfinishedCount is the number of frames not yet finished, whether pending or in flight.
func (s *SchedulerState) UnfinishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wanted - len(s.finished)
}

// SetFrameState records the state of the frame's current attempt.
func (s *SchedulerState) SetFrameState(frameNum int, state FrameState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail, ok := s.details[frameNum]
	if !ok {
		return
	}
	now := s.clock.Now()
	detail.State = state
	detail.LastDateTime = now
	if !detail.attemptStart.IsZero() {
		detail.ElapsedTime = now.Sub(detail.attemptStart).Seconds()
	}
}

// UpdateProgress records the progress of the frame's current attempt.
// Returns true if progress advanced by at least one percentage point, so callers only republish on real change.
func (s *SchedulerState) UpdateProgress(frameNum int, progress float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail, ok := s.details[frameNum]
	if !ok || s.finished[frameNum] {
		return false
	}
	progress = math.Max(0, math.Min(1, progress))
	advanced := math.Floor(progress*100) > math.Floor(detail.Progress*100)
	now := s.clock.Now()
	detail.Progress = progress
	detail.ElapsedTime = now.Sub(detail.attemptStart).Seconds()
	detail.LastDateTime = now
	return advanced
}

// Progress returns the last reported progress of the frame and how long its current attempt has run.
func (s *SchedulerState) Progress(frameNum int) (float64, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail, ok := s.details[frameNum]
	if !ok || detail.attemptStart.IsZero() {
		return 0, 0
	}
	return detail.Progress, s.clock.Since(detail.attemptStart)
}

// Computing reports whether instanceId holds the frame and has not finished computing it, along with the
// progress of that attempt.
func (s *SchedulerState) Computing(frameNum int, instanceId string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[frameNum] != instanceId {
		return 0, false
	}
	detail := s.details[frameNum]
	return detail.Progress, detail.State == FrameStarting
}

// StartWorking adds an instance to the working set. Returns the new size of the set.
func (s *SchedulerState) StartWorking(instanceId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working[instanceId] = true
	return len(s.working)
}

// StopWorking removes an instance from the working set. Returns the new size of the set.
func (s *SchedulerState) StopWorking(instanceId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.working, instanceId)
	return len(s.working)
}

func (s *SchedulerState) WorkingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.working)
}

// UnfinishedFrames returns the frames never finished, in ascending order.
func (s *SchedulerState) UnfinishedFrames() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var frames []int
	for frameNum := range s.details {
		if !s.finished[frameNum] {
			frames = append(frames, frameNum)
		}
	}
	slices.Sort(frames)
	return frames
}

// Snapshot returns a copy of the current progress, with frame details in ascending frame order.
func (s *SchedulerState) Snapshot() ProgressSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	frameNums := maps.Keys(s.details)
	slices.Sort(frameNums)
	details := make([]FrameDetail, 0, len(frameNums))
	for _, frameNum := range frameNums {
		details = append(details, *s.details[frameNum])
	}
	return ProgressSnapshot{
		NFramesFinished: len(s.finished),
		NFramesWanted:   s.wanted,
		NWorkersWorking: len(s.working),
		FrameDetails:    details,
	}
}
