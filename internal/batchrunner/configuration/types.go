package configuration

import (
	_ "embed"
	"time"

	"github.com/neocortix/ncscli-sub000/internal/common"
)

//go:embed defaults.yaml
var Defaults []byte

const (
	// Consecutive frame failures after which an instance is retired.
	MaxConsecutiveFailures = 3
	// Minimum number of available devices before the autoscaler recruits another instance.
	MinAvailableForAutoscale = 2
)

type SshConfiguration struct {
	// Name of a client key already uploaded to the cloud. When empty a key is uploaded for the run and deleted after launch.
	ClientKeyName string
	PublicKeyFile string `validate:"required"`
	// known_hosts file that launched instances' host keys are added to and purged from.
	KnownHostsFile string `validate:"required"`
	KeyDeleteDelay time.Duration
}

type CloudConfiguration struct {
	Url                  string `validate:"required,url"`
	MaxRetries           uint
	RetryDelay           time.Duration
	RequestsPerSecond    float64 `validate:"gt=0"`
	Burst                int     `validate:"gte=1"`
	AvailabilityCacheTtl time.Duration
	LaunchTimeout        time.Duration
}

type IntervalConfiguration struct {
	ClaimPoll      time.Duration `validate:"gt=0"`
	FailureBackoff time.Duration `validate:"gt=0"`
	Autoscale      time.Duration `validate:"gt=0"`
}

type ProcessorConfiguration struct {
	Type   string `validate:"required"`
	Params map[string]interface{}
}

type BatchRunnerConfiguration struct {
	AuthToken string
	JobName   string `validate:"required"`
	// Output directory for the event log, progress file, audit files and per-instance frame outputs.
	OutDataDir string `validate:"required"`

	StartFrame int
	EndFrame   int
	FrameStep  int `validate:"gte=1"`

	TimeLimit      time.Duration
	FrameTimeLimit time.Duration
	InstTimeLimit  time.Duration
	// How long cleanup may run after the job deadline has passed.
	DeadlineGrace time.Duration

	// Fixed worker count. 0 means the pool is sized from the autoscale ratios.
	NWorkers      int `validate:"gte=0"`
	AutoscaleInit float64
	AutoscaleMin  float64
	AutoscaleMax  float64

	LimitOneFramePerWorker bool
	// Whether this run launches and terminates its own instances, or works on those listed in InstancesFile.
	Launch bool
	// nil means the opposite of Launch.
	KeepSurvivors    *bool
	InstancesFile    string
	CommonInFilePath string
	Filter           map[string]interface{}
	EncryptFiles     bool

	InstallParallelism int `validate:"gte=1"`
	MetricsPort        uint16

	Ssh       SshConfiguration
	Cloud     CloudConfiguration
	Intervals IntervalConfiguration
	Processor ProcessorConfiguration
	Logging   common.LoggingConfig
}

// FrameNums returns the frame numbers of the job in claim order.
func (c BatchRunnerConfiguration) FrameNums() []int {
	var frames []int
	if c.FrameStep <= 0 {
		return frames
	}
	for frame := c.StartFrame; frame <= c.EndFrame; frame += c.FrameStep {
		frames = append(frames, frame)
	}
	return frames
}

// AutomaticSizing reports whether the pool is sized from the autoscale ratios rather than NWorkers.
func (c BatchRunnerConfiguration) AutomaticSizing() bool {
	return c.NWorkers == 0
}

// ShouldKeepSurvivors reports whether instances still alive at the end of the run are left running.
func (c BatchRunnerConfiguration) ShouldKeepSurvivors() bool {
	if c.KeepSurvivors != nil {
		return *c.KeepSurvivors
	}
	return !c.Launch
}

// EffectiveAutoscaleMax is the ratio used for self-retirement.
// A fixed-size pool retires a worker once workers outnumber unfinished frames.
func (c BatchRunnerConfiguration) EffectiveAutoscaleMax() float64 {
	if c.AutomaticSizing() {
		return c.AutoscaleMax
	}
	return 1
}
