package cloud

import (
	"context"
)

// Instance states reported by the cloud.
const (
	StateInitial   = "initial"
	StateStarting  = "starting"
	StateStarted   = "started"
	StateExhausted = "exhausted"
	StateIse       = "ise"
	StateTimedOut  = "timedout"
	StateStopped   = "stopped"
	// Recorded for instances the cloud could not describe.
	StateUnknown   = "<unknown>"
)

// IsFailedState reports whether an instance in this state will never start.
func IsFailedState(state string) bool {
	switch state {
	case StateExhausted, StateIse, StateTimedOut:
		return true
	default:
		return false
	}
}

// LaunchRequest asks for Count instances matching Filter.
type LaunchRequest struct {
	// Id of the launch job. Instances of an interrupted launch can be terminated by it.
	JobId            string
	Count            int
	SshClientKeyName string
	Filter           map[string]interface{}
	EncryptFiles     bool
}

// Client is the cloud compute marketplace.
// Every call may fail transiently; implementations retry where that is safe.
type Client interface {
	// ValidateToken returns batcherrors.ErrUnauthorized if the auth token is rejected.
	ValidateToken(ctx context.Context) error
	AvailableDeviceCount(ctx context.Context, filter map[string]interface{}, encryptFiles bool) (int, error)
	// LaunchInstances returns a record for every instance allocated to the launch, started or not.
	// If the launch is cut short, the records known so far are returned along with the error.
	LaunchInstances(ctx context.Context, req LaunchRequest) ([]InstanceRecord, error)
	QueryInstance(ctx context.Context, instanceId string) (InstanceRecord, error)
	TerminateInstances(ctx context.Context, instanceIds []string) error
	// TerminateLaunch terminates every instance of the given launch job.
	TerminateLaunch(ctx context.Context, jobId string) error
	UploadSshClientKey(ctx context.Context, name string, publicKey string) error
	DeleteSshClientKey(ctx context.Context, name string) error
}
