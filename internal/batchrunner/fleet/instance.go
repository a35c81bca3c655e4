package fleet

import (
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/remote"
)

// State is where an instance is in its lifecycle.
type State string

const (
	// Asked for from the cloud but not yet started.
	Requested State = "requested"
	// Started and reachable, not yet installed.
	Started State = "started"
	// Passed every recruitment step.
	Installed State = "installed"
	// Running a worker loop.
	Working State = "working"
	// Terminated by this run.
	Terminated State = "terminated"
	// Dropped during recruitment.
	Failed State = "failed"
)

func (s State) Live() bool {
	return s != Terminated && s != Failed
}

// Instance is a remote machine leased from the cloud.
// Instances held by the Registry are never modified in place; state changes store a copy.
type Instance struct {
	InstanceId string
	State      State
	Record     cloud.InstanceRecord
}

func NewInstance(record cloud.InstanceRecord, state State) *Instance {
	return &Instance{InstanceId: record.InstanceId, State: state, Record: record}
}

func (i *Instance) WithState(state State) *Instance {
	copied := *i
	copied.State = state
	return &copied
}

// Reachable reports whether the cloud has said how to connect to the instance.
func (i *Instance) Reachable() bool {
	return i.Record.Ssh != nil && i.Record.Ssh.Host != ""
}

func (i *Instance) Host() remote.Host {
	if i.Record.Ssh == nil {
		return remote.Host{InstanceId: i.InstanceId}
	}
	return remote.HostFromSpecs(i.InstanceId, *i.Record.Ssh)
}

func (i *Instance) HostKeys() []remote.HostKey {
	if i.Record.Ssh == nil {
		return nil
	}
	return remote.HostKeysFromSpecs(*i.Record.Ssh)
}

func InstanceIds(instances []*Instance) []string {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.InstanceId
	}
	return ids
}

func Records(instances []*Instance) []cloud.InstanceRecord {
	records := make([]cloud.InstanceRecord, len(instances))
	for i, inst := range instances {
		records[i] = inst.Record
	}
	return records
}
