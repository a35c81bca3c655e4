package fake

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
)

// HostKey is the ecdsa host key every fake instance reports.
const HostKey = "ecdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTYAAABBBBKNHyHwegS+ifu8rs52EBwqT9y8l2iwY8nVVU9Ey7YuRX3ogtJDiXKnUpsr3e8QFBZs/pvj+xrl0dOwkhzIKLE="

// FakeClient is an in-memory cloud. Launched instances start immediately unless FailStart says otherwise.
type FakeClient struct {
	// Number of devices reported as available. Launches use it up and terminations give it back.
	Available int
	// FailStart is called with the 0 based launch sequence number of each instance.
	FailStart func(n int) bool
	Unauthorized bool
	LaunchErr    error
	TerminateErr error

	launchCount        int
	launched           map[string]cloud.InstanceRecord
	terminated         map[string]bool
	terminatedLaunches []string
	keys               map[string]string
	deletedKeys        []string
	availableQueries   int
	mu                 sync.Mutex
}

func NewFakeClient(available int) *FakeClient {
	return &FakeClient{
		Available:  available,
		launched:   map[string]cloud.InstanceRecord{},
		terminated: map[string]bool{},
		keys:       map[string]string{},
	}
}

func (c *FakeClient) ValidateToken(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unauthorized {
		return &batcherrors.ErrUnauthorized{}
	}
	return nil
}

func (c *FakeClient) AvailableDeviceCount(ctx context.Context, _ map[string]interface{}, _ bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.availableQueries++
	return c.Available, nil
}

func (c *FakeClient) LaunchInstances(ctx context.Context, req cloud.LaunchRequest) ([]cloud.InstanceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.LaunchErr != nil {
		return nil, c.LaunchErr
	}
	records := make([]cloud.InstanceRecord, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		n := c.launchCount
		c.launchCount++
		instanceId := fmt.Sprintf("i-%06d", n)
		record := cloud.InstanceRecord{
			InstanceId: instanceId,
			State:      cloud.StateStarted,
			JobId:      req.JobId,
			Raw:        map[string]interface{}{"job": req.JobId},
		}
		if c.FailStart != nil && c.FailStart(n) {
			record.State = cloud.StateExhausted
		} else {
			record.Ssh = &cloud.SshSpecs{
				Host:     fmt.Sprintf("host-%d.example.com", n),
				Port:     10000 + n,
				User:     "root",
				HostKeys: map[string]string{"ecdsa": HostKey},
			}
		}
		c.launched[instanceId] = record
		records = append(records, record)
	}
	c.Available -= req.Count
	return records, nil
}

func (c *FakeClient) QueryInstance(_ context.Context, instanceId string) (cloud.InstanceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.launched[instanceId]
	if !ok {
		return cloud.InstanceRecord{}, &batcherrors.ErrNotFound{Type: "instance", Value: instanceId}
	}
	if c.terminated[instanceId] {
		record.State = cloud.StateStopped
	}
	return record, nil
}

func (c *FakeClient) TerminateInstances(_ context.Context, instanceIds []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TerminateErr != nil {
		return c.TerminateErr
	}
	for _, instanceId := range instanceIds {
		if !c.terminated[instanceId] {
			c.terminated[instanceId] = true
			c.Available++
		}
	}
	return nil
}

func (c *FakeClient) TerminateLaunch(_ context.Context, jobId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminatedLaunches = append(c.terminatedLaunches, jobId)
	for instanceId, record := range c.launched {
		if record.JobId == jobId && !c.terminated[instanceId] {
			c.terminated[instanceId] = true
			c.Available++
		}
	}
	return nil
}

func (c *FakeClient) UploadSshClientKey(_ context.Context, name string, publicKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[name] = publicKey
	return nil
}

func (c *FakeClient) DeleteSshClientKey(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, name)
	c.deletedKeys = append(c.deletedKeys, name)
	return nil
}

// Launched returns the ids of every instance launched so far, sorted.
func (c *FakeClient) Launched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := maps.Keys(c.launched)
	slices.Sort(ids)
	return ids
}

// Terminated returns the ids of every terminated instance, sorted.
func (c *FakeClient) Terminated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := maps.Keys(c.terminated)
	slices.Sort(ids)
	return ids
}

// Running returns the ids of launched instances not yet terminated, sorted.
func (c *FakeClient) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for instanceId := range c.launched {
		if !c.terminated[instanceId] {
			ids = append(ids, instanceId)
		}
	}
	slices.Sort(ids)
	return ids
}

func (c *FakeClient) TerminatedLaunches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.terminatedLaunches)
}

// Keys returns the names of ssh client keys currently uploaded.
func (c *FakeClient) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := maps.Keys(c.keys)
	slices.Sort(names)
	return names
}

func (c *FakeClient) DeletedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.deletedKeys)
}

func (c *FakeClient) AvailableQueries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availableQueries
}

// SetAvailable changes the number of devices reported as available.
func (c *FakeClient) SetAvailable(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Available = n
}
