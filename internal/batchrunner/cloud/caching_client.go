package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachingClient caches available device counts, which the autoscaler polls far more often than they change.
// Every other call goes straight through.
type CachingClient struct {
	Client
	counts *cache.Cache
}

func NewCachingClient(client Client, ttl time.Duration) *CachingClient {
	return &CachingClient{
		Client: client,
		counts: cache.New(ttl, 2*ttl),
	}
}

func (c *CachingClient) AvailableDeviceCount(ctx context.Context, filter map[string]interface{}, encryptFiles bool) (int, error) {
	key, err := countKey(filter, encryptFiles)
	if err != nil {
		return c.Client.AvailableDeviceCount(ctx, filter, encryptFiles)
	}
	if count, found := c.counts.Get(key); found {
		return count.(int), nil
	}
	count, err := c.Client.AvailableDeviceCount(ctx, filter, encryptFiles)
	if err != nil {
		return 0, err
	}
	c.counts.SetDefault(key, count)
	return count, nil
}

// LaunchInstances invalidates cached counts, as a launch changes availability.
func (c *CachingClient) LaunchInstances(ctx context.Context, req LaunchRequest) ([]InstanceRecord, error) {
	c.counts.Flush()
	return c.Client.LaunchInstances(ctx, req)
}

func countKey(filter map[string]interface{}, encryptFiles bool) (string, error) {
	// encoding/json sorts map keys, so equal filters give equal keys.
	encoded, err := json.Marshal(filter)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%t/%s", encryptFiles, encoded), nil
}
