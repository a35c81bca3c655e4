package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
)

const (
	apiVersionHeader = "X-Neocortix-Cloud-API-Version"
	authTokenHeader  = "X-Neocortix-Cloud-API-AuthToken"
	apiVersion       = "1"

	terminateParallelism = 4
)

type NcsClientConfig struct {
	Url               string
	AuthToken         string
	MaxRetries        uint
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Burst             int
	// How long to wait for launched instances to start.
	LaunchTimeout time.Duration
	// Interval between polls while a launch is in progress.
	PollInterval time.Duration
	HttpClient   *http.Client
}

// NcsClient talks to the Neocortix Cloud REST API.
type NcsClient struct {
	baseUrl       string
	authToken     string
	maxRetries    uint
	retryDelay    time.Duration
	launchTimeout time.Duration
	pollInterval  time.Duration
	limiter       *rate.Limiter
	httpClient    *http.Client
}

func NewNcsClient(config NcsClientConfig) *NcsClient {
	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 150 * time.Second}
	}
	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	baseUrl := config.Url
	if !strings.HasSuffix(baseUrl, "/") {
		baseUrl += "/"
	}
	return &NcsClient{
		baseUrl:       baseUrl,
		authToken:     config.AuthToken,
		maxRetries:    config.MaxRetries,
		retryDelay:    config.RetryDelay,
		launchTimeout: config.LaunchTimeout,
		pollInterval:  pollInterval,
		limiter:       rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		httpClient:    httpClient,
	}
}

// statusError is a non-2xx response.
type statusError struct {
	method     string
	path       string
	statusCode int
	body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.method, e.path, e.statusCode, e.body)
}

// transientError marks failures worth retrying: connection failures and 5xx responses.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

func isTransient(err error) bool {
	var e *transientError
	return errors.As(err, &e)
}

// do performs one API call, retrying connection failures and 5xx responses.
// The decoded response body is stored in out if it is non-nil.
func (c *NcsClient) do(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.WithStack(err)
		}
	}

	var content []byte
	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return errors.WithStack(err)
			}
			var reader io.Reader
			if payload != nil {
				reader = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, c.baseUrl+path, reader)
			if err != nil {
				return errors.WithStack(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			req.Header.Set(apiVersionHeader, apiVersion)
			req.Header.Set(authTokenHeader, c.authToken)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &transientError{err: errors.Wrapf(err, "%s %s", method, path)}
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return errors.Wrapf(err, "error reading response of %s %s", method, path)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				statusErr := &statusError{method: method, path: path, statusCode: resp.StatusCode, body: string(data)}
				if resp.StatusCode >= 500 {
					return &transientError{err: statusErr}
				}
				return statusErr
			}
			content = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.maxRetries+1),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return isTransient(err) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("retrying cloud request (attempt %d of %d)", n+1, c.maxRetries)
		}),
	)
	if err != nil {
		return classify(err)
	}
	if out != nil && len(content) > 0 {
		if err := json.Unmarshal(content, out); err != nil {
			return errors.Wrapf(err, "error decoding response of %s %s", method, path)
		}
	}
	return nil
}

func classify(err error) error {
	var e *statusError
	if !errors.As(err, &e) {
		return err
	}
	switch e.statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &batcherrors.ErrUnauthorized{Message: e.Error()}
	case http.StatusNotFound:
		return &batcherrors.ErrNotFound{Value: e.path, Message: e.body}
	default:
		return err
	}
}

func (c *NcsClient) ValidateToken(ctx context.Context) error {
	var versions []interface{}
	if err := c.do(ctx, http.MethodGet, "sc/info/mobile-app-versions", nil, &versions); err != nil {
		return errors.WithMessage(err, "error validating auth token")
	}
	return nil
}

func withFilter(base map[string]interface{}, filter map[string]interface{}) map[string]interface{} {
	for k, v := range filter {
		base[k] = v
	}
	return base
}

func (c *NcsClient) AvailableDeviceCount(ctx context.Context, filter map[string]interface{}, encryptFiles bool) (int, error) {
	var response struct {
		Available int `json:"available"`
	}
	body := withFilter(map[string]interface{}{"encrypt_files": encryptFiles}, filter)
	if err := c.do(ctx, http.MethodGet, "sc/instances", body, &response); err != nil {
		return 0, errors.WithMessage(err, "error querying available devices")
	}
	return response.Available, nil
}

type launchJob struct {
	Id        string                   `json:"id"`
	Launching bool                     `json:"launching"`
	Instances []map[string]interface{} `json:"instances"`
}

func (c *NcsClient) LaunchInstances(ctx context.Context, req LaunchRequest) ([]InstanceRecord, error) {
	body := withFilter(map[string]interface{}{
		"abis":          []string{},
		"regions":       []string{},
		"encrypt_files": req.EncryptFiles,
		"id":            req.JobId,
		"ssh_key":       req.SshClientKeyName,
		"count":         req.Count,
	}, req.Filter)

	var job launchJob
	if err := c.do(ctx, http.MethodPost, "sc/jobs", body, &job); err != nil {
		return nil, errors.WithMessagef(err, "error launching %d instances", req.Count)
	}
	jobId := job.Id
	if jobId == "" {
		jobId = req.JobId
	}

	deadline := time.Now().Add(c.launchTimeout)
	instanceIds, err := c.waitForAllocation(ctx, jobId, deadline)
	if err != nil {
		return nil, err
	}
	log.Infof("allocated %d instances for launch %s", len(instanceIds), jobId)
	return c.waitForStart(ctx, instanceIds, deadline)
}

func (c *NcsClient) waitForAllocation(ctx context.Context, jobId string, deadline time.Time) ([]string, error) {
	for {
		var job launchJob
		if err := c.do(ctx, http.MethodGet, "sc/jobs/"+jobId, nil, &job); err != nil {
			return nil, errors.WithMessagef(err, "error querying launch %s", jobId)
		}
		if !job.Launching || time.Now().After(deadline) {
			if len(job.Instances) == 0 {
				return nil, &batcherrors.ErrNotFound{Type: "instances", Value: jobId, Message: "launch allocated no instances"}
			}
			var ids []string
			for _, raw := range job.Instances {
				if id, ok := raw["id"].(string); ok {
					ids = append(ids, id)
				}
			}
			return ids, nil
		}
		log.Infof("waiting for launch %s (%d instances allocated)", jobId, len(job.Instances))
		if err := sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
}

// waitForStart polls each allocated instance until it is started, has failed, or the deadline passes.
func (c *NcsClient) waitForStart(ctx context.Context, instanceIds []string, deadline time.Time) ([]InstanceRecord, error) {
	records := map[string]InstanceRecord{}
	settled := map[string]bool{}
	for {
		counts := map[string]int{}
		for _, instanceId := range instanceIds {
			if settled[instanceId] {
				continue
			}
			record, err := c.queryInstance(ctx, instanceId)
			if err != nil {
				if ctx.Err() != nil {
					return collect(instanceIds, records), ctx.Err()
				}
				log.WithError(err).Warnf("could not check state of %s", instanceId)
				continue
			}
			records[instanceId] = record
			counts[record.State]++
			if record.State == StateStarted || IsFailedState(record.State) {
				settled[instanceId] = true
			}
		}
		log.Infof("%d of %d instances settled; %v", len(settled), len(instanceIds), counts)
		if len(settled) == len(instanceIds) {
			break
		}
		if time.Now().After(deadline) {
			log.Warn("took too long for some instances to start")
			break
		}
		if err := sleep(ctx, c.pollInterval); err != nil {
			return collect(instanceIds, records), err
		}
	}
	return collect(instanceIds, records), nil
}

func collect(instanceIds []string, records map[string]InstanceRecord) []InstanceRecord {
	result := make([]InstanceRecord, 0, len(instanceIds))
	for _, instanceId := range instanceIds {
		record, ok := records[instanceId]
		if !ok {
			record = InstanceRecord{InstanceId: instanceId, State: StateUnknown, Raw: map[string]interface{}{}}
		}
		result = append(result, record)
	}
	return result
}

func (c *NcsClient) queryInstance(ctx context.Context, instanceId string) (InstanceRecord, error) {
	var raw map[string]interface{}
	body := map[string]interface{}{"show-device-info": true}
	if err := c.do(ctx, http.MethodGet, "sc/instances/"+instanceId, body, &raw); err != nil {
		return InstanceRecord{}, errors.WithMessagef(err, "error querying instance %s", instanceId)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	raw["instanceId"] = instanceId
	return RecordFromMap(raw)
}

func (c *NcsClient) QueryInstance(ctx context.Context, instanceId string) (InstanceRecord, error) {
	return c.queryInstance(ctx, instanceId)
}

func (c *NcsClient) TerminateInstances(ctx context.Context, instanceIds []string) error {
	var result *multierror.Error
	mu := sync.Mutex{}
	g := errgroup.Group{}
	g.SetLimit(terminateParallelism)
	for _, instanceId := range instanceIds {
		instanceId := instanceId
		g.Go(func() error {
			err := c.do(ctx, http.MethodDelete, "sc/instances/"+instanceId, nil, nil)
			var notFound *batcherrors.ErrNotFound
			if err != nil && !errors.As(err, &notFound) {
				mu.Lock()
				result = multierror.Append(result, errors.WithMessagef(err, "error terminating %s", instanceId))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

func (c *NcsClient) TerminateLaunch(ctx context.Context, jobId string) error {
	if err := c.do(ctx, http.MethodDelete, "sc/jobs/"+jobId, nil, nil); err != nil {
		return errors.WithMessagef(err, "error terminating instances of launch %s", jobId)
	}
	return nil
}

func (c *NcsClient) UploadSshClientKey(ctx context.Context, name string, publicKey string) error {
	body := map[string]string{"title": name, "key": publicKey}
	if err := c.do(ctx, http.MethodPost, "profile/ssh-keys", body, nil); err != nil {
		return errors.WithMessagef(err, "error uploading ssh client key %s", name)
	}
	return nil
}

func (c *NcsClient) DeleteSshClientKey(ctx context.Context, name string) error {
	body := map[string]string{"title": name}
	if err := c.do(ctx, http.MethodDelete, "profile/ssh-keys/", body, nil); err != nil {
		return errors.WithMessagef(err, "error deleting ssh client key %s", name)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
