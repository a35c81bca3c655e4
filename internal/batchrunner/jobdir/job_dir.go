package jobdir

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/reporter"
	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
)

const (
	SettingsFileName        = "settings.json"
	ProgressFileName        = "progress.json"
	LaunchedFileName        = "launchedInstances.csv"
	BadTerminationsFileName = "badTerminations.csv"
	SurvivorsFileName       = "survivingInstances.json"
	launchRecordsPrefix     = "recruitLaunched"
)

// JobDir is the output directory of a run. Audit trails are appended to, never rewritten.
type JobDir struct {
	path  string
	clock clock.PassiveClock
	mu    sync.Mutex
}

func Open(path string, clock clock.PassiveClock) (*JobDir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "error creating output directory %s", path)
	}
	return &JobDir{path: path, clock: clock}, nil
}

func (d *JobDir) Path() string {
	return d.path
}

func (d *JobDir) EventLogPath(jobName string) string {
	return filepath.Join(d.path, EventLogFileName(jobName))
}

func EventLogFileName(jobName string) string {
	return jobName + "_results.jlog"
}

func (d *JobDir) ProgressPath() string {
	return filepath.Join(d.path, ProgressFileName)
}

func (d *JobDir) SurvivorsPath() string {
	return filepath.Join(d.path, SurvivorsFileName)
}

// LaunchRecordsPath is where the raw records of a launch are kept. The initial launch has no suffix.
func (d *JobDir) LaunchRecordsPath(suffix string) string {
	if suffix == "" {
		return filepath.Join(d.path, launchRecordsPrefix+".json")
	}
	return filepath.Join(d.path, fmt.Sprintf("%s_%s.json", launchRecordsPrefix, suffix))
}

// WriteSettings records the resolved configuration of the run.
func (d *JobDir) WriteSettings(settings map[string]interface{}) error {
	return reporter.WriteJsonAtomic(filepath.Join(d.path, SettingsFileName), settings)
}

func (d *JobDir) WriteLaunchRecords(suffix string, records []cloud.InstanceRecord) error {
	return WriteInstances(d.LaunchRecordsPath(suffix), records)
}

// AppendLaunches adds every launched instance to launchedInstances.csv, so leaked instances can be cleaned up later.
func (d *JobDir) AppendLaunches(launchedAt time.Time, records []cloud.InstanceRecord) error {
	dateTime := launchedAt.UTC().Format(reporter.DateTimeLayout)
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		state := record.State
		if state == "" {
			state = cloud.StateUnknown
		}
		rows = append(rows, []string{dateTime, record.InstanceId, state})
	}
	return d.appendCsv(LaunchedFileName, rows)
}

// AppendBadTerminations records instances whose termination could not be confirmed.
func (d *JobDir) AppendBadTerminations(instanceIds []string) error {
	dateTime := d.clock.Now().UTC().Format(reporter.DateTimeLayout)
	rows := make([][]string, 0, len(instanceIds))
	for _, instanceId := range instanceIds {
		rows = append(rows, []string{dateTime, instanceId})
	}
	return d.appendCsv(BadTerminationsFileName, rows)
}

func (d *JobDir) appendCsv(name string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	path := filepath.Join(d.path, name)
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "error opening %s", path)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "error appending to %s", path)
	}
	return errors.WithStack(f.Close())
}

// WriteInstances writes records as a JSON array.
func WriteInstances(path string, records []cloud.InstanceRecord) error {
	if records == nil {
		records = []cloud.InstanceRecord{}
	}
	return reporter.WriteJsonAtomic(path, records)
}

// ReadInstances reads a JSON array of instance records, as written by WriteInstances or by the cloud.
func ReadInstances(path string) ([]cloud.InstanceRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.WithStack(&batcherrors.ErrNotFound{Type: "instances file", Value: path})
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", path)
	}
	var records []cloud.InstanceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "error parsing %s", path)
	}
	return records, nil
}

// ReadInstanceIds returns the distinct instance ids, in first seen order, of launchedInstances.csv or badTerminations.csv.
func ReadInstanceIds(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.WithStack(&batcherrors.ErrNotFound{Type: "audit file", Value: path})
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error opening %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing %s", path)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, row := range rows {
		if len(row) < 2 || row[1] == "" || seen[row[1]] {
			continue
		}
		seen[row[1]] = true
		ids = append(ids, row[1])
	}
	return ids, nil
}
