package cloud

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// SshSpecs is how to reach a started instance.
type SshSpecs struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	// Host public keys by algorithm, e.g. "ecdsa".
	HostKeys map[string]string `mapstructure:"host-keys" json:"host-keys,omitempty"`
}

// InstanceRecord is the cloud's description of one instance.
// Fields the cloud reports beyond those below are preserved in Raw and written back out unchanged.
type InstanceRecord struct {
	InstanceId string
	State      string
	JobId      string
	Ssh        *SshSpecs
	Raw        map[string]interface{}
}

type recordFields struct {
	InstanceId string    `mapstructure:"instanceId"`
	Id         string    `mapstructure:"id"`
	State      string    `mapstructure:"state"`
	Job        string    `mapstructure:"job"`
	Ssh        *SshSpecs `mapstructure:"ssh"`
}

// RecordFromMap builds an InstanceRecord from a decoded JSON object.
func RecordFromMap(raw map[string]interface{}) (InstanceRecord, error) {
	var fields recordFields
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &fields,
	})
	if err != nil {
		return InstanceRecord{}, errors.WithStack(err)
	}
	if err := decoder.Decode(raw); err != nil {
		return InstanceRecord{}, errors.Wrap(err, "error decoding instance record")
	}
	instanceId := fields.InstanceId
	if instanceId == "" {
		instanceId = fields.Id
	}
	return InstanceRecord{
		InstanceId: instanceId,
		State:      fields.State,
		JobId:      fields.Job,
		Ssh:        fields.Ssh,
		Raw:        raw,
	}, nil
}

func (r *InstanceRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	record, err := RecordFromMap(raw)
	if err != nil {
		return err
	}
	*r = record
	return nil
}

func (r InstanceRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Raw)+3)
	for k, v := range r.Raw {
		out[k] = v
	}
	out["instanceId"] = r.InstanceId
	if r.State != "" {
		out["state"] = r.State
	}
	if r.Ssh != nil {
		out["ssh"] = r.Ssh
	}
	return json.Marshal(out)
}

// Started reports whether the instance is started and reachable.
func (r InstanceRecord) Started() bool {
	return r.State == StateStarted && r.Ssh != nil && r.Ssh.Host != ""
}

// InstanceIds returns the ids of records, in order.
func InstanceIds(records []InstanceRecord) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.InstanceId)
	}
	return ids
}
