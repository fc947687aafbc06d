package job

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a job record to its persisted JSON form.
func Encode(j *Job) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s:\n%w", j.ID, err)
	}
	return data, nil
}

// Decode deserializes a persisted job record.
// Vote and retry maps are never nil on the returned job.
func Decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job:\n%w", err)
	}

	if j.Votes == nil {
		j.Votes = make(map[string]Vote)
	}
	if j.Retry == nil {
		j.Retry = make(map[string]*RetryState)
	}

	return &j, nil
}
