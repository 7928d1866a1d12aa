// Package state holds the task state model shared by the store backends,
// the cache engine and the CLI. The JSON encoding of these types is a wire
// contract: bin payloads and the SQLite records table store it verbatim.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Status is the terminal state of a task run. The zero value means the task
// has not finished.
type Status string

const (
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusIncomplete Status = "INCOMPLETE"
)

// StatusFromString validates a stored status attribute.
func StatusFromString(s string) (Status, error) {
	switch Status(s) {
	case StatusSuccess, StatusFailure, StatusIncomplete:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// TaskState is the per-task cache record. The four *_hashes maps are stored;
// their composite versions are derived on read and never written back. The
// dynamodbav tags keep the DynamoDB attribute names identical to the JSON
// field names the SQLite backend stores.
type TaskState struct {
	PipelineName string `json:"pipeline_name,omitempty" dynamodbav:"pipeline_name,omitempty"`
	TaskName     string `json:"task_name,omitempty" dynamodbav:"task_name,omitempty"`
	EcsTaskID    string `json:"ecs_task_id,omitempty" dynamodbav:"ecs_task_id,omitempty"`

	StartTime string `json:"start_time,omitempty" dynamodbav:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty" dynamodbav:"end_time,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty" dynamodbav:"updated_at,omitempty"`

	Status *Status `json:"status,omitempty" dynamodbav:"status,omitempty"`

	PyCodeHashes    map[string]string `json:"py_code_hashes,omitempty" dynamodbav:"py_code_hashes,omitempty"`
	RCodeHashes     map[string]string `json:"r_code_hashes,omitempty" dynamodbav:"r_code_hashes,omitempty"`
	InputHashes     map[string]string `json:"input_hashes,omitempty" dynamodbav:"input_hashes,omitempty"`
	InputDataHashes map[string]string `json:"input_data_hashes,omitempty" dynamodbav:"input_data_hashes,omitempty"`

	// OutputsVersion is nil until the task terminates SUCCESS (or
	// INCOMPLETE with at least one finished subtask).
	OutputsVersion *string `json:"outputs_version,omitempty" dynamodbav:"outputs_version,omitempty"`
	// OutputDataVersion fingerprints the in-memory result, when there is one.
	OutputDataVersion *string `json:"output_data_version,omitempty" dynamodbav:"output_data_version,omitempty"`

	// Data holds the assembled result when a read asked for it. It lives in
	// bins, never on the stored record.
	Data interface{} `json:"-" dynamodbav:"-"`
}

// Finished reports whether a terminal end_time was recorded.
func (t *TaskState) Finished() bool {
	return t.EndTime != ""
}

// PyCodeVersion is the composite fingerprint of the stored Python code
// hashes, empty when nothing was hashed.
func (t *TaskState) PyCodeVersion() string { return MapVersion(t.PyCodeHashes) }

// RCodeVersion is the composite fingerprint of the stored R code hashes.
func (t *TaskState) RCodeVersion() string { return MapVersion(t.RCodeHashes) }

// InputsVersion is the composite fingerprint of the upstream outputs_version
// map captured at run time.
func (t *TaskState) InputsVersion() string { return MapVersion(t.InputHashes) }

// InputDataVersion is the composite fingerprint of the upstream
// output_data_version map captured at run time.
func (t *TaskState) InputDataVersion() string { return MapVersion(t.InputDataHashes) }

// Subtask is one element of a mapped fan-out. A subtask is finished iff
// EndTime is set.
type Subtask struct {
	Index      int    `json:"index" dynamodbav:"index"`
	Key        string `json:"key" dynamodbav:"key"`
	StartTime  string `json:"startTime,omitempty" dynamodbav:"startTime,omitempty"`
	EndTime    string `json:"endTime,omitempty" dynamodbav:"endTime,omitempty"`
	OutputHash string `json:"outputHash,omitempty" dynamodbav:"outputHash,omitempty"`
}

// Finished reports whether the subtask recorded an end time.
func (s *Subtask) Finished() bool {
	return s.EndTime != ""
}

// Rollup folds subtask outcomes into a task status: every subtask finished
// means SUCCESS, none finished means FAILURE, anything in between is
// INCOMPLETE.
func Rollup(subtasks []Subtask) Status {
	finished := 0
	for i := range subtasks {
		if subtasks[i].Finished() {
			finished++
		}
	}
	switch finished {
	case len(subtasks):
		return StatusSuccess
	case 0:
		return StatusFailure
	default:
		return StatusIncomplete
	}
}

// ComposeOutputsVersion fingerprints the subtask output hashes in index
// order. Reordering subtasks yields a different composite. Empty when no
// subtask recorded an output hash, so tasks without declared outputs never
// publish a composite version.
func ComposeOutputsVersion(subtasks []Subtask) string {
	ordered := make([]Subtask, len(subtasks))
	copy(ordered, subtasks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	hashes := make([]string, len(ordered))
	recorded := false
	for i := range ordered {
		hashes[i] = ordered[i].OutputHash
		if hashes[i] != "" {
			recorded = true
		}
	}
	if !recorded {
		return ""
	}
	v, _ := Digest(hashes)
	return v
}

// Digest returns the hex SHA-256 of the canonical JSON encoding of v.
// encoding/json sorts map keys and emits no whitespace, which makes the
// encoding canonical for the JSON-shaped values kapten stores. Changing
// this encoding invalidates every fingerprint ever written.
func Digest(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MapVersion is the composite fingerprint of a hash map, empty for an empty
// map. The per-field version methods above and the freshness checks in the
// engine must agree on this encoding.
func MapVersion(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	v, _ := Digest(m)
	return v
}

// NowUTC formats the current time the way every timestamp attribute is
// stored.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
