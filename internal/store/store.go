// Package store persists task state, result data bins and subtask bins
// behind a single interface with DynamoDB and SQLite backends. All records
// of one branch share a partition key; a Store instance is scoped to one
// storage key.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/kaptenlabs/kapten/internal/state"
)

// StoreError wraps any backend failure. The core never retries; retrying is
// the runtime binding's concern.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// TaskUpdate carries the partial fields UpdateTask merges into an existing
// record. Nil fields are left untouched; every update refreshes updated_at.
type TaskUpdate struct {
	Status          *state.Status
	PyCodeHashes    map[string]string
	RCodeHashes     map[string]string
	InputHashes     map[string]string
	InputDataHashes map[string]string
}

// TaskEnd is the finalizer payload. Outside subset mode it writes end_time,
// status, outputs_version and output_data_version, plus new data bins when
// Result is non-nil. In subset mode it writes the result to SUBSETBIN and
// refreshes updated_at only.
type TaskEnd struct {
	Result         interface{}
	ResultHash     *string
	OutputsVersion *string
	Status         *state.Status
	Subset         bool
}

// Store is the persistence interface consumed by the engine, executor, map
// driver and the CLI verbs.
type Store interface {
	CreateTask(ctx context.Context, pipeline, task string, t *state.TaskState, data interface{}) error
	UpdateTask(ctx context.Context, pipeline, task string, upd TaskUpdate) error
	GetTask(ctx context.Context, pipeline, task string, includeData, subset bool) (*state.TaskState, error)
	GetTaskData(ctx context.Context, pipeline, task string, subset bool) (interface{}, error)
	SetTaskEnded(ctx context.Context, pipeline, task string, end TaskEnd) error
	DeleteTask(ctx context.Context, pipeline, task string) error
	ClearSubsetData(ctx context.Context, pipeline, task string) error

	CreateSubtasks(ctx context.Context, pipeline, task string, keys []string) error
	GetSubtasks(ctx context.Context, pipeline, task string) ([]state.Subtask, error)
	SetSubtaskStarted(ctx context.Context, pipeline, task string, idx int) error
	SetSubtaskEnded(ctx context.Context, pipeline, task string, idx int, outputHash string) error

	Close() error
}

// Options select and configure a backend.
type Options struct {
	// DB picks the backend: "dynamodb" or "sqlite". Empty selects dynamodb
	// when TableName is set and sqlite otherwise.
	DB         string
	TableName  string
	Region     string
	Path       string
	StorageKey string
	Logger     hclog.Logger
}

// New connects the selected backend and verifies first contact.
func New(ctx context.Context, opts Options) (Store, error) {
	db := opts.DB
	if db == "" {
		if opts.TableName != "" {
			db = "dynamodb"
		} else {
			db = "sqlite"
		}
	}
	switch db {
	case "dynamodb":
		return NewDynamo(ctx, opts)
	case "sqlite":
		return NewSQLite(ctx, opts)
	}
	return nil, fmt.Errorf("unknown db %q (want dynamodb or sqlite)", db)
}

// dataBin is the stored shape of a TASKDATABIN or SUBSETBIN item.
type dataBin struct {
	Payload string `json:"payload" dynamodbav:"payload"`
}

// subtaskBin is the stored shape of a SUBTASKBIN item.
type subtaskBin struct {
	Items []state.Subtask `json:"items" dynamodbav:"items"`
}

// chunkData splits a decoded JSON value into bin payloads. Lists chunk at
// BinSize elements; any other value occupies a single bin.
func chunkData(data interface{}) ([]string, error) {
	if list, ok := data.([]interface{}); ok {
		bins := make([]string, 0, state.NumBins(len(list)))
		for start := 0; start < len(list); start += state.BinSize {
			end := start + state.BinSize
			if end > len(list) {
				end = len(list)
			}
			b, err := json.Marshal(list[start:end])
			if err != nil {
				return nil, err
			}
			bins = append(bins, string(b))
		}
		if len(bins) == 0 {
			// an empty list still gets one bin so reads see [] rather
			// than "no data"
			bins = append(bins, "[]")
		}
		return bins, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return []string{string(b)}, nil
}

// assembleData reverses chunkData given payloads in bin-id order.
func assembleData(payloads []string) (interface{}, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	if len(payloads) == 1 {
		var v interface{}
		if err := json.Unmarshal([]byte(payloads[0]), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	all := []interface{}{}
	for _, p := range payloads {
		var chunk []interface{}
		if err := json.Unmarshal([]byte(p), &chunk); err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}
	return all, nil
}

// chunkSubtasks splits the subtask list into SUBTASKBIN groups.
func chunkSubtasks(subtasks []state.Subtask) [][]state.Subtask {
	var out [][]state.Subtask
	for start := 0; start < len(subtasks); start += state.BinSize {
		end := start + state.BinSize
		if end > len(subtasks) {
			end = len(subtasks)
		}
		out = append(out, subtasks[start:end])
	}
	return out
}

// sortBinPayloads orders prefix-query results numerically by bin id. Sort
// keys alone cannot be trusted because bin ids are not zero-padded.
func sortBinPayloads(sks []string, payloads []string) ([]string, error) {
	type bin struct {
		id      int
		payload string
	}
	bins := make([]bin, len(sks))
	for i, sk := range sks {
		id, err := state.BinIDFromSortKey(sk)
		if err != nil {
			return nil, err
		}
		bins[i] = bin{id: id, payload: payloads[i]}
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].id < bins[j].id })
	out := make([]string, len(bins))
	for i := range bins {
		out[i] = bins[i].payload
	}
	return out, nil
}
