// Package storetest provides an in-memory store.Store for exercising the
// engine, executor and map driver without a database. Values round-trip
// through JSON on write so readers see the same shapes the real backends
// produce (numbers as float64, maps as map[string]interface{}).
package storetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/kaptenlabs/kapten/internal/state"
	"github.com/kaptenlabs/kapten/internal/store"
)

// Store implements store.Store in memory. The zero value is not usable;
// call New.
type Store struct {
	mu         sync.Mutex
	tasks      map[string]*state.TaskState
	data       map[string]interface{}
	subsetData map[string]interface{}
	subtasks   map[string][]state.Subtask

	calls map[string]int
	// FailOn injects an error for one op name ("get_task", "delete_task",
	// ...); every matching call fails until the entry is removed.
	FailOn map[string]error
}

func New() *Store {
	return &Store{
		tasks:      map[string]*state.TaskState{},
		data:       map[string]interface{}{},
		subsetData: map[string]interface{}{},
		subtasks:   map[string][]state.Subtask{},
		calls:      map[string]int{},
		FailOn:     map[string]error{},
	}
}

func key(pipeline, task string) string { return pipeline + "/" + task }

// CallCount reports how many times an op ran, including failed calls.
func (s *Store) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Store) track(op string) error {
	s.calls[op]++
	if err := s.FailOn[op]; err != nil {
		return &store.StoreError{Op: op, Err: err}
	}
	return nil
}

func roundTrip(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyTask(t *state.TaskState) *state.TaskState {
	if t == nil {
		return nil
	}
	b, _ := json.Marshal(t)
	var out state.TaskState
	_ = json.Unmarshal(b, &out)
	return &out
}

func (s *Store) CreateTask(ctx context.Context, pipeline, task string, t *state.TaskState, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("create_task"); err != nil {
		return err
	}
	s.tasks[key(pipeline, task)] = copyTask(t)
	if data != nil {
		v, err := roundTrip(data)
		if err != nil {
			return &store.StoreError{Op: "create_task", Err: err}
		}
		s.data[key(pipeline, task)] = v
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, pipeline, task string, upd store.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("update_task"); err != nil {
		return err
	}
	t := s.tasks[key(pipeline, task)]
	if t == nil {
		t = &state.TaskState{}
		s.tasks[key(pipeline, task)] = t
	}
	if upd.Status != nil {
		t.Status = upd.Status
	}
	if upd.PyCodeHashes != nil {
		t.PyCodeHashes = upd.PyCodeHashes
	}
	if upd.RCodeHashes != nil {
		t.RCodeHashes = upd.RCodeHashes
	}
	if upd.InputHashes != nil {
		t.InputHashes = upd.InputHashes
	}
	if upd.InputDataHashes != nil {
		t.InputDataHashes = upd.InputDataHashes
	}
	t.UpdatedAt = state.NowUTC()
	return nil
}

func (s *Store) GetTask(ctx context.Context, pipeline, task string, includeData, subset bool) (*state.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("get_task"); err != nil {
		return nil, err
	}
	t := s.tasks[key(pipeline, task)]
	if t == nil {
		return nil, nil
	}
	out := copyTask(t)
	if includeData {
		out.Data = s.taskData(pipeline, task, subset)
	}
	return out, nil
}

func (s *Store) taskData(pipeline, task string, subset bool) interface{} {
	if subset {
		if v, ok := s.subsetData[key(pipeline, task)]; ok {
			return v
		}
	}
	return s.data[key(pipeline, task)]
}

func (s *Store) GetTaskData(ctx context.Context, pipeline, task string, subset bool) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("get_task_data"); err != nil {
		return nil, err
	}
	return s.taskData(pipeline, task, subset), nil
}

func (s *Store) SetTaskEnded(ctx context.Context, pipeline, task string, end store.TaskEnd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("set_task_ended"); err != nil {
		return err
	}
	t := s.tasks[key(pipeline, task)]
	if t == nil {
		t = &state.TaskState{}
		s.tasks[key(pipeline, task)] = t
	}
	now := state.NowUTC()
	if end.Subset {
		if end.Result != nil {
			v, err := roundTrip(end.Result)
			if err != nil {
				return &store.StoreError{Op: "set_task_ended", Err: err}
			}
			s.subsetData[key(pipeline, task)] = v
		}
		t.UpdatedAt = now
		return nil
	}
	if end.Result != nil {
		v, err := roundTrip(end.Result)
		if err != nil {
			return &store.StoreError{Op: "set_task_ended", Err: err}
		}
		s.data[key(pipeline, task)] = v
	}
	t.EndTime = now
	t.UpdatedAt = now
	if end.Status != nil {
		t.Status = end.Status
	}
	if end.OutputsVersion != nil {
		t.OutputsVersion = end.OutputsVersion
	}
	if end.ResultHash != nil {
		t.OutputDataVersion = end.ResultHash
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, pipeline, task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("delete_task"); err != nil {
		return err
	}
	delete(s.tasks, key(pipeline, task))
	delete(s.data, key(pipeline, task))
	delete(s.subsetData, key(pipeline, task))
	delete(s.subtasks, key(pipeline, task))
	return nil
}

func (s *Store) ClearSubsetData(ctx context.Context, pipeline, task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("clear_subset_data"); err != nil {
		return err
	}
	delete(s.subsetData, key(pipeline, task))
	return nil
}

func (s *Store) CreateSubtasks(ctx context.Context, pipeline, task string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("create_subtasks"); err != nil {
		return err
	}
	subtasks := make([]state.Subtask, len(keys))
	for i, k := range keys {
		subtasks[i] = state.Subtask{Index: i, Key: k}
	}
	s.subtasks[key(pipeline, task)] = subtasks
	return nil
}

func (s *Store) GetSubtasks(ctx context.Context, pipeline, task string) ([]state.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("get_subtasks"); err != nil {
		return nil, err
	}
	stored := s.subtasks[key(pipeline, task)]
	out := make([]state.Subtask, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *Store) SetSubtaskStarted(ctx context.Context, pipeline, task string, idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("set_subtask_started"); err != nil {
		return err
	}
	stored := s.subtasks[key(pipeline, task)]
	if idx < 0 || idx >= len(stored) {
		return &store.StoreError{Op: "set_subtask_started", Err: errors.Errorf("subtask %d out of range for %s", idx, task)}
	}
	stored[idx].StartTime = state.NowUTC()
	return nil
}

func (s *Store) SetSubtaskEnded(ctx context.Context, pipeline, task string, idx int, outputHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.track("set_subtask_ended"); err != nil {
		return err
	}
	stored := s.subtasks[key(pipeline, task)]
	if idx < 0 || idx >= len(stored) {
		return &store.StoreError{Op: "set_subtask_ended", Err: errors.Errorf("subtask %d out of range for %s", idx, task)}
	}
	stored[idx].EndTime = state.NowUTC()
	stored[idx].OutputHash = outputHash
	return nil
}

func (s *Store) Close() error { return nil }

// SeedSubtasks replaces the stored subtask list wholesale, for arranging
// resume scenarios.
func (s *Store) SeedSubtasks(pipeline, task string, subtasks []state.Subtask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]state.Subtask, len(subtasks))
	copy(stored, subtasks)
	s.subtasks[key(pipeline, task)] = stored
}

// SeedTask replaces the stored record wholesale, for arranging cached-state
// scenarios without walking through the write path.
func (s *Store) SeedTask(pipeline, task string, t *state.TaskState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[key(pipeline, task)] = copyTask(t)
}

// SeedData replaces the stored full-run data.
func (s *Store) SeedData(pipeline, task string, data interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := roundTrip(data)
	s.data[key(pipeline, task)] = v
}

// SubsetData reports the stored subset side-channel value, nil when absent.
func (s *Store) SubsetData(pipeline, task string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subsetData[key(pipeline, task)]
}

// HasTask reports whether a record exists at all.
func (s *Store) HasTask(pipeline, task string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key(pipeline, task)]
	return ok
}
