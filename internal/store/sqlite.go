package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/kaptenlabs/kapten/internal/state"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	pk   TEXT NOT NULL,
	sk   TEXT NOT NULL,
	item TEXT NOT NULL,
	PRIMARY KEY (pk, sk)
);`

// sqliteStore mirrors the DynamoDB single-table layout in one records table.
// item holds the JSON document with the same field names as the DynamoDB
// attributes.
type sqliteStore struct {
	db     *sql.DB
	pk     string
	logger hclog.Logger
}

// NewSQLite opens (and creates, when missing) the local state database. The
// default path sits under the XDG data dir; settings may override it.
func NewSQLite(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	path := opts.Path
	if path == "" {
		path = filepath.Join(xdg.DataHome, "kapten", "state.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}
	// _txlock=immediate makes every BeginTx take the write lock up front so
	// read-modify-write transactions cannot deadlock against each other.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(1)
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		db.Close()
		return nil, &StoreError{Op: "connect", Err: err}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, &StoreError{Op: "connect", Err: err}
	}
	logger.Named("sqlite").Debug("opened", "path", path, "pk", state.PartitionKey(opts.StorageKey))
	return &sqliteStore{
		db:     db,
		pk:     state.PartitionKey(opts.StorageKey),
		logger: logger.Named("sqlite"),
	}, nil
}

// likePrefix escapes LIKE wildcards so task names containing underscores
// match literally, then appends the wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (s *sqliteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return &StoreError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: op, Err: err}
	}
	return nil
}

func (s *sqliteStore) putRecord(ctx context.Context, tx *sql.Tx, sk string, doc interface{}) error {
	item, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (pk, sk, item) VALUES (?, ?, ?)
		 ON CONFLICT (pk, sk) DO UPDATE SET item = excluded.item`,
		s.pk, sk, string(item))
	return err
}

func (s *sqliteStore) getRecord(ctx context.Context, sk string, doc interface{}) (bool, error) {
	var item string
	err := s.db.QueryRowContext(ctx,
		`SELECT item FROM records WHERE pk = ? AND sk = ?`, s.pk, sk).Scan(&item)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(item), doc); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) CreateTask(ctx context.Context, pipeline, task string, t *state.TaskState, data interface{}) error {
	return s.withTx(ctx, "create_task", func(tx *sql.Tx) error {
		if err := s.putRecord(ctx, tx, state.TaskSortKey(pipeline, task), t); err != nil {
			return err
		}
		if data == nil {
			return nil
		}
		return s.replaceBins(ctx, tx, pipeline, task, state.BinTaskData, data)
	})
}

func (s *sqliteStore) UpdateTask(ctx context.Context, pipeline, task string, upd TaskUpdate) error {
	return s.withTx(ctx, "update_task", func(tx *sql.Tx) error {
		t, err := s.readTaskTx(ctx, tx, pipeline, task)
		if err != nil {
			return err
		}
		if t == nil {
			t = &state.TaskState{}
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
		return s.putRecord(ctx, tx, state.TaskSortKey(pipeline, task), t)
	})
}

func (s *sqliteStore) readTaskTx(ctx context.Context, tx *sql.Tx, pipeline, task string) (*state.TaskState, error) {
	var item string
	err := tx.QueryRowContext(ctx,
		`SELECT item FROM records WHERE pk = ? AND sk = ?`,
		s.pk, state.TaskSortKey(pipeline, task)).Scan(&item)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t state.TaskState
	if err := json.Unmarshal([]byte(item), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, pipeline, task string, includeData, subset bool) (*state.TaskState, error) {
	var t state.TaskState
	found, err := s.getRecord(ctx, state.TaskSortKey(pipeline, task), &t)
	if err != nil {
		return nil, &StoreError{Op: "get_task", Err: err}
	}
	if !found {
		return nil, nil
	}
	if includeData {
		data, err := s.GetTaskData(ctx, pipeline, task, subset)
		if err != nil {
			return nil, err
		}
		t.Data = data
	}
	return &t, nil
}

func (s *sqliteStore) GetTaskData(ctx context.Context, pipeline, task string, subset bool) (interface{}, error) {
	binType := state.BinTaskData
	if subset {
		binType = state.BinSubset
	}
	sks, payloads, err := s.queryDataBins(ctx, pipeline, task, binType)
	if err != nil {
		return nil, &StoreError{Op: "get_task_data", Err: err}
	}
	if subset && len(payloads) == 0 {
		sks, payloads, err = s.queryDataBins(ctx, pipeline, task, state.BinTaskData)
		if err != nil {
			return nil, &StoreError{Op: "get_task_data", Err: err}
		}
	}
	ordered, err := sortBinPayloads(sks, payloads)
	if err != nil {
		return nil, &StoreError{Op: "get_task_data", Err: err}
	}
	data, err := assembleData(ordered)
	if err != nil {
		return nil, &StoreError{Op: "get_task_data", Err: err}
	}
	return data, nil
}

func (s *sqliteStore) SetTaskEnded(ctx context.Context, pipeline, task string, end TaskEnd) error {
	return s.withTx(ctx, "set_task_ended", func(tx *sql.Tx) error {
		t, err := s.readTaskTx(ctx, tx, pipeline, task)
		if err != nil {
			return err
		}
		if t == nil {
			t = &state.TaskState{}
		}
		now := state.NowUTC()
		if end.Subset {
			if end.Result != nil {
				if err := s.replaceBins(ctx, tx, pipeline, task, state.BinSubset, end.Result); err != nil {
					return err
				}
			}
			// subset runs leave status, end_time and hashes untouched
			t.UpdatedAt = now
			return s.putRecord(ctx, tx, state.TaskSortKey(pipeline, task), t)
		}
		if end.Result != nil {
			if err := s.replaceBins(ctx, tx, pipeline, task, state.BinTaskData, end.Result); err != nil {
				return err
			}
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
		return s.putRecord(ctx, tx, state.TaskSortKey(pipeline, task), t)
	})
}

func (s *sqliteStore) DeleteTask(ctx context.Context, pipeline, task string) error {
	return s.withTx(ctx, "delete_task", func(tx *sql.Tx) error {
		// exact record first, then the "#"-terminated prefix so a task named
		// "clean" cannot take "clean_data" records with it
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE pk = ? AND sk = ?`,
			s.pk, state.TaskSortKey(pipeline, task)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE pk = ? AND sk LIKE ? ESCAPE '\'`,
			s.pk, likePrefix(state.TaskSortKey(pipeline, task)+"#"))
		return err
	})
}

func (s *sqliteStore) ClearSubsetData(ctx context.Context, pipeline, task string) error {
	return s.withTx(ctx, "clear_subset_data", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE pk = ? AND sk LIKE ? ESCAPE '\'`,
			s.pk, likePrefix(state.BinSortKeyPrefix(pipeline, task, state.BinSubset)))
		return err
	})
}

func (s *sqliteStore) CreateSubtasks(ctx context.Context, pipeline, task string, keys []string) error {
	subtasks := make([]state.Subtask, len(keys))
	for i, k := range keys {
		subtasks[i] = state.Subtask{Index: i, Key: k}
	}
	return s.withTx(ctx, "create_subtasks", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE pk = ? AND sk LIKE ? ESCAPE '\'`,
			s.pk, likePrefix(state.BinSortKeyPrefix(pipeline, task, state.BinSubtask))); err != nil {
			return err
		}
		for binID, group := range chunkSubtasks(subtasks) {
			sk := state.BinSortKey(pipeline, task, state.BinSubtask, binID)
			if err := s.putRecord(ctx, tx, sk, subtaskBin{Items: group}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) GetSubtasks(ctx context.Context, pipeline, task string) ([]state.Subtask, error) {
	sks, items, err := s.queryPrefix(ctx, state.BinSortKeyPrefix(pipeline, task, state.BinSubtask))
	if err != nil {
		return nil, &StoreError{Op: "get_subtasks", Err: err}
	}
	bins := make(map[int][]state.Subtask, len(sks))
	for i, sk := range sks {
		id, err := state.BinIDFromSortKey(sk)
		if err != nil {
			return nil, &StoreError{Op: "get_subtasks", Err: err}
		}
		var bin subtaskBin
		if err := json.Unmarshal([]byte(items[i]), &bin); err != nil {
			return nil, &StoreError{Op: "get_subtasks", Err: err}
		}
		bins[id] = bin.Items
	}
	var out []state.Subtask
	for id := 0; id < len(bins); id++ {
		group, ok := bins[id]
		if !ok {
			return nil, &StoreError{Op: "get_subtasks", Err: errors.Errorf("missing subtask bin %d for %s", id, task)}
		}
		out = append(out, group...)
	}
	return out, nil
}

func (s *sqliteStore) SetSubtaskStarted(ctx context.Context, pipeline, task string, idx int) error {
	return s.mutateSubtaskSlot(ctx, "set_subtask_started", pipeline, task, idx, func(st *state.Subtask) {
		st.StartTime = state.NowUTC()
	})
}

func (s *sqliteStore) SetSubtaskEnded(ctx context.Context, pipeline, task string, idx int, outputHash string) error {
	return s.mutateSubtaskSlot(ctx, "set_subtask_ended", pipeline, task, idx, func(st *state.Subtask) {
		st.EndTime = state.NowUTC()
		st.OutputHash = outputHash
	})
}

// mutateSubtaskSlot rewrites exactly one slot of one subtask bin inside a
// write transaction.
func (s *sqliteStore) mutateSubtaskSlot(ctx context.Context, op, pipeline, task string, idx int, mutate func(*state.Subtask)) error {
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		sk := state.BinSortKey(pipeline, task, state.BinSubtask, state.BinOf(idx))
		var item string
		err := tx.QueryRowContext(ctx,
			`SELECT item FROM records WHERE pk = ? AND sk = ?`, s.pk, sk).Scan(&item)
		if err == sql.ErrNoRows {
			return errors.Errorf("no subtask bin %d for %s", state.BinOf(idx), task)
		}
		if err != nil {
			return err
		}
		var bin subtaskBin
		if err := json.Unmarshal([]byte(item), &bin); err != nil {
			return err
		}
		slot := state.SlotOf(idx)
		if slot >= len(bin.Items) {
			return errors.Errorf("subtask %d out of range for %s", idx, task)
		}
		mutate(&bin.Items[slot])
		return s.putRecord(ctx, tx, sk, bin)
	})
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) replaceBins(ctx context.Context, tx *sql.Tx, pipeline, task string, binType state.BinType, data interface{}) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE pk = ? AND sk LIKE ? ESCAPE '\'`,
		s.pk, likePrefix(state.BinSortKeyPrefix(pipeline, task, binType))); err != nil {
		return err
	}
	payloads, err := chunkData(data)
	if err != nil {
		return err
	}
	for i, p := range payloads {
		sk := state.BinSortKey(pipeline, task, binType, i)
		if err := s.putRecord(ctx, tx, sk, dataBin{Payload: p}); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) queryDataBins(ctx context.Context, pipeline, task string, binType state.BinType) ([]string, []string, error) {
	sks, items, err := s.queryPrefix(ctx, state.BinSortKeyPrefix(pipeline, task, binType))
	if err != nil {
		return nil, nil, err
	}
	payloads := make([]string, len(items))
	for i, item := range items {
		var bin dataBin
		if err := json.Unmarshal([]byte(item), &bin); err != nil {
			return nil, nil, err
		}
		payloads[i] = bin.Payload
	}
	return sks, payloads, nil
}

func (s *sqliteStore) queryPrefix(ctx context.Context, prefix string) ([]string, []string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sk, item FROM records WHERE pk = ? AND sk LIKE ? ESCAPE '\' ORDER BY sk`,
		s.pk, likePrefix(prefix))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var sks, items []string
	for rows.Next() {
		var sk, item string
		if err := rows.Scan(&sk, &item); err != nil {
			return nil, nil, err
		}
		sks = append(sks, sk)
		items = append(items, item)
	}
	return sks, items, rows.Err()
}
