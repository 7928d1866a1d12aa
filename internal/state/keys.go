package state

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
)

// PartitionKey scopes all records of one branch (or explicit storage key).
func PartitionKey(storageKey string) string {
	return "BRANCH#" + storageKey
}

// TaskSortKey addresses the task record itself.
func TaskSortKey(pipeline, task string) string {
	return "PIPELINE#" + pipeline + "#TASK#" + task
}

// BinSortKey addresses one bin hanging off a task record.
func BinSortKey(pipeline, task string, binType BinType, binID int) string {
	return TaskSortKey(pipeline, task) + "#" + string(binType) + "#" + strconv.Itoa(binID)
}

// BinSortKeyPrefix addresses every bin of one type, for prefix queries.
func BinSortKeyPrefix(pipeline, task string, binType BinType) string {
	return TaskSortKey(pipeline, task) + "#" + string(binType) + "#"
}

// BinIDFromSortKey recovers the numeric bin id from a bin sort key. Bin ids
// are not zero-padded, so callers must sort bins by this value rather than
// by the raw sort key.
func BinIDFromSortKey(sk string) (int, error) {
	i := strings.LastIndex(sk, "#")
	if i < 0 || i == len(sk)-1 {
		return 0, fmt.Errorf("malformed bin sort key %q", sk)
	}
	id, err := strconv.Atoi(sk[i+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed bin sort key %q: %w", sk, err)
	}
	return id, nil
}

// StorageKey picks the partition namespace: the explicit storage-key setting
// when present, otherwise the slugified branch name.
func StorageKey(branch, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return slug.Make(branch)
}
