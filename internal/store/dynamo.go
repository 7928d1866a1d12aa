package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	backoff "github.com/cenkalti/backoff/v4"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/kaptenlabs/kapten/internal/state"
)

// dynamoBatchMax is the BatchWriteItem request ceiling.
const dynamoBatchMax = 25

// dynamoStore keeps every record of one storage key in a single table under
// one partition key. Attribute names match the SQLite JSON field names.
type dynamoStore struct {
	client *dynamodb.Client
	table  string
	pk     string
	logger hclog.Logger
}

// NewDynamo connects to DynamoDB and verifies the table exists. Region and
// credentials come from the default AWS config chain; Options.Region wins
// over the environment when set.
func NewDynamo(ctx context.Context, opts Options) (Store, error) {
	if opts.TableName == "" {
		return nil, &StoreError{Op: "connect", Err: errors.New("dynamodb backend requires a table name (DYNAMODB_TABLE_NAME)")}
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}
	s := &dynamoStore{
		client: dynamodb.NewFromConfig(cfg),
		table:  opts.TableName,
		pk:     state.PartitionKey(opts.StorageKey),
		logger: logger.Named("dynamo"),
	}
	if _, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	}); err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}
	s.logger.Debug("connected", "table", s.table, "pk", s.pk)
	return s, nil
}

func (s *dynamoStore) itemKey(sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: s.pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *dynamoStore) CreateTask(ctx context.Context, pipeline, task string, t *state.TaskState, data interface{}) error {
	item, err := attributevalue.MarshalMap(t)
	if err != nil {
		return &StoreError{Op: "create_task", Err: err}
	}
	item["pk"] = &types.AttributeValueMemberS{Value: s.pk}
	item["sk"] = &types.AttributeValueMemberS{Value: state.TaskSortKey(pipeline, task)}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return &StoreError{Op: "create_task", Err: err}
	}
	if data == nil {
		return nil
	}
	if err := s.replaceBins(ctx, pipeline, task, state.BinTaskData, data); err != nil {
		return &StoreError{Op: "create_task", Err: err}
	}
	return nil
}

func (s *dynamoStore) UpdateTask(ctx context.Context, pipeline, task string, upd TaskUpdate) error {
	names := map[string]string{"#updated_at": "updated_at"}
	values := map[string]types.AttributeValue{
		":updated_at": &types.AttributeValueMemberS{Value: state.NowUTC()},
	}
	sets := []string{"#updated_at = :updated_at"}
	if upd.Status != nil {
		names["#status"] = "status"
		values[":status"] = &types.AttributeValueMemberS{Value: string(*upd.Status)}
		sets = append(sets, "#status = :status")
	}
	hashAttrs := []struct {
		attr string
		m    map[string]string
	}{
		{"py_code_hashes", upd.PyCodeHashes},
		{"r_code_hashes", upd.RCodeHashes},
		{"input_hashes", upd.InputHashes},
		{"input_data_hashes", upd.InputDataHashes},
	}
	for _, h := range hashAttrs {
		if h.m == nil {
			continue
		}
		av, err := attributevalue.Marshal(h.m)
		if err != nil {
			return &StoreError{Op: "update_task", Err: err}
		}
		names["#"+h.attr] = h.attr
		values[":"+h.attr] = av
		sets = append(sets, "#"+h.attr+" = :"+h.attr)
	}
	if _, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.itemKey(state.TaskSortKey(pipeline, task)),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}); err != nil {
		return &StoreError{Op: "update_task", Err: err}
	}
	return nil
}

func (s *dynamoStore) GetTask(ctx context.Context, pipeline, task string, includeData, subset bool) (*state.TaskState, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(state.TaskSortKey(pipeline, task)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, &StoreError{Op: "get_task", Err: err}
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var t state.TaskState
	if err := attributevalue.UnmarshalMap(out.Item, &t); err != nil {
		return nil, &StoreError{Op: "get_task", Err: err}
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

func (s *dynamoStore) GetTaskData(ctx context.Context, pipeline, task string, subset bool) (interface{}, error) {
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

func (s *dynamoStore) SetTaskEnded(ctx context.Context, pipeline, task string, end TaskEnd) error {
	if end.Subset {
		if end.Result != nil {
			if err := s.replaceBins(ctx, pipeline, task, state.BinSubset, end.Result); err != nil {
				return &StoreError{Op: "set_task_ended", Err: err}
			}
		}
		// subset runs leave status, end_time and hashes untouched
		return s.UpdateTask(ctx, pipeline, task, TaskUpdate{})
	}
	if end.Result != nil {
		if err := s.replaceBins(ctx, pipeline, task, state.BinTaskData, end.Result); err != nil {
			return &StoreError{Op: "set_task_ended", Err: err}
		}
	}
	now := state.NowUTC()
	names := map[string]string{"#end_time": "end_time", "#updated_at": "updated_at"}
	values := map[string]types.AttributeValue{
		":end_time":   &types.AttributeValueMemberS{Value: now},
		":updated_at": &types.AttributeValueMemberS{Value: now},
	}
	sets := []string{"#end_time = :end_time", "#updated_at = :updated_at"}
	if end.Status != nil {
		names["#status"] = "status"
		values[":status"] = &types.AttributeValueMemberS{Value: string(*end.Status)}
		sets = append(sets, "#status = :status")
	}
	if end.OutputsVersion != nil {
		names["#outputs_version"] = "outputs_version"
		values[":outputs_version"] = &types.AttributeValueMemberS{Value: *end.OutputsVersion}
		sets = append(sets, "#outputs_version = :outputs_version")
	}
	if end.ResultHash != nil {
		names["#output_data_version"] = "output_data_version"
		values[":output_data_version"] = &types.AttributeValueMemberS{Value: *end.ResultHash}
		sets = append(sets, "#output_data_version = :output_data_version")
	}
	if _, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.itemKey(state.TaskSortKey(pipeline, task)),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}); err != nil {
		return &StoreError{Op: "set_task_ended", Err: err}
	}
	return nil
}

func (s *dynamoStore) DeleteTask(ctx context.Context, pipeline, task string) error {
	// TaskSortKey(p, "clean") is a prefix of TaskSortKey(p, "clean_data"),
	// so bins are enumerated under the "#"-terminated prefix and the record
	// itself is deleted by exact key.
	items, err := s.queryPrefix(ctx, state.TaskSortKey(pipeline, task)+"#")
	if err != nil {
		return &StoreError{Op: "delete_task", Err: err}
	}
	reqs := make([]types.WriteRequest, 0, len(items)+1)
	for _, item := range items {
		sk, ok := item["sk"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		reqs = append(reqs, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: s.itemKey(sk.Value)},
		})
	}
	reqs = append(reqs, types.WriteRequest{
		DeleteRequest: &types.DeleteRequest{Key: s.itemKey(state.TaskSortKey(pipeline, task))},
	})
	if err := s.batchWrite(ctx, reqs); err != nil {
		return &StoreError{Op: "delete_task", Err: err}
	}
	return nil
}

func (s *dynamoStore) ClearSubsetData(ctx context.Context, pipeline, task string) error {
	if err := s.deleteBins(ctx, pipeline, task, state.BinSubset); err != nil {
		return &StoreError{Op: "clear_subset_data", Err: err}
	}
	return nil
}

func (s *dynamoStore) CreateSubtasks(ctx context.Context, pipeline, task string, keys []string) error {
	subtasks := make([]state.Subtask, len(keys))
	for i, k := range keys {
		subtasks[i] = state.Subtask{Index: i, Key: k}
	}
	if err := s.deleteBins(ctx, pipeline, task, state.BinSubtask); err != nil {
		return &StoreError{Op: "create_subtasks", Err: err}
	}
	var reqs []types.WriteRequest
	for binID, group := range chunkSubtasks(subtasks) {
		item, err := attributevalue.MarshalMap(subtaskBin{Items: group})
		if err != nil {
			return &StoreError{Op: "create_subtasks", Err: err}
		}
		item["pk"] = &types.AttributeValueMemberS{Value: s.pk}
		item["sk"] = &types.AttributeValueMemberS{Value: state.BinSortKey(pipeline, task, state.BinSubtask, binID)}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	if err := s.batchWrite(ctx, reqs); err != nil {
		return &StoreError{Op: "create_subtasks", Err: err}
	}
	return nil
}

func (s *dynamoStore) GetSubtasks(ctx context.Context, pipeline, task string) ([]state.Subtask, error) {
	items, err := s.queryPrefix(ctx, state.BinSortKeyPrefix(pipeline, task, state.BinSubtask))
	if err != nil {
		return nil, &StoreError{Op: "get_subtasks", Err: err}
	}
	type group struct {
		id    int
		items []state.Subtask
	}
	groups := make([]group, 0, len(items))
	for _, item := range items {
		sk, ok := item["sk"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		id, err := state.BinIDFromSortKey(sk.Value)
		if err != nil {
			return nil, &StoreError{Op: "get_subtasks", Err: err}
		}
		var bin subtaskBin
		if err := attributevalue.UnmarshalMap(item, &bin); err != nil {
			return nil, &StoreError{Op: "get_subtasks", Err: err}
		}
		groups = append(groups, group{id: id, items: bin.Items})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].id < groups[j].id })
	var out []state.Subtask
	for i, g := range groups {
		if g.id != i {
			return nil, &StoreError{Op: "get_subtasks", Err: errors.Errorf("missing subtask bin %d for %s", i, task)}
		}
		out = append(out, g.items...)
	}
	return out, nil
}

func (s *dynamoStore) SetSubtaskStarted(ctx context.Context, pipeline, task string, idx int) error {
	expr := "SET #items[" + strconv.Itoa(state.SlotOf(idx)) + "].startTime = :t"
	if err := s.updateSubtaskSlot(ctx, pipeline, task, idx, expr, map[string]types.AttributeValue{
		":t": &types.AttributeValueMemberS{Value: state.NowUTC()},
	}); err != nil {
		return &StoreError{Op: "set_subtask_started", Err: err}
	}
	return nil
}

func (s *dynamoStore) SetSubtaskEnded(ctx context.Context, pipeline, task string, idx int, outputHash string) error {
	slot := strconv.Itoa(state.SlotOf(idx))
	expr := "SET #items[" + slot + "].endTime = :t, #items[" + slot + "].outputHash = :h"
	if err := s.updateSubtaskSlot(ctx, pipeline, task, idx, expr, map[string]types.AttributeValue{
		":t": &types.AttributeValueMemberS{Value: state.NowUTC()},
		":h": &types.AttributeValueMemberS{Value: outputHash},
	}); err != nil {
		return &StoreError{Op: "set_subtask_ended", Err: err}
	}
	return nil
}

// updateSubtaskSlot mutates one slot of one subtask bin. List indices must be
// literals in the expression, so callers splice the slot in themselves.
func (s *dynamoStore) updateSubtaskSlot(ctx context.Context, pipeline, task string, idx int, expr string, values map[string]types.AttributeValue) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.itemKey(state.BinSortKey(pipeline, task, state.BinSubtask, state.BinOf(idx))),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames:  map[string]string{"#items": "items"},
		ExpressionAttributeValues: values,
	})
	return err
}

func (s *dynamoStore) Close() error { return nil }

// replaceBins drops the existing bins of one type and writes the chunked
// data in their place. Without the delete, shrinking data would leave stale
// tail bins behind.
func (s *dynamoStore) replaceBins(ctx context.Context, pipeline, task string, binType state.BinType, data interface{}) error {
	if err := s.deleteBins(ctx, pipeline, task, binType); err != nil {
		return err
	}
	payloads, err := chunkData(data)
	if err != nil {
		return err
	}
	reqs := make([]types.WriteRequest, len(payloads))
	for i, p := range payloads {
		reqs[i] = types.WriteRequest{PutRequest: &types.PutRequest{Item: map[string]types.AttributeValue{
			"pk":      &types.AttributeValueMemberS{Value: s.pk},
			"sk":      &types.AttributeValueMemberS{Value: state.BinSortKey(pipeline, task, binType, i)},
			"payload": &types.AttributeValueMemberS{Value: p},
		}}}
	}
	return s.batchWrite(ctx, reqs)
}

func (s *dynamoStore) deleteBins(ctx context.Context, pipeline, task string, binType state.BinType) error {
	items, err := s.queryPrefix(ctx, state.BinSortKeyPrefix(pipeline, task, binType))
	if err != nil {
		return err
	}
	reqs := make([]types.WriteRequest, 0, len(items))
	for _, item := range items {
		sk, ok := item["sk"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		reqs = append(reqs, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: s.itemKey(sk.Value)},
		})
	}
	return s.batchWrite(ctx, reqs)
}

func (s *dynamoStore) queryDataBins(ctx context.Context, pipeline, task string, binType state.BinType) ([]string, []string, error) {
	items, err := s.queryPrefix(ctx, state.BinSortKeyPrefix(pipeline, task, binType))
	if err != nil {
		return nil, nil, err
	}
	sks := make([]string, 0, len(items))
	payloads := make([]string, 0, len(items))
	for _, item := range items {
		sk, ok := item["sk"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		var bin dataBin
		if err := attributevalue.UnmarshalMap(item, &bin); err != nil {
			return nil, nil, err
		}
		sks = append(sks, sk.Value)
		payloads = append(payloads, bin.Payload)
	}
	return sks, payloads, nil
}

// queryPrefix pages through every item of the partition whose sort key
// begins with prefix.
func (s *dynamoStore) queryPrefix(ctx context.Context, prefix string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: s.pk},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ConsistentRead: aws.Bool(true),
	}
	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// batchWrite flushes write requests in BatchWriteItem-sized chunks, retrying
// unprocessed leftovers with exponential backoff. Hard request errors are
// not retried here; the SDK's own retryer already covered transient ones.
func (s *dynamoStore) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	for start := 0; start < len(reqs); start += dynamoBatchMax {
		end := start + dynamoBatchMax
		if end > len(reqs) {
			end = len(reqs)
		}
		pending := reqs[start:end]
		attempt := func() error {
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{s.table: pending},
			})
			if err != nil {
				return backoff.Permanent(err)
			}
			if left := out.UnprocessedItems[s.table]; len(left) > 0 {
				s.logger.Debug("retrying unprocessed writes", "count", len(left))
				pending = left
				return errors.Errorf("%d unprocessed writes", len(left))
			}
			return nil
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = 2 * time.Second
		bo.MaxElapsedTime = 30 * time.Second
		if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
			return err
		}
	}
	return nil
}
