package chrometracing

import (
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The writer is process-global, so the whole lifecycle lives in one test.
func TestTraceLifecycle(t *testing.T) {
	Event("too early").Done()
	assert.Equal(t, "", Path())

	Start(t.TempDir())
	require.NotEqual(t, "", Path())

	var wg sync.WaitGroup
	for _, task := range []string{"ingest", "clean", "score"} {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			Event(task).Done()
		}()
	}
	wg.Wait()

	require.NoError(t, Close())
	assert.NoError(t, Close())
	Event("too late").Done()

	raw, err := os.ReadFile(Path())
	require.NoError(t, err)

	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &events), "trace should parse as a closed JSON array")
	require.NotEmpty(t, events)
	assert.Equal(t, "process_name", events[0]["name"])

	byPhase := make(map[string][]string)
	for _, ev := range events[1:] {
		phase := ev["ph"].(string)
		byPhase[phase] = append(byPhase[phase], ev["name"].(string))
	}
	assert.ElementsMatch(t, []string{"ingest", "clean", "score"}, byPhase["B"])
	assert.ElementsMatch(t, []string{"ingest", "clean", "score"}, byPhase["E"])
	for _, ev := range events {
		assert.NotEqual(t, "too early", ev["name"])
		assert.NotEqual(t, "too late", ev["name"])
	}
}

func TestLanePoolReusesFreedLanes(t *testing.T) {
	var pool lanePool
	first := pool.acquire()
	second := pool.acquire()
	assert.NotEqual(t, first, second)
	pool.release(first)
	assert.Equal(t, first, pool.acquire(), "freed lane should be handed out again")
}
