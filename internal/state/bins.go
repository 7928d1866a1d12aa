package state

// BinSize caps how many list elements a single bin holds. Empirical bound
// under the 400 KB DynamoDB item limit.
const BinSize = 2000

// BinType distinguishes the bin families hanging off a task record.
type BinType string

const (
	BinTaskData BinType = "TASKDATABIN"
	BinSubset   BinType = "SUBSETBIN"
	BinSubtask  BinType = "SUBTASKBIN"
)

// NumBins returns how many bins a list of n elements occupies.
func NumBins(n int) int {
	return (n + BinSize - 1) / BinSize
}

// BinOf returns the bin id holding list index i.
func BinOf(i int) int {
	return i / BinSize
}

// SlotOf returns the position of list index i inside its bin.
func SlotOf(i int) int {
	return i % BinSize
}
