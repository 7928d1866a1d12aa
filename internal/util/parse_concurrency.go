package util

import (
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
)

// alias so we can mock in tests
var runtimeNumCPU = runtime.NumCPU

// ParseConcurrency parses a concurrency value, either an absolute count
// (e.g. 4) or a percentage of the host's CPU cores (e.g. 50%).
func ParseConcurrency(raw string) (int, error) {
	if strings.HasSuffix(raw, "%") {
		percent, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid value for --concurrency, expected a count (--concurrency=4) or a percentage of CPU cores (--concurrency=50%%): %w", err)
		}
		if percent <= 0 || math.IsInf(percent, 1) {
			return 0, fmt.Errorf("invalid percentage %q for --concurrency, expected a value between 1%% and 100%%", raw)
		}
		return int(math.Max(1, float64(runtimeNumCPU())*percent/100)), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid value for --concurrency, expected a positive integer: %w", err)
	}
	if n < 1 {
		return 0, fmt.Errorf("invalid value %d for --concurrency, expected a positive integer greater than or equal to 1", n)
	}
	return n, nil
}
