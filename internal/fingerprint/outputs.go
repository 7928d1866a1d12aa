package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar"
	"golang.org/x/sync/errgroup"

	"github.com/kaptenlabs/kapten/internal/state"
)

const hashWorkers = 8

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandPlaceholders substitutes ${var} occurrences from env. Unbound
// variables are lowered to * globs.
func ExpandPlaceholders(pattern string, env map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(pattern, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := env[name]; ok {
			return v
		}
		return "*"
	})
}

// TaskOutputs fingerprints the files matching the task's declared output
// patterns. No declared patterns hash to the empty string; declared
// patterns matching zero files return nil, which callers read as "not yet
// produced".
func (h *Hasher) TaskOutputs(ctx context.Context, patterns []string) (*string, error) {
	return h.hashOutputs(ctx, patterns, nil)
}

// SubtaskOutputs is TaskOutputs with ${var} placeholders filled from the
// subtask's resolved arguments before globbing.
func (h *Hasher) SubtaskOutputs(ctx context.Context, patterns []string, env map[string]string) (*string, error) {
	return h.hashOutputs(ctx, patterns, env)
}

func (h *Hasher) hashOutputs(ctx context.Context, patterns []string, env map[string]string) (*string, error) {
	if len(patterns) == 0 {
		empty := ""
		return &empty, nil
	}

	var files []string
	seen := map[string]struct{}{}
	for _, pattern := range patterns {
		expanded := ExpandPlaceholders(pattern, env)
		matches, err := doublestar.Glob(filepath.Join(h.outputsDir, expanded))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		h.logger.Warn("declared outputs matched no files", "patterns", patterns)
		return nil, nil
	}
	sort.Strings(files)

	hashes := make(map[string]string, len(files))
	var mu sync.Mutex
	queue := make(chan string, hashWorkers)
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < hashWorkers; i++ {
		group.Go(func() error {
			for file := range queue {
				sum, err := h.File(file)
				if err != nil {
					return err
				}
				mu.Lock()
				hashes[relTo(h.outputsDir, file)] = sum
				mu.Unlock()
			}
			return nil
		})
	}
	group.Go(func() error {
		defer close(queue)
		for _, file := range files {
			select {
			case queue <- file:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	digest, err := state.Digest(hashes)
	if err != nil {
		return nil, err
	}
	return &digest, nil
}
