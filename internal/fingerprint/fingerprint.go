// Package fingerprint computes the content-addressed fingerprints behind
// every cache decision. All digests are hex SHA-256, taken over raw file
// bytes or over the canonical JSON encoding of a value.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"

	"github.com/kaptenlabs/kapten/internal/state"
)

// memoSize bounds the per-process file digest memo.
const memoSize = 1024

// Options configures a Hasher.
type Options struct {
	// PyRoots are the directories searched for Python task sources.
	PyRoots []string
	// RRoots are the directories searched for R scripts and their source()
	// imports.
	RRoots []string
	// OutputsDir anchors declared output patterns.
	OutputsDir string
	Logger     hclog.Logger
}

// MissingSourceError reports a declared source file that could not be
// located under any configured root.
type MissingSourceError struct {
	Task string
	Path string
}

func (e *MissingSourceError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("source file %q not found", e.Path)
	}
	return fmt.Sprintf("task %s: source file %q not found", e.Task, e.Path)
}

// Hasher fingerprints files and values. It keeps an LRU memo of file digests
// keyed by path, mtime and size so a flow run doesn't hash the same file
// twice.
type Hasher struct {
	pyRoots    []string
	rRoots     []string
	outputsDir string
	logger     hclog.Logger
	memo       *lru.Cache
}

// New builds a Hasher. Roots are resolved to absolute paths up front so the
// root-relative names inside fingerprints don't depend on the working
// directory.
func New(opts Options) (*Hasher, error) {
	memo, err := lru.New(memoSize)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	pyRoots, err := absAll(opts.PyRoots)
	if err != nil {
		return nil, err
	}
	rRoots, err := absAll(opts.RRoots)
	if err != nil {
		return nil, err
	}
	outputsDir := opts.OutputsDir
	if outputsDir != "" {
		if outputsDir, err = filepath.Abs(outputsDir); err != nil {
			return nil, err
		}
	}
	return &Hasher{
		pyRoots:    pyRoots,
		rRoots:     rRoots,
		outputsDir: outputsDir,
		logger:     logger.Named("fingerprint"),
		memo:       memo,
	}, nil
}

func absAll(paths []string) ([]string, error) {
	out := make([]string, len(paths))
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out[i] = abs
	}
	return out, nil
}

// PyRoots returns the resolved Python source roots, in search order.
func (h *Hasher) PyRoots() []string {
	return append([]string(nil), h.pyRoots...)
}

// Object fingerprints any JSON-shaped value. The encoder sorts map keys, so
// the digest is independent of insertion order.
func (h *Hasher) Object(v interface{}) (string, error) {
	return state.Digest(v)
}

// Inputs fingerprints the map of upstream task name to committed version.
// Callers omit dependencies that have no version on record; missing is not
// a mismatch.
func (h *Hasher) Inputs(deps map[string]string) (string, error) {
	return state.Digest(deps)
}

// File returns the SHA-256 of the file's bytes.
func (h *Hasher) File(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%v|%v|%v", abs, info.ModTime().UnixNano(), info.Size())
	if cached, ok := h.memo.Get(key); ok {
		return cached.(string), nil
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(digest.Sum(nil))
	h.memo.Add(key, sum)
	return sum, nil
}

// relTo maps an absolute path back under its root, in slash form so digests
// agree across platforms.
func relTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
