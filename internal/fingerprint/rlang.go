package fingerprint

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/bmatcuk/doublestar"
	mapset "github.com/deckarep/golang-set"
)

// maxSourceDepth bounds the source() recursion. Graphs deeper than this are
// almost certainly symlink cycles the visited set cannot see.
const maxSourceDepth = 25

var sourceCallRe = regexp.MustCompile(`\bsource\s*\(\s*["']([^"']+)["']`)

type rEntry struct {
	path string
	root string
}

// R fingerprints the transitive source() closure of an R task. Placeholders
// in r_script expand to * globs and every match roots a scan. The result
// maps root-relative paths to file digests.
func (h *Hasher) R(taskName, rScript string) (map[string]string, error) {
	entries := h.globRScript(ExpandPlaceholders(rScript, nil))
	if len(entries) == 0 {
		return nil, &MissingSourceError{Task: taskName, Path: rScript}
	}
	hashes := map[string]string{}
	visited := mapset.NewSet()
	for _, entry := range entries {
		if err := h.scanR(entry.path, entry.root, 0, visited, hashes); err != nil {
			return nil, err
		}
	}
	return hashes, nil
}

// RScriptPath resolves the concrete script file for an R invocation,
// filling placeholders from env before globbing. The first match wins.
func (h *Hasher) RScriptPath(taskName, rScript string, env map[string]string) (string, error) {
	entries := h.globRScript(ExpandPlaceholders(rScript, env))
	if len(entries) == 0 {
		return "", &MissingSourceError{Task: taskName, Path: rScript}
	}
	return entries[0].path, nil
}

func (h *Hasher) globRScript(pattern string) []rEntry {
	var out []rEntry
	for _, root := range h.rRoots {
		matches, err := doublestar.Glob(filepath.Join(root, pattern))
		if err != nil {
			h.logger.Warn("bad r_script pattern", "pattern", pattern, "error", err)
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && !info.IsDir() {
				out = append(out, rEntry{path: m, root: root})
			}
		}
	}
	return out
}

// scanR hashes path and recurses into its source() imports.
func (h *Hasher) scanR(path, root string, depth int, visited mapset.Set, hashes map[string]string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if depth > maxSourceDepth || visited.Contains(abs) {
		return nil
	}
	visited.Add(abs)

	sum, err := h.File(abs)
	if err != nil {
		return err
	}
	hashes[relTo(root, abs)] = sum

	content, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	for _, m := range sourceCallRe.FindAllStringSubmatch(string(content), -1) {
		target := m[1]
		resolved, targetRoot, ok := h.resolveRTarget(target, filepath.Dir(abs), root)
		if !ok {
			h.logger.Warn("unresolved source() target", "from", path, "target", target)
			continue
		}
		if err := h.scanR(resolved, targetRoot, depth+1, visited, hashes); err != nil {
			return err
		}
	}
	return nil
}

// resolveRTarget tries the including file's directory first, then each R
// root.
func (h *Hasher) resolveRTarget(target, fromDir, fromRoot string) (string, string, bool) {
	if filepath.IsAbs(target) {
		if info, err := os.Stat(target); err == nil && !info.IsDir() {
			return target, fromRoot, true
		}
		return "", "", false
	}
	local := filepath.Join(fromDir, target)
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		return local, fromRoot, true
	}
	for _, root := range h.rRoots {
		candidate := filepath.Join(root, target)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, root, true
		}
	}
	return "", "", false
}
