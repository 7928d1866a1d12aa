package fingerprint

import (
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"
)

// Python fingerprints the single source file backing a Python task. The
// filename is the task's file attribute when set, otherwise <task>.py. The
// result maps the root-relative path to the file digest.
func (h *Hasher) Python(taskName, file string) (map[string]string, error) {
	name := file
	if name == "" {
		name = taskName + ".py"
	}
	path, root, ok := locate(h.pyRoots, name)
	if !ok {
		return nil, &MissingSourceError{Task: taskName, Path: name}
	}
	sum, err := h.File(path)
	if err != nil {
		return nil, err
	}
	return map[string]string{relTo(root, path): sum}, nil
}

// locate resolves name under the given roots. A direct join wins; otherwise
// each root is walked looking for a basename match. The first root that
// resolves wins.
func locate(roots []string, name string) (string, string, bool) {
	for _, root := range roots {
		direct := filepath.Join(root, name)
		if info, err := os.Stat(direct); err == nil && !info.IsDir() {
			return direct, root, true
		}
	}
	base := filepath.Base(name)
	for _, root := range roots {
		var found string
		_ = godirwalk.Walk(root, &godirwalk.Options{
			Callback: func(path string, de *godirwalk.Dirent) error {
				if found == "" && de.IsRegular() && de.Name() == base {
					found = path
				}
				return nil
			},
			ErrorCallback: func(string, error) godirwalk.ErrorAction {
				return godirwalk.SkipNode
			},
		})
		if found != "" {
			return found, root, true
		}
	}
	return "", "", false
}
