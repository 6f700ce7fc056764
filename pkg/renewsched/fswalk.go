package renewsched

import (
	"os"
	"path/filepath"
	"strings"
)

// walkDirs visits root and every subdirectory not named backups/archive and
// not hidden, invoking fn on each.
func walkDirs(root string, fn func(dir string) error) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return nil
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (strings.HasPrefix(name, ".") || skippedDirNames[strings.ToLower(name)]) {
			return filepath.SkipDir
		}
		return fn(path)
	})
}

func statIsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
