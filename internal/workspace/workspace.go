// Package workspace gives the orchestrators file access to the project tree
// the build tool operates on, whether that tree is local or on a build host.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FS is the subset of file operations the orchestrators need. Relative
// paths resolve against the workspace root.
type FS interface {
	Exists(path string) (bool, error)
	Size(path string) (int64, error)
	// Remove deletes path. Removing a missing file is not an error.
	Remove(path string) error
}

// Local is an FS rooted at a directory on this machine.
type Local struct {
	Root string
}

func NewLocal(root string) *Local { return &Local{Root: root} }

func (l *Local) resolve(path string) string {
	if filepath.IsAbs(path) || l.Root == "" {
		return path
	}
	return filepath.Join(l.Root, path)
}

func (l *Local) Exists(path string) (bool, error) {
	_, err := os.Stat(l.resolve(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func (l *Local) Size(path string) (int64, error) {
	info, err := os.Stat(l.resolve(path))
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}

func (l *Local) Remove(path string) error {
	err := os.Remove(l.resolve(path))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove %s: %w", path, err)
}
