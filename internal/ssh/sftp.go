package ssh

import (
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// Workspace is a workspace.FS on the build host, backed by SFTP.
type Workspace struct {
	sf   *sftp.Client
	Root string
}

// NewWorkspace opens an SFTP subsystem on client. Close releases it.
func NewWorkspace(client *xssh.Client, root string) (*Workspace, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &Workspace{sf: sf, Root: root}, nil
}

func (w *Workspace) resolve(p string) string {
	if path.IsAbs(p) || w.Root == "" {
		return p
	}
	return path.Join(w.Root, p)
}

func (w *Workspace) Exists(p string) (bool, error) {
	_, err := w.sf.Stat(w.resolve(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat remote %s: %w", p, err)
}

func (w *Workspace) Size(p string) (int64, error) {
	info, err := w.sf.Stat(w.resolve(p))
	if err != nil {
		return 0, fmt.Errorf("stat remote %s: %w", p, err)
	}
	return info.Size(), nil
}

func (w *Workspace) Remove(p string) error {
	err := w.sf.Remove(w.resolve(p))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove remote %s: %w", p, err)
}

func (w *Workspace) Close() error { return w.sf.Close() }
