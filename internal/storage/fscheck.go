package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Mount describes the filesystem backing a path.
type Mount struct {
	Kind   string
	Remote bool
}

// NetworkFSError is returned by OpenSQLite when the journal would live on a
// network mount. SQLite locking is not reliable there.
type NetworkFSError struct {
	Path string
	Kind string
}

func (e *NetworkFSError) Error() string {
	return fmt.Sprintf("journal %q is on %s, a network filesystem; set server.journal_path to a file on local disk", e.Path, e.Kind)
}

// requireLocalDisk rejects journal paths whose nearest existing ancestor is
// on a network mount.
func requireLocalDisk(path string) error {
	return requireLocalDiskWith(path, statMount)
}

func requireLocalDiskWith(path string, stat func(string) (Mount, error)) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("journal path %q: %w", path, err)
	}
	m, err := stat(dir)
	if err != nil {
		return fmt.Errorf("journal path %q: %w", path, err)
	}
	if m.Remote {
		return &NetworkFSError{Path: path, Kind: m.Kind}
	}
	return nil
}

// existingAncestor walks up from path until it finds something that exists.
// The journal file and its directories may not be created yet.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		up := filepath.Dir(p)
		if up == p {
			return "", fmt.Errorf("no existing ancestor")
		}
		p = up
	}
}
