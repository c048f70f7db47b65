package checkpoint

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/natefinch/atomic"
)

// FileStore keeps one JSON file per checkpoint in a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create checkpoint dir")
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", errors.Newf("invalid checkpoint name %q", name)
	}
	return filepath.Join(f.dir, name+".json"), nil
}

// Load implements Store.
func (f *FileStore) Load(ctx context.Context, name string) (State, bool, error) {
	path, err := f.path(name)
	if err != nil {
		return State{}, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	st, err := decode(name, data)
	return st, err == nil, err
}

// Save implements Store. The file is replaced atomically.
func (f *FileStore) Save(ctx context.Context, name string, st State) error {
	path, err := f.path(name)
	if err != nil {
		return err
	}
	data, err := encode(st)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "write checkpoint %s", path)
	}
	return nil
}
