package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// PathStore persists blobs on the local filesystem under two levels of
// prefix directories.
type PathStore struct {
	root string
}

// NewPathStore returns a Store rooted at path.
func NewPathStore(root string) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.mkdir", root, err)
	}
	return &PathStore{root: root}, nil
}

func (p *PathStore) Put(ctx context.Context, data []byte) (ID, bool, error) {
	id := IDOf(data)
	finalPath := p.pathForID(id)
	if _, err := os.Stat(finalPath); err == nil {
		return id, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, err
	}
	file, err := os.CreateTemp(p.root, "upload-*")
	if err != nil {
		return "", false, err
	}
	tmpName := file.Name()
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpName)
		return "", false, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpName)
		return "", false, err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tmpName)
		return "", false, err
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return "", false, err
	}
	return id, true, nil
}

func (p *PathStore) Get(ctx context.Context, id ID) ([]byte, error) {
	if !id.Valid() {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore.Get", string(id))
	}
	data, err := os.ReadFile(p.pathForID(id))
	if os.IsNotExist(err) {
		return nil, xerrors.E(xerrors.KindNotFound, "PathStore.Get", string(id))
	}
	return data, err
}

func (p *PathStore) Delete(ctx context.Context, id ID) error {
	if !id.Valid() {
		return xerrors.E(xerrors.KindInvalid, "PathStore.Delete", string(id))
	}
	err := os.Remove(p.pathForID(id))
	if os.IsNotExist(err) {
		return xerrors.E(xerrors.KindNotFound, "PathStore.Delete", string(id))
	}
	return err
}

func (p *PathStore) Exists(ctx context.Context, id ID) (bool, error) {
	if !id.Valid() {
		return false, nil
	}
	_, err := os.Stat(p.pathForID(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (p *PathStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() && ID(d.Name()).Valid() {
			count++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return count, err
}

func (p *PathStore) pathForID(id ID) string {
	name := string(id)
	if len(name) < 4 {
		return filepath.Join(p.root, name)
	}
	return filepath.Join(p.root, name[:2], name[2:4], name)
}
