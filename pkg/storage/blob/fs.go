package blob

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/updrift/updrift/pkg/errdefs"
	"github.com/updrift/updrift/pkg/util/xcontext"
)

func checkContext(ctx context.Context) error {
	if err := xcontext.NonBlockingCheck(ctx); err != nil {
		return errdefs.NewE(errdefs.ErrCanceled, err)
	}
	return nil
}

// NewFS returns a Store rooted at dir on the given filesystem. Production
// uses afero.NewOsFs; tests use afero.NewMemMapFs.
func NewFS(fsys afero.Fs, dir string) Store {
	return &fsStore{fs: afero.Afero{Fs: afero.NewBasePathFs(fsys, dir)}}
}

type fsStore struct {
	fs afero.Afero
}

func (s *fsStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	if !ValidKey(key) {
		return 0, errdefs.Newf(errdefs.ErrInvalidParameter, "invalid blob key %q", key)
	}
	if dir := path.Dir(key); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return 0, errdefs.NewE(errdefs.ErrSystem, err)
		}
	}
	f, err := s.fs.Create(key)
	if err != nil {
		return 0, errdefs.NewE(errdefs.ErrSystem, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errdefs.NewE(errdefs.ErrSystem, err)
	}
	return n, nil
}

func (s *fsStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if !ValidKey(key) {
		return nil, errdefs.Newf(errdefs.ErrInvalidParameter, "invalid blob key %q", key)
	}
	f, err := s.fs.Open(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Newf(errdefs.ErrNotFound, "blob %q", key)
		}
		return nil, errdefs.NewE(errdefs.ErrSystem, err)
	}
	return f, nil
}

func (s *fsStore) Stat(ctx context.Context, key string) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	info, err := s.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errdefs.Newf(errdefs.ErrNotFound, "blob %q", key)
		}
		return 0, errdefs.NewE(errdefs.ErrSystem, err)
	}
	return info.Size(), nil
}

func (s *fsStore) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := s.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return errdefs.NewE(errdefs.ErrSystem, err)
	}
	return nil
}

func (s *fsStore) DeletePrefix(ctx context.Context, prefix string) (int, int64, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, 0, err
	}
	count := 0
	var freed int64
	for _, key := range keys {
		size, err := s.Stat(ctx, key)
		if err != nil {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			return count, freed, err
		}
		count++
		freed += size
	}
	// Drop now-empty directories, best effort.
	_ = s.fs.RemoveAll(strings.TrimSuffix(prefix, "/"))
	return count, freed, nil
}

func (s *fsStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	root := strings.TrimSuffix(prefix, "/")
	exists, err := s.fs.DirExists(root)
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrSystem, err)
	}
	if !exists {
		return nil, nil
	}
	var keys []string
	err = afero.Walk(s.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		keys = append(keys, path.Clean(strings.ReplaceAll(p, string(os.PathSeparator), "/")))
		return nil
	})
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrSystem, err)
	}
	return keys, nil
}
