package meta

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/updrift/updrift/pkg/errdefs"
)

var (
	appsBucket    = []byte("apps")
	uploadsBucket = []byte("uploads")
)

// OpenBolt opens (creating if needed) a bbolt-backed Store at path.
func OpenBolt(path string) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errdefs.Newf(errdefs.ErrSystem, "open meta store %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appsBucket, uploadsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errdefs.NewE(errdefs.ErrSystem, err)
	}
	return &boltStore{db: db}, nil
}

type boltStore struct {
	db *bolt.DB
}

func (s *boltStore) View(ctx context.Context, fn func(tx ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return errdefs.NewE(errdefs.ErrCanceled, err)
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *boltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errdefs.NewE(errdefs.ErrCanceled, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) GetApp(slug string) (*App, error) {
	raw := t.tx.Bucket(appsBucket).Get([]byte(slug))
	if raw == nil {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "app %q", slug)
	}
	app := &App{}
	if err := json.Unmarshal(raw, app); err != nil {
		return nil, errdefs.NewE(errdefs.ErrMalformed, err)
	}
	return app, nil
}

func (t *boltTx) ListApps() ([]*App, error) {
	var apps []*App
	err := t.tx.Bucket(appsBucket).ForEach(func(_, raw []byte) error {
		app := &App{}
		if err := json.Unmarshal(raw, app); err != nil {
			return errdefs.NewE(errdefs.ErrMalformed, err)
		}
		apps = append(apps, app)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// bucket iteration is already key-ordered, i.e. by slug
	return apps, nil
}

func (t *boltTx) PutApp(app *App) error {
	raw, err := json.Marshal(app)
	if err != nil {
		return errdefs.NewE(errdefs.ErrSystem, err)
	}
	return t.tx.Bucket(appsBucket).Put([]byte(app.Slug), raw)
}

func (t *boltTx) DeleteApp(slug string) error {
	return t.tx.Bucket(appsBucket).Delete([]byte(slug))
}

func (t *boltTx) GetUpload(id string) (*Upload, error) {
	raw := t.tx.Bucket(uploadsBucket).Get([]byte(id))
	if raw == nil {
		return nil, errdefs.Newf(errdefs.ErrNotFound, "upload %q", id)
	}
	upload := &Upload{}
	if err := json.Unmarshal(raw, upload); err != nil {
		return nil, errdefs.NewE(errdefs.ErrMalformed, err)
	}
	return upload, nil
}

func (t *boltTx) ListUploads() ([]*Upload, error) {
	var uploads []*Upload
	err := t.tx.Bucket(uploadsBucket).ForEach(func(_, raw []byte) error {
		upload := &Upload{}
		if err := json.Unmarshal(raw, upload); err != nil {
			return errdefs.NewE(errdefs.ErrMalformed, err)
		}
		uploads = append(uploads, upload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(uploads, func(i, j int) bool {
		return uploads[i].CreatedAt.Before(uploads[j].CreatedAt)
	})
	return uploads, nil
}

func (t *boltTx) PutUpload(upload *Upload) error {
	raw, err := json.Marshal(upload)
	if err != nil {
		return errdefs.NewE(errdefs.ErrSystem, err)
	}
	return t.tx.Bucket(uploadsBucket).Put([]byte(upload.ID), raw)
}

func (t *boltTx) DeleteUpload(id string) error {
	return t.tx.Bucket(uploadsBucket).Delete([]byte(id))
}
