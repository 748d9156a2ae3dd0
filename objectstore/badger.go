package objectstore

import (
	"context"

	badger "github.com/dgraph-io/badger/v4"

	"rekkord/rekkorderr"
)

// Badger is an embedded-KV ObjectStore backend, an alternative to Local for
// repositories that want a single-file-ish store without a directory tree
// of millions of small blob files.
type Badger struct {
	db  *badger.DB
	url string
}

var _ Store = (*Badger)(nil)

// NewBadger opens (creating if necessary) a badger-backed store at dir.
func NewBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "open badger store", err)
	}
	return &Badger{db: db, url: "badger://" + dir}, nil
}

func (b *Badger) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return rekkorderr.New(rekkorderr.Cancelled, "put", err)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), data)
	})
	if err != nil {
		return rekkorderr.New(rekkorderr.Io, "put", err)
	}
	return nil
}

func (b *Badger) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, rekkorderr.New(rekkorderr.Cancelled, "get", err)
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, rekkorderr.New(rekkorderr.NotFound, "get", err)
	}
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "get", err)
	}
	return out, nil
}

func (b *Badger) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, rekkorderr.New(rekkorderr.Cancelled, "exists", err)
	}
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(path))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, rekkorderr.New(rekkorderr.Io, "exists", err)
	}
	return found, nil
}

func (b *Badger) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, rekkorderr.New(rekkorderr.Cancelled, "list", err)
	}
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			out = append(out, string(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "list", err)
	}
	return out, nil
}

func (b *Badger) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return rekkorderr.New(rekkorderr.Cancelled, "delete", err)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(path))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return rekkorderr.New(rekkorderr.Io, "delete", err)
	}
	return nil
}

func (b *Badger) URL(path string) string {
	return b.url + "/" + path
}

func (b *Badger) Close() error {
	if err := b.db.Close(); err != nil {
		return rekkorderr.New(rekkorderr.Io, "close badger store", err)
	}
	return nil
}
