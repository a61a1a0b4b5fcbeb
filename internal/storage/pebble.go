package storage

import (
	"errors"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store on a pebble database, one per member
// data directory. Keys are ns\x00id, values raw JSON documents.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble-backed store at dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Put(ns, id string, doc []byte) error {
	return p.db.Set(nsKey(ns, id), doc, pebble.Sync)
}

func (p *PebbleStore) Get(ns, id string) ([]byte, error) {
	val, closer, err := p.db.Get(nsKey(ns, id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PebbleStore) Delete(ns, id string) error {
	return p.db.Delete(nsKey(ns, id), pebble.Sync)
}

func (p *PebbleStore) Scan(ns string, fn func(id string, doc []byte) error) error {
	iter, err := p.db.NewIter(prefixBounds(ns))
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		_, id, ok := splitKey(iter.Key())
		if !ok {
			continue
		}
		if err := fn(id, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleStore) Count(ns string) (int, error) {
	n := 0
	err := p.Scan(ns, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

func (p *PebbleStore) Namespaces() ([]string, error) {
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	last := ""
	for iter.First(); iter.Valid(); iter.Next() {
		ns, _, ok := splitKey(iter.Key())
		if !ok || ns == last {
			continue
		}
		out = append(out, ns)
		last = ns
	}
	return out, iter.Error()
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}

// prefixBounds restricts iteration to one namespace. The upper bound
// bumps the separator byte, which is the smallest key after every
// ns\x00... key.
func prefixBounds(ns string) *pebble.IterOptions {
	lower := []byte(ns + "\x00")
	upper := []byte(ns + "\x01")
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}
