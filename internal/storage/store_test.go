package storage

import (
	"errors"
	"fmt"
	"testing"
)

// backends under test; pebble runs against a throwaway directory.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	peb, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { peb.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"pebble": peb,
	}
}

func TestStorePutGetDelete(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put("db.c", "s:a", []byte(`{"_id":"a","v":1}`)); err != nil {
				t.Fatalf("put: %v", err)
			}

			doc, err := s.Get("db.c", "s:a")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(doc) != `{"_id":"a","v":1}` {
				t.Errorf("got %s", doc)
			}

			if _, err := s.Get("db.c", "s:missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("get missing = %v, want ErrNotFound", err)
			}
			if _, err := s.Get("db.other", "s:a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("namespaces must not bleed into each other: %v", err)
			}

			if err := s.Delete("db.c", "s:a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Get("db.c", "s:a"); !errors.Is(err, ErrNotFound) {
				t.Error("document survives delete")
			}
			// Deleting again is a no-op.
			if err := s.Delete("db.c", "s:a"); err != nil {
				t.Errorf("repeat delete: %v", err)
			}
		})
	}
}

func TestStoreScanIsolatesNamespaces(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("n:%d", i)
				if err := s.Put("db.a", id, []byte(`{"x":1}`)); err != nil {
					t.Fatalf("put: %v", err)
				}
			}
			if err := s.Put("db.ab", "s:z", []byte(`{"x":2}`)); err != nil {
				t.Fatalf("put: %v", err)
			}

			var ids []string
			err := s.Scan("db.a", func(id string, doc []byte) error {
				ids = append(ids, id)
				return nil
			})
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			if len(ids) != 10 {
				t.Errorf("scan of db.a saw %d docs, want 10 (db.ab must not leak in)", len(ids))
			}
			for i := 1; i < len(ids); i++ {
				if ids[i-1] >= ids[i] {
					t.Errorf("scan order not sorted: %s before %s", ids[i-1], ids[i])
				}
			}

			n, err := s.Count("db.a")
			if err != nil || n != 10 {
				t.Errorf("Count = %d, %v; want 10", n, err)
			}

			nss, err := s.Namespaces()
			if err != nil {
				t.Fatalf("namespaces: %v", err)
			}
			if len(nss) != 2 || nss[0] != "db.a" || nss[1] != "db.ab" {
				t.Errorf("Namespaces() = %v", nss)
			}
		})
	}
}

func TestStoreScanStopsOnError(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				s.Put("db.c", fmt.Sprintf("n:%d", i), []byte(`{}`))
			}
			boom := errors.New("boom")
			seen := 0
			err := s.Scan("db.c", func(string, []byte) error {
				seen++
				if seen == 2 {
					return boom
				}
				return nil
			})
			if !errors.Is(err, boom) {
				t.Errorf("scan error = %v, want boom", err)
			}
			if seen != 2 {
				t.Errorf("scan visited %d docs after error, want 2", seen)
			}
		})
	}
}
