package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, WithQuietWindow(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	doc := map[string]any{"name": "alpha", "count": float64(3)}
	if err := s.Write("thing.yaml", doc); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("thing.yaml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["name"] != "alpha" {
		t.Fatalf("unexpected doc: %#v", got)
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Read("missing.yaml"); err == nil {
		t.Fatal("expected error for missing document")
	}
}

func TestWriteIsAtomicNoTempLeftover(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write("doc.json", map[string]any{"a": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Fatalf("unexpected leftover file: %s", e.Name())
		}
	}
}

func TestConcurrentWritesSerialize(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Write("race.yaml", map[string]any{"i": float64(i)})
		}(i)
	}
	wg.Wait()
	doc, err := s.Read("race.yaml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, ok := doc.(map[string]any)["i"]; !ok {
		t.Fatalf("expected final write to be readable, got %#v", doc)
	}
}

func TestCacheServesWithoutRereadingUnchangedFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write("cached.yaml", map[string]any{"v": float64(1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	first, err := s.Read("cached.yaml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	abs := s.abs("cached.yaml")
	s.mu.Lock()
	entry := s.cache[abs]
	s.mu.Unlock()
	if entry == nil {
		t.Fatal("expected cache entry after read")
	}
	second, err := s.Read("cached.yaml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if first.(map[string]any)["v"] != second.(map[string]any)["v"] {
		t.Fatalf("cached read mismatch")
	}
}

func TestAppend(t *testing.T) {
	s := newTestStore(t)
	if err := s.Append("list.yaml", "/items", "first"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("list.yaml", "/items", "second"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	values, err := s.Query("list.yaml", "/items")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(values) != 2 || values[0] != "first" || values[1] != "second" {
		t.Fatalf("unexpected list contents: %#v", values)
	}
}

func TestUpdateReadModifyWrite(t *testing.T) {
	s := newTestStore(t)
	err := s.Update("counter.yaml", "/n", func(current any) (any, error) {
		n, _ := current.(float64)
		return n + 1, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	err = s.Update("counter.yaml", "/n", func(current any) (any, error) {
		n, _ := current.(float64)
		return n + 1, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	values, err := s.Query("counter.yaml", "/n")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(values) != 1 || values[0].(float64) != 2 {
		t.Fatalf("expected n=2, got %#v", values)
	}
}

func TestWriteBehindCoalescesAndFlushes(t *testing.T) {
	s := newTestStore(t)
	s.WriteBehind("debounced.yaml", map[string]any{"v": float64(1)})
	s.WriteBehind("debounced.yaml", map[string]any{"v": float64(2)})

	if _, err := s.Read("debounced.yaml"); err == nil {
		t.Fatal("expected write-behind not to be flushed yet")
	}

	time.Sleep(150 * time.Millisecond)
	doc, err := s.Read("debounced.yaml")
	if err != nil {
		t.Fatalf("Read after flush: %v", err)
	}
	if doc.(map[string]any)["v"].(float64) != 2 {
		t.Fatalf("expected coalesced value 2, got %#v", doc)
	}
}

func TestFlushForcesSynchronousWrite(t *testing.T) {
	s := newTestStore(t)
	s.WriteBehind("onshutdown.yaml", map[string]any{"v": "x"})
	s.Flush()
	if _, err := s.Read("onshutdown.yaml"); err != nil {
		t.Fatalf("expected flush to persist immediately: %v", err)
	}
}
