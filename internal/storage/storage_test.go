package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

type testRecord struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestStorage_PutAndGet(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	record := testRecord{ID: "abc", Value: 42}
	if err := s.Put(ctx, []string{"message", "s1", "m1"}, record); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var got testRecord
	if err := s.Get(ctx, []string{"message", "s1", "m1"}, &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != record {
		t.Errorf("Data mismatch: got %+v, want %+v", got, record)
	}
}

func TestStorage_GetNotFound(t *testing.T) {
	s := New(t.TempDir())

	var got testRecord
	if err := s.Get(context.Background(), []string{"nope"}, &got); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got: %v", err)
	}
}

func TestStorage_Delete(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	if err := s.Put(ctx, []string{"k"}, testRecord{ID: "x"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete(ctx, []string{"k"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if s.Exists(ctx, []string{"k"}) {
		t.Error("Key still exists after delete")
	}
}

func TestStorage_List(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"m3", "m1", "m2"} {
		if err := s.Put(ctx, []string{"message", "s1", key}, testRecord{ID: key}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	keys, err := s.List(ctx, []string{"message", "s1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	sort.Strings(keys)
	want := []string{"m1", "m2", "m3"}
	if len(keys) != 3 || keys[0] != want[0] || keys[1] != want[1] || keys[2] != want[2] {
		t.Errorf("List mismatch: got %v, want %v", keys, want)
	}
}

func TestStorage_ScanOrdered(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	// Keys written out of order must come back sorted, since transcript
	// replay depends on lexical order matching creation order.
	for _, key := range []string{"02B", "01A", "03C"} {
		if err := s.Put(ctx, []string{"message", "s1", key}, testRecord{ID: key}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	var order []string
	err := s.Scan(ctx, []string{"message", "s1"}, func(key string, data json.RawMessage) error {
		var rec testRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		order = append(order, rec.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(order) != 3 || order[0] != "01A" || order[1] != "02B" || order[2] != "03C" {
		t.Errorf("Scan order mismatch: got %v", order)
	}
}

func TestStorage_ScanMissingDirIsEmpty(t *testing.T) {
	s := New(t.TempDir())

	err := s.Scan(context.Background(), []string{"never", "written"}, func(key string, data json.RawMessage) error {
		t.Errorf("Unexpected entry %s", key)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan of missing dir should be empty, got: %v", err)
	}
}

func TestStorage_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()

	if err := s.Put(ctx, []string{"k"}, testRecord{ID: "v1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, []string{"k"}, testRecord{ID: "v2"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var got testRecord
	if err := s.Get(ctx, []string{"k"}, &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "v2" {
		t.Errorf("Expected v2, got %s", got.ID)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("Leftover temp file %s", e.Name())
		}
	}
}

func TestStorage_ConcurrentWriters(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := s.Put(ctx, []string{"shared"}, testRecord{Value: n}); err != nil {
				t.Errorf("Put failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var got testRecord
	if err := s.Get(ctx, []string{"shared"}, &got); err != nil {
		t.Fatalf("Get after concurrent writes failed: %v", err)
	}
}
