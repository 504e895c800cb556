package docstore

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestMemory_SetGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "users/alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}
	if err := m.Set(ctx, "users/alice", Doc{"pseudo": "alice", "stats": Doc{"a": 1, "b": 2}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set(ctx, "users/alice", Doc{"stats": Doc{"b": 3, "c": 4}}, Merge()); err != nil {
		t.Fatalf("Set merge: %v", err)
	}
	got, err := m.Get(ctx, "users/alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := Doc{"pseudo": "alice", "stats": map[string]any{"a": 1.0, "b": 3.0, "c": 4.0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("merged doc = %#v, want %#v", got, want)
	}

	if err := m.Set(ctx, "users/alice", Doc{"pseudo": "alice"}); err != nil {
		t.Fatalf("Set replace: %v", err)
	}
	got, _ = m.Get(ctx, "users/alice")
	if _, ok := got["stats"]; ok {
		t.Error("Set without merge should replace the document")
	}
}

func TestMemory_UpdateTransforms(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Set(ctx, "users/bob", Doc{"count": 1, "tags": []string{"a"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tests := []struct {
		name  string
		patch Doc
		field string
		want  any
	}{
		{"increment existing", Doc{"count": Increment(2)}, "count", 3.0},
		{"increment missing", Doc{"misses": Increment(1)}, "misses", 1.0},
		{"union skips duplicates", Doc{"tags": ArrayUnion("a", "b")}, "tags", []any{"a", "b"}},
		{"remove", Doc{"tags": ArrayRemove("a")}, "tags", []any{"b"}},
		{"dotted path", Doc{"nested.deep.value": "x"}, "nested", map[string]any{"deep": map[string]any{"value": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Update(ctx, "users/bob", tt.patch); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, _ := m.Get(ctx, "users/bob")
			if !reflect.DeepEqual(got[tt.field], tt.want) {
				t.Errorf("%s = %#v, want %#v", tt.field, got[tt.field], tt.want)
			}
		})
	}

	if err := m.Update(ctx, "users/bob", Doc{"count": Delete()}); err != nil {
		t.Fatalf("Update delete: %v", err)
	}
	got, _ := m.Get(ctx, "users/bob")
	if _, ok := got["count"]; ok {
		t.Error("Delete() should remove the field")
	}
}

func TestMemory_UpdateMissing(t *testing.T) {
	m := NewMemory()
	err := m.Update(context.Background(), "users/ghost", Doc{"x": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update missing err = %v, want ErrNotFound", err)
	}
	if m.Len() != 0 {
		t.Errorf("failed update must not create documents, have %d", m.Len())
	}
}

func TestMemory_InvalidPath(t *testing.T) {
	m := NewMemory()
	for _, p := range []string{"", "/users", "users//x", "users/"} {
		if err := m.Set(context.Background(), p, Doc{"a": 1}); err == nil {
			t.Errorf("Set(%q) should fail", p)
		}
	}
}

func TestMemory_TransactionRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Set(ctx, "counters/c", Doc{"n": 0}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// First commit attempt sees a concurrent writer.
	injected := false
	m.beforeCommit = func() {
		if injected {
			return
		}
		injected = true
		m.mu.Lock()
		d := m.docs["counters/c"]
		d.version++
		d.data = []byte(`{"n":10}`)
		m.docs["counters/c"] = d
		m.mu.Unlock()
	}

	runs := 0
	err := m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		runs++
		doc, err := tx.Get(ctx, "counters/c")
		if err != nil {
			return err
		}
		tx.Set("counters/c", Doc{"n": doc["n"].(float64) + 1})
		return nil
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
	if runs != 2 {
		t.Errorf("transaction ran %d times, want 2", runs)
	}
	got, _ := m.Get(ctx, "counters/c")
	if got["n"] != 11.0 {
		t.Errorf("n = %v, want 11", got["n"])
	}
}

func TestMemory_ConcurrentReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Set(ctx, "counters/c", Doc{"n": 0}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
				doc, err := tx.Get(ctx, "counters/c")
				if err != nil {
					return err
				}
				tx.Update("counters/c", Doc{"n": doc["n"].(float64) + 1})
				return nil
			})
			if err != nil {
				t.Errorf("RunTransaction: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := m.Get(ctx, "counters/c")
	if got["n"] != float64(workers) {
		t.Errorf("n = %v, want %d", got["n"], workers)
	}
}

func TestMemory_ReadAfterWrite(t *testing.T) {
	m := NewMemory()
	err := m.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Set("a/b", Doc{"x": 1})
		_, err := tx.Get(ctx, "a/b")
		return err
	})
	if !errors.Is(err, ErrReadAfterWrite) {
		t.Fatalf("err = %v, want ErrReadAfterWrite", err)
	}
	if m.Len() != 0 {
		t.Error("aborted transaction must not commit writes")
	}
}

func TestMemory_BusinessErrorNotRetried(t *testing.T) {
	m := NewMemory()
	boom := errors.New("boom")
	runs := 0
	err := m.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		runs++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}

func TestEncodeDecode(t *testing.T) {
	type rec struct {
		Login string `json:"pseudo"`
		Count int    `json:"count"`
	}
	doc, err := Encode(rec{Login: "carol", Count: 2})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out rec
	if err := Decode(doc, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Login != "carol" || out.Count != 2 {
		t.Errorf("round trip = %+v", out)
	}
	if _, err := Encode([]int{1}); err == nil {
		t.Error("Encode of a non-object should fail")
	}
}
