package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// DefaultMaxAttempts bounds how often RunTransaction retries a conflicting
// transaction.
const DefaultMaxAttempts = 25

// RetryConflicts runs attempt until it succeeds, fails with an error other
// than ErrConflict, or maxAttempts is exhausted. Attempts are separated by a
// short jittered backoff.
func RetryConflicts(ctx context.Context, maxAttempts int, attempt func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	for n := 1; ; n++ {
		err := attempt()
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		if n >= maxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", n, err)
		}
		//nolint:gosec // G404: math/rand is sufficient for retry jitter
		wait := time.Duration(n)*time.Millisecond + time.Duration(rand.Int63n(int64(2*time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

type memDoc struct {
	data    []byte
	version int64
}

// Memory is an in-process Store. The zero value is not usable; call NewMemory.
type Memory struct {
	mu          sync.Mutex
	docs        map[string]memDoc
	maxAttempts int

	// beforeCommit runs before each commit attempt (tests use it to inject
	// concurrent writers).
	beforeCommit func()
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]memDoc), maxAttempts: DefaultMaxAttempts}
}

// Get returns a copy of the document at path.
func (m *Memory) Get(ctx context.Context, path string) (Doc, error) {
	doc, _, err := m.read(path)
	return doc, err
}

// Set writes data at path, replacing or merging.
func (m *Memory) Set(ctx context.Context, path string, data Doc, opts ...SetOption) error {
	return m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		tx.Set(path, data, opts...)
		return nil
	})
}

// Update applies patch to an existing document.
func (m *Memory) Update(ctx context.Context, path string, patch Doc) error {
	return m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		tx.Update(path, patch)
		return nil
	})
}

// RunTransaction runs fn with optimistic concurrency control.
func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return RetryConflicts(ctx, m.maxAttempts, func() error {
		tx := &memTx{store: m, reads: make(map[string]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Err(); err != nil {
			return err
		}
		return m.commit(tx)
	})
}

// Len reports the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *Memory) read(path string) (Doc, int64, error) {
	if err := ValidatePath(path); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	d, ok := m.docs[path]
	m.mu.Unlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	var doc Doc
	if err := json.Unmarshal(d.data, &doc); err != nil {
		return nil, 0, fmt.Errorf("docstore: corrupt document %s: %w", path, err)
	}
	return doc, d.version, nil
}

func (m *Memory) commit(tx *memTx) error {
	if m.beforeCommit != nil {
		m.beforeCommit()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, seen := range tx.reads {
		if m.docs[path].version != seen {
			return ErrConflict
		}
	}

	staged := make(map[string]Doc)
	for _, w := range tx.Writes() {
		cur, exists := staged[w.Path]
		if !exists {
			if d, ok := m.docs[w.Path]; ok {
				if err := json.Unmarshal(d.data, &cur); err != nil {
					return fmt.Errorf("docstore: corrupt document %s: %w", w.Path, err)
				}
				exists = true
			}
		}
		next, err := w.Apply(cur, exists)
		if err != nil {
			return err
		}
		staged[w.Path] = next
	}
	for path, doc := range staged {
		b, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("docstore: encode %s: %w", path, err)
		}
		m.docs[path] = memDoc{data: b, version: m.docs[path].version + 1}
	}
	return nil
}

type memTx struct {
	Buffer
	store *Memory
	reads map[string]int64
}

func (tx *memTx) Get(ctx context.Context, path string) (Doc, error) {
	if tx.HasWrites() {
		return nil, ErrReadAfterWrite
	}
	doc, version, err := tx.store.read(path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	tx.reads[path] = version
	return doc, err
}
