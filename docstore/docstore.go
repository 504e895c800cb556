// Package docstore defines the document store the bot keeps its state in.
//
// Documents are JSON objects addressed by slash separated paths such as
// "followers_all_time/alice" or "settings/twitch_moderator". Writes support
// merge semantics and field transforms (Increment, ArrayUnion, ArrayRemove,
// Delete). RunTransaction provides optimistic read-modify-write: reads record
// the version they saw, commit fails with ErrConflict when any of them moved,
// and the whole function is retried.
//
// Two implementations exist: Memory (tests and local runs) and the Postgres
// backed db.DocumentStore.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrConflict is returned when a transaction lost an optimistic race and
	// could not be committed within the configured attempts.
	ErrConflict = errors.New("docstore: transaction conflict")
	// ErrReadAfterWrite is returned when a transaction reads after it has
	// buffered a write.
	ErrReadAfterWrite = errors.New("docstore: reads must happen before writes in a transaction")
)

// Doc is a decoded JSON document.
type Doc map[string]any

// Store is the document store contract used across the bot.
type Store interface {
	Get(ctx context.Context, path string) (Doc, error)
	Set(ctx context.Context, path string, data Doc, opts ...SetOption) error
	// Update modifies fields of an existing document. Keys may be dotted
	// paths ("a.b.c"). It fails with ErrNotFound when the document is missing.
	Update(ctx context.Context, path string, patch Doc) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of the store inside RunTransaction. Writes are buffered and
// applied atomically on commit.
type Tx interface {
	Get(ctx context.Context, path string) (Doc, error)
	Set(path string, data Doc, opts ...SetOption)
	Update(path string, patch Doc)
}

// SetOption tweaks Set.
type SetOption func(*setOptions)

type setOptions struct {
	merge bool
}

// Merge makes Set deep-merge into the existing document instead of replacing it.
func Merge() SetOption {
	return func(o *setOptions) { o.merge = true }
}

// ValidatePath checks that path is a non-empty slash separated document path.
func ValidatePath(path string) error {
	if path == "" {
		return errors.New("docstore: empty document path")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return fmt.Errorf("docstore: invalid document path %q", path)
		}
	}
	return nil
}

// Decode converts a document into dst (a pointer to a struct or map).
func Decode(doc Doc, dst any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: encode document: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("docstore: decode document: %w", err)
	}
	return nil
}

// Encode converts a struct (or map) into a Doc.
func Encode(v any) (Doc, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode value: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("docstore: value is not an object: %w", err)
	}
	return doc, nil
}

// WriteKind is the flavour of a buffered write.
type WriteKind int

const (
	WriteSet WriteKind = iota
	WriteMerge
	WriteUpdate
)

// Write is one buffered mutation of a transaction.
type Write struct {
	Path string
	Kind WriteKind
	Data Doc
}

// Apply computes the document that results from applying w to cur. exists
// reports whether cur is a stored document.
func (w Write) Apply(cur Doc, exists bool) (Doc, error) {
	switch w.Kind {
	case WriteSet:
		next := map[string]any{}
		if err := mergeInto(next, w.Data); err != nil {
			return nil, err
		}
		return Doc(next), nil
	case WriteMerge:
		next, err := clone(cur)
		if err != nil {
			return nil, err
		}
		if err := mergeInto(next, w.Data); err != nil {
			return nil, err
		}
		return Doc(next), nil
	case WriteUpdate:
		if !exists {
			return nil, fmt.Errorf("update %s: %w", w.Path, ErrNotFound)
		}
		next, err := clone(cur)
		if err != nil {
			return nil, err
		}
		for key, v := range w.Data {
			if err := setField(next, strings.Split(key, "."), v); err != nil {
				return nil, fmt.Errorf("update %s field %q: %w", w.Path, key, err)
			}
		}
		return Doc(next), nil
	default:
		return nil, fmt.Errorf("docstore: unknown write kind %d", w.Kind)
	}
}

// Buffer collects the writes of one transaction attempt. Store
// implementations embed it in their Tx types.
type Buffer struct {
	writes []Write
	err    error
}

// Set buffers a full (or merged) write.
func (b *Buffer) Set(path string, data Doc, opts ...SetOption) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	kind := WriteSet
	if o.merge {
		kind = WriteMerge
	}
	b.add(Write{Path: path, Kind: kind, Data: data})
}

// Update buffers a field update.
func (b *Buffer) Update(path string, patch Doc) {
	b.add(Write{Path: path, Kind: WriteUpdate, Data: patch})
}

func (b *Buffer) add(w Write) {
	if err := ValidatePath(w.Path); err != nil && b.err == nil {
		b.err = err
		return
	}
	b.writes = append(b.writes, w)
}

// Writes returns the buffered writes in submission order.
func (b *Buffer) Writes() []Write { return b.writes }

// Err reports the first invalid write, if any.
func (b *Buffer) Err() error { return b.err }

// HasWrites reports whether any write was buffered.
func (b *Buffer) HasWrites() bool { return len(b.writes) > 0 }
