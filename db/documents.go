package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/streamquest/docstore"
)

// Postgres SQLSTATEs that mean "lost a race, try again".
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
)

// DocumentStore implements docstore.Store on the documents table. Every
// document row carries a version; commits compare-and-set on it so concurrent
// transactions behave like optimistic document transactions.
type DocumentStore struct {
	db          *sql.DB
	maxAttempts int
}

var _ docstore.Store = (*DocumentStore)(nil)

// NewDocumentStore returns a store over db. The documents table must exist
// (RunMigrations or Migrate).
func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db, maxAttempts: docstore.DefaultMaxAttempts}
}

// Get loads the document at path.
func (s *DocumentStore) Get(ctx context.Context, path string) (docstore.Doc, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return nil, err
	}
	doc, _, err := getDocument(ctx, s.db, path, false)
	return doc, err
}

// Set writes data at path, replacing or merging.
func (s *DocumentStore) Set(ctx context.Context, path string, data docstore.Doc, opts ...docstore.SetOption) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Set(path, data, opts...)
		return nil
	})
}

// Update patches an existing document.
func (s *DocumentStore) Update(ctx context.Context, path string, patch docstore.Doc) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Update(path, patch)
		return nil
	})
}

// RunTransaction runs fn inside a SQL transaction and retries on conflicts.
func (s *DocumentStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return docstore.RetryConflicts(ctx, s.maxAttempts, func() error {
		return s.runOnce(ctx, fn)
	})
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q querier, path string, forUpdate bool) (docstore.Doc, int64, error) {
	query := `SELECT data, version FROM documents WHERE path=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var raw []byte
	var version int64
	if err := q.QueryRowContext(ctx, query, path).Scan(&raw, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, docstore.ErrNotFound
		}
		return nil, 0, classify(fmt.Errorf("select document %s: %w", path, err))
	}
	var doc docstore.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, fmt.Errorf("decode document %s: %w", path, err)
	}
	return doc, version, nil
}

type readState struct {
	doc     docstore.Doc
	version int64
	exists  bool
}

type pgTx struct {
	docstore.Buffer
	tx    *sql.Tx
	reads map[string]readState
}

func (t *pgTx) Get(ctx context.Context, path string) (docstore.Doc, error) {
	if t.HasWrites() {
		return nil, docstore.ErrReadAfterWrite
	}
	if err := docstore.ValidatePath(path); err != nil {
		return nil, err
	}
	doc, version, err := getDocument(ctx, t.tx, path, false)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}
	t.reads[path] = readState{doc: doc, version: version, exists: err == nil}
	return doc, err
}

func (s *DocumentStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("document transaction rollback failed", slog.Any("err", rbErr), slog.String("component", "docstore"))
		}
	}()

	tx := &pgTx{tx: sqlTx, reads: make(map[string]readState)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Err(); err != nil {
		return err
	}

	// Stage writes per path in submission order.
	staged := make(map[string]readState)
	for _, w := range tx.Writes() {
		cur, ok := staged[w.Path]
		if !ok {
			if r, read := tx.reads[w.Path]; read {
				cur = r
			} else {
				doc, version, err := getDocument(ctx, sqlTx, w.Path, true)
				if err != nil && !errors.Is(err, docstore.ErrNotFound) {
					return err
				}
				cur = readState{doc: doc, version: version, exists: err == nil}
			}
		}
		next, err := w.Apply(cur.doc, cur.exists)
		if err != nil {
			return err
		}
		staged[w.Path] = readState{doc: next, version: cur.version, exists: cur.exists}
	}

	paths := make([]string, 0, len(staged))
	for p := range staged {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := writeDocument(ctx, sqlTx, p, staged[p]); err != nil {
			return err
		}
	}

	// Documents that were only read must still be at the version we saw.
	for p, r := range tx.reads {
		if _, written := staged[p]; written {
			continue
		}
		var version int64
		err := sqlTx.QueryRowContext(ctx, `SELECT version FROM documents WHERE path=$1`, p).Scan(&version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if r.exists {
				return docstore.ErrConflict
			}
		case err != nil:
			return classify(fmt.Errorf("check version %s: %w", p, err))
		case !r.exists || version != r.version:
			return docstore.ErrConflict
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

func writeDocument(ctx context.Context, tx *sql.Tx, path string, st readState) error {
	raw, err := json.Marshal(st.doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", path, err)
	}
	var res sql.Result
	if st.exists {
		res, err = tx.ExecContext(ctx,
			`UPDATE documents SET data=$2, version=version+1, updated_at=NOW() WHERE path=$1 AND version=$3`,
			path, string(raw), st.version)
	} else {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO documents (path, collection, data, version) VALUES ($1, $2, $3, 1) ON CONFLICT (path) DO NOTHING`,
			path, collectionOf(path), string(raw))
	}
	if err != nil {
		return classify(fmt.Errorf("write document %s: %w", path, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write document %s: %w", path, err)
	}
	if n == 0 {
		return docstore.ErrConflict
	}
	return nil
}

func collectionOf(path string) string {
	if i := strings.LastIndex(path, "/"); i > 0 {
		return path[:i]
	}
	return path
}

// classify maps Postgres serialization and deadlock failures to
// docstore.ErrConflict so they are retried.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateSerializationFailure, sqlstateDeadlockDetected:
			return fmt.Errorf("%w: %s", docstore.ErrConflict, pgErr.Message)
		}
	}
	return err
}
