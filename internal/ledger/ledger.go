// Package ledger implements the completion ledger: a flat, durable,
// grow-only set of task keys that have been worked to exhaustion. It
// answers "was this exact date-range probe already done", which is
// distinct from the archive's "does this file exist" because a probe
// can legitimately complete with zero files produced.
//
// MarkCompleted is load-merge-store under a process-local mutex. Two
// separate processes marking at the same time can lose one mark; that
// race is accepted and must not be strengthened to a transactional
// store. A lost mark costs one redundant probe on the next run, and
// the archive's exists() check keeps the re-probe from writing
// duplicates.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	cerrors "github.com/juddata/courtarchive/internal/errors"
	"github.com/juddata/courtarchive/internal/storage"
)

// DefaultLedgerObject is the ledger document's object path.
const DefaultLedgerObject = "dc_completed_tasks.json"

// Ledger tracks completed task keys in a single JSON document.
type Ledger struct {
	storage storage.ObjectStorage
	path    string
	logger  *zap.Logger

	mu sync.Mutex
}

type ledgerDoc struct {
	Completed []string `json:"completed"`
}

// New creates a ledger backed by the document at objectPath.
func New(st storage.ObjectStorage, objectPath string, logger *zap.Logger) *Ledger {
	if objectPath == "" {
		objectPath = DefaultLedgerObject
	}
	return &Ledger{storage: st, path: objectPath, logger: logger}
}

// IsCompleted reports whether taskKey has been marked done. It reads
// the backing document fresh on every call so marks written by other
// processes since this one started are honored.
func (l *Ledger) IsCompleted(ctx context.Context, taskKey string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.load(ctx)
	if err != nil {
		return false, err
	}
	_, ok := set[taskKey]
	return ok, nil
}

// MarkCompleted records taskKey as done: reload the full set, add the
// key, write the full set back. Marking an already-done key is a no-op.
func (l *Ledger) MarkCompleted(ctx context.Context, taskKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := set[taskKey]; ok {
		return nil
	}
	set[taskKey] = struct{}{}
	return l.store(ctx, set)
}

// Completed returns the full set of completed task keys.
func (l *Ledger) Completed(ctx context.Context) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}

// load reads the backing document. An absent document is an empty
// ledger. A document that fails to decode is also treated as empty:
// the ledger is a probe-avoidance optimization, and starting over
// costs redundant probes, never data.
func (l *Ledger) load(ctx context.Context) (map[string]struct{}, error) {
	data, err := l.storage.Download(ctx, l.path)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return make(map[string]struct{}), nil
	}
	if err != nil {
		return nil, cerrors.NewLedgerError(cerrors.CodeLedgerLoadFailed,
			fmt.Sprintf("load %s", l.path), err)
	}

	var doc ledgerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		l.logger.Warn("ledger document is unreadable, starting empty",
			zap.String("path", l.path),
			zap.Error(err))
		return make(map[string]struct{}), nil
	}

	set := make(map[string]struct{}, len(doc.Completed))
	for _, key := range doc.Completed {
		set[key] = struct{}{}
	}
	return set, nil
}

func (l *Ledger) store(ctx context.Context, set map[string]struct{}) error {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	data, err := json.Marshal(ledgerDoc{Completed: keys})
	if err != nil {
		return cerrors.NewLedgerError(cerrors.CodeLedgerStoreFailed, "encode ledger", err)
	}
	if err := l.storage.Upload(ctx, l.path, data, storage.ContentTypeJSON); err != nil {
		return cerrors.NewLedgerError(cerrors.CodeLedgerStoreFailed,
			fmt.Sprintf("store %s", l.path), err)
	}
	return nil
}
