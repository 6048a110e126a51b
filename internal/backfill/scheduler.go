// Package backfill implements the resumable historical scheduler. A
// run processes one fixed-size chunk of history; the cursor marking
// the end of the last committed chunk is persisted only after the
// chunk's work and its flush both succeed. Rerunning the binary walks
// the chunks from the epoch to the present, and a failed run retries
// the identical chunk, which is safe because the archive's exists()
// check makes re-processing idempotent.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/juddata/courtarchive/internal/errors"
	"github.com/juddata/courtarchive/internal/planner"
	"github.com/juddata/courtarchive/internal/storage"
	"github.com/juddata/courtarchive/pkg/types"
)

const (
	// DefaultCursorObject is the tracking document's object path.
	DefaultCursorObject = "dc_fill_track.json"

	// DefaultChunkYears is how much history one run covers.
	DefaultChunkYears = 5

	// DefaultEpochYear is where backfill starts when no cursor exists.
	DefaultEpochYear = 1950
)

// State is the scheduler's position in its run lifecycle.
type State string

const (
	StateIdle           State = "idle"
	StateComputingChunk State = "computing_chunk"
	StateRunningChunk   State = "running_chunk"
	StateCommitted      State = "committed"
	StateFailed         State = "failed"
)

// Config holds the scheduler settings.
type Config struct {
	// CursorPath is the tracking document's object path. Empty means
	// DefaultCursorObject.
	CursorPath string

	// ChunkYears is the chunk size. Zero or negative means
	// DefaultChunkYears.
	ChunkYears int

	// Epoch is where history starts. Zero means January 1 of
	// DefaultEpochYear.
	Epoch time.Time
}

// cursorDoc is the tracking document's wire shape.
type cursorDoc struct {
	LastChunkEnd string `json:"last_chunk_end"`
	LastUpdated  string `json:"last_updated"`
}

// Scheduler computes historical chunks and persists the cursor.
type Scheduler struct {
	storage storage.ObjectStorage
	logger  *zap.Logger
	cfg     Config

	mu    sync.Mutex
	state State
	chunk *planner.Window
}

// New creates a backfill scheduler.
func New(st storage.ObjectStorage, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.CursorPath == "" {
		cfg.CursorPath = DefaultCursorObject
	}
	if cfg.ChunkYears <= 0 {
		cfg.ChunkYears = DefaultChunkYears
	}
	if cfg.Epoch.IsZero() {
		cfg.Epoch = types.Date(DefaultEpochYear, time.January, 1)
	}
	return &Scheduler{
		storage: st,
		logger:  logger,
		cfg:     cfg,
		state:   StateIdle,
	}
}

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LoadCursor reads the persisted cursor. The bool is false when no
// chunk has ever been committed. A tracking document that fails to
// decode counts as absent: restarting from the epoch costs redundant
// probes which the exists() check turns into no-ops, never data.
func (s *Scheduler) LoadCursor(ctx context.Context) (time.Time, bool, error) {
	data, err := s.storage.Download(ctx, s.cfg.CursorPath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, cerrors.NewLedgerError(cerrors.CodeCursorLoadFailed,
			fmt.Sprintf("load %s", s.cfg.CursorPath), err)
	}

	var doc cursorDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("cursor document is unreadable, restarting from epoch",
			zap.String("path", s.cfg.CursorPath),
			zap.Error(err))
		return time.Time{}, false, nil
	}
	if doc.LastChunkEnd == "" {
		return time.Time{}, false, nil
	}

	cursor, err := types.ParseDate(doc.LastChunkEnd)
	if err != nil {
		s.logger.Warn("cursor date is unreadable, restarting from epoch",
			zap.String("last_chunk_end", doc.LastChunkEnd),
			zap.Error(err))
		return time.Time{}, false, nil
	}
	return cursor, true, nil
}

// NextChunk computes the next chunk of history: it starts the day
// after the cursor (or at the epoch when no cursor exists) and ends on
// December 31 of the chunk's last year, capped at today. A nil window
// means the backfill has reached the present. Only an idle scheduler
// may compute a chunk.
func (s *Scheduler) NextChunk(ctx context.Context, today time.Time) (*planner.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle && s.state != StateCommitted {
		return nil, fmt.Errorf("backfill: next chunk requested in state %q", s.state)
	}
	s.state = StateComputingChunk

	cursor, found, err := s.LoadCursor(ctx)
	if err != nil {
		s.state = StateIdle
		return nil, err
	}

	chunkStart := s.cfg.Epoch
	if found {
		chunkStart = cursor.AddDate(0, 0, 1)
	}

	if chunkStart.After(today) {
		s.logger.Info("historical backfill complete",
			zap.String("cursor", types.FormatDate(cursor)))
		s.state = StateIdle
		return nil, nil
	}

	chunkEnd := types.MinDate(
		types.Date(chunkStart.Year()+s.cfg.ChunkYears-1, time.December, 31),
		today)

	s.chunk = &planner.Window{Start: chunkStart, End: chunkEnd}
	s.state = StateRunningChunk

	s.logger.Info("processing chunk",
		zap.String("chunk", s.chunk.String()),
		zap.Int("days", s.chunk.Days()))
	return s.chunk, nil
}

// Commit persists the cursor at the running chunk's end. Call it only
// after every task in the chunk finished and the archive flushed;
// committing first would record history as covered that a crash could
// still lose. A committed scheduler may compute its next chunk.
func (s *Scheduler) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunningChunk {
		return fmt.Errorf("backfill: commit requested in state %q", s.state)
	}

	// The cursor only moves forward. Refusing a backwards move also
	// catches a second scheduler instance having advanced past us.
	cursor, found, err := s.LoadCursor(ctx)
	if err != nil {
		s.state = StateFailed
		return err
	}
	if found && !s.chunk.End.After(cursor) {
		s.state = StateFailed
		return cerrors.NewLedgerError(cerrors.CodeCursorStoreFailed,
			fmt.Sprintf("cursor %s would not advance past %s",
				types.FormatDate(s.chunk.End), types.FormatDate(cursor)), nil)
	}

	doc := cursorDoc{
		LastChunkEnd: types.FormatDate(s.chunk.End),
		LastUpdated:  time.Now().In(types.IST).Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.state = StateFailed
		return cerrors.NewLedgerError(cerrors.CodeCursorStoreFailed, "encode cursor", err)
	}
	if err := s.storage.Upload(ctx, s.cfg.CursorPath, data, storage.ContentTypeJSON); err != nil {
		s.state = StateFailed
		return cerrors.NewLedgerError(cerrors.CodeCursorStoreFailed,
			fmt.Sprintf("store %s", s.cfg.CursorPath), err)
	}

	s.logger.Info("chunk committed",
		zap.String("chunk", s.chunk.String()),
		zap.String("cursor", doc.LastChunkEnd))

	s.state = StateCommitted
	s.chunk = nil
	return nil
}

// Fail records that the running chunk did not complete. The cursor is
// untouched, so the next invocation retries the identical chunk.
func (s *Scheduler) Fail(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chunk != nil {
		s.logger.Error("chunk failed, cursor unchanged",
			zap.String("chunk", s.chunk.String()),
			zap.Error(reason))
	}
	s.state = StateFailed
}
