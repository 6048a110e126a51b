package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/juddata/courtarchive/internal/errors"
	"github.com/juddata/courtarchive/internal/index"
	"github.com/juddata/courtarchive/internal/observability"
	"github.com/juddata/courtarchive/internal/storage"
	"github.com/juddata/courtarchive/pkg/types"
)

// ManagerConfig holds the archive manager settings.
type ManagerConfig struct {
	// Prefix is prepended to every object path. May be empty.
	Prefix string

	// StagingDir enables the crash-recovery journal when non-empty.
	StagingDir string

	// FlushThreshold auto-flushes a partition once its staged payload
	// bytes reach this value. Zero or negative disables auto-flush;
	// flushing then happens only on Flush, FlushAll and Close.
	FlushThreshold int64
}

// PartitionChange records what one run added to a partition: the
// flushed filenames in flush order, plus count and size totals.
type PartitionChange struct {
	Key       types.PartitionKey
	Filenames []string
	NewFiles  int
	NewBytes  int64
	NewParts  int
}

// Manager is the archive engine. It answers exists() from the merged
// view of remote index, staging buffer and already-flushed parts, and
// turns staged blobs into immutable tar parts on flush.
//
// Every partition is guarded by its own lock; operations on different
// partitions proceed in parallel, operations on one partition are
// serialized.
type Manager struct {
	storage storage.ObjectStorage
	indexes *index.Store
	packer  *Packer
	ulid    *types.ULIDGenerator
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     ManagerConfig

	mu         sync.Mutex
	partitions map[string]*partitionState
	closed     bool
}

type partitionState struct {
	mu  sync.Mutex
	key types.PartitionKey

	// index is the partition's document, lazily loaded on first use
	// and kept current as parts are flushed.
	index *types.PartitionIndex

	// known holds every filename present in flushed parts: the remote
	// index contents plus everything flushed during this run.
	known map[string]struct{}

	staged      []stagedFile
	stagedNames map[string]struct{}
	stagedBytes int64
	journal     *stagingJournal

	change PartitionChange
}

// NewManager creates an archive manager and, when a staging directory
// is configured, replays any journals a crashed run left behind so
// their blobs flush instead of being re-fetched.
func NewManager(ctx context.Context, st storage.ObjectStorage, idx *index.Store,
	cfg ManagerConfig, metrics *observability.Metrics, logger *zap.Logger) (*Manager, error) {

	m := &Manager{
		storage:    st,
		indexes:    idx,
		packer:     NewPacker(),
		ulid:       types.NewULIDGenerator(),
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
		partitions: make(map[string]*partitionState),
	}

	if cfg.StagingDir != "" {
		if err := m.recover(ctx); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Exists reports whether the partition already holds filename, either
// in a flushed part or in this run's staging buffer. Callers check it
// before fetching from the origin; it is the dedup gate for the whole
// system.
func (m *Manager) Exists(ctx context.Context, key types.PartitionKey, filename string) (bool, error) {
	ps, err := m.partition(key)
	if err != nil {
		return false, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := m.ensureLoaded(ctx, ps); err != nil {
		return false, err
	}

	if _, ok := ps.known[filename]; ok {
		return true, nil
	}
	_, ok := ps.stagedNames[filename]
	return ok, nil
}

// Put stages a blob for the partition. Calling Put for a filename the
// partition already holds is a caller bug and returns a DUPLICATE_PUT
// error; callers are expected to gate on Exists first.
func (m *Manager) Put(ctx context.Context, key types.PartitionKey, filename string, data []byte) error {
	if filename == "" {
		return cerrors.NewArchiveError(cerrors.CodeDuplicatePut, "put with empty filename", nil)
	}

	ps, err := m.partition(key)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := m.ensureLoaded(ctx, ps); err != nil {
		return err
	}

	if _, ok := ps.known[filename]; ok {
		return cerrors.NewArchiveError(cerrors.CodeDuplicatePut,
			fmt.Sprintf("%s already archived in %s", filename, key.String()), nil)
	}
	if _, ok := ps.stagedNames[filename]; ok {
		return cerrors.NewArchiveError(cerrors.CodeDuplicatePut,
			fmt.Sprintf("%s already staged in %s", filename, key.String()), nil)
	}

	if m.cfg.StagingDir != "" {
		if ps.journal == nil {
			j, err := openJournal(m.cfg.StagingDir, ps.key)
			if err != nil {
				return cerrors.NewArchiveError(cerrors.CodeStagingCorrupt, "open journal", err)
			}
			ps.journal = j
		}
		if err := ps.journal.append(filename, data); err != nil {
			return cerrors.NewArchiveError(cerrors.CodeStagingCorrupt, "journal append", err)
		}
	}

	ps.staged = append(ps.staged, stagedFile{Name: filename, Data: data})
	ps.stagedNames[filename] = struct{}{}
	ps.stagedBytes += int64(len(data))

	if m.cfg.FlushThreshold > 0 && ps.stagedBytes >= m.cfg.FlushThreshold {
		// The blob is safely staged either way: a failed threshold
		// flush retries on the next put or at close, so it must not
		// fail the put and trick callers into re-staging.
		if err := m.flushLocked(ctx, ps); err != nil {
			m.logger.Warn("threshold flush failed, staging kept",
				zap.String("partition", ps.key.String()),
				zap.Int64("staged_bytes", ps.stagedBytes),
				zap.Error(err))
		}
	}
	return nil
}

// Flush packs the partition's staged blobs into a new tar part and
// publishes it. The part is uploaded before the index document that
// references it: a failed part upload leaves staging intact for a
// retry, a failed index upload orphans the part (accepted leak) and
// also leaves staging intact.
func (m *Manager) Flush(ctx context.Context, key types.PartitionKey) error {
	ps, err := m.partition(key)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.staged) == 0 {
		return nil
	}
	if err := m.ensureLoaded(ctx, ps); err != nil {
		return err
	}
	return m.flushLocked(ctx, ps)
}

// FlushAll flushes every dirty partition. One partition's failure does
// not stop the others; all failures are joined into the returned error.
func (m *Manager) FlushAll(ctx context.Context) error {
	var errs []error
	for _, ps := range m.snapshot() {
		ps.mu.Lock()
		if len(ps.staged) > 0 {
			if err := m.ensureLoaded(ctx, ps); err != nil {
				errs = append(errs, err)
			} else if err := m.flushLocked(ctx, ps); err != nil {
				errs = append(errs, err)
			}
		}
		ps.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Close flushes all partitions and releases the staging journals.
// It must run on every exit path, including cancellation: staged
// blobs represent fetches already paid for. Journals of partitions
// whose flush failed are kept on disk so the next run recovers them.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.FlushAll(ctx)

	for _, ps := range m.snapshot() {
		ps.mu.Lock()
		if ps.journal != nil && len(ps.staged) == 0 {
			if derr := ps.journal.discard(); derr != nil {
				m.logger.Warn("discard journal", zap.Error(derr))
			}
			ps.journal = nil
		} else if ps.journal != nil {
			if cerr := ps.journal.close(); cerr != nil {
				m.logger.Warn("close journal", zap.Error(cerr))
			}
		}
		ps.mu.Unlock()
	}

	return err
}

// Changes reports what this run added, per partition, sorted by key.
// Partitions that were only read are omitted.
func (m *Manager) Changes() []PartitionChange {
	var changes []PartitionChange
	for _, ps := range m.snapshot() {
		ps.mu.Lock()
		if ps.change.NewFiles > 0 {
			ch := ps.change
			ch.Filenames = append([]string(nil), ch.Filenames...)
			changes = append(changes, ch)
		}
		ps.mu.Unlock()
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Key.String() < changes[j].Key.String()
	})
	return changes
}

// RebuildIndex reconstructs a partition's index document by scanning
// its tar parts in object storage. This is the slow recovery path for
// a missing or untrusted index; part timestamps are unrecoverable, so
// they are set to the scan time.
func (m *Manager) RebuildIndex(ctx context.Context, key types.PartitionKey) (*types.PartitionIndex, error) {
	if err := key.Validate(); err != nil {
		return nil, cerrors.NewArchiveError(cerrors.CodeInvalidPartitionKey, "rebuild index", err)
	}

	dir := key.Dir(m.cfg.Prefix)
	objects, err := m.storage.ListObjects(ctx, dir)
	if err != nil {
		return nil, cerrors.NewStorageError(cerrors.CodeDownloadFailed,
			fmt.Sprintf("list %s", dir), err)
	}

	now := time.Now().In(types.IST)
	rebuilt := types.NewPartitionIndex(key)
	for _, obj := range objects {
		if !isTarObject(obj) {
			continue
		}
		data, err := m.storage.Download(ctx, obj)
		if err != nil {
			return nil, cerrors.NewStorageError(cerrors.CodeDownloadFailed,
				fmt.Sprintf("download part %s", obj), err)
		}
		names, err := ScanTar(data)
		if err != nil {
			return nil, cerrors.NewArchiveError(cerrors.CodeStagingCorrupt,
				fmt.Sprintf("scan part %s", obj), err)
		}
		rebuilt.AppendPart(types.Part{
			Name:      baseName(obj),
			Files:     names,
			FileCount: len(names),
			Size:      int64(len(data)),
			SizeHuman: types.HumanSize(int64(len(data))),
			CreatedAt: now,
		})
	}

	return rebuilt, nil
}

// partition returns the state cell for a key, creating it on first use.
func (m *Manager) partition(key types.PartitionKey) (*partitionState, error) {
	if err := key.Validate(); err != nil {
		return nil, cerrors.NewArchiveError(cerrors.CodeInvalidPartitionKey, key.String(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, cerrors.NewArchiveError(cerrors.CodeFlushFailed, "archive manager is closed", nil)
	}

	id := key.String()
	ps, ok := m.partitions[id]
	if !ok {
		ps = &partitionState{
			key:         key,
			stagedNames: make(map[string]struct{}),
			change:      PartitionChange{Key: key},
		}
		m.partitions[id] = ps
	}
	return ps, nil
}

// ensureLoaded lazily pulls the partition's index document. Absent
// documents yield an empty partition. Must hold ps.mu.
func (m *Manager) ensureLoaded(ctx context.Context, ps *partitionState) error {
	if ps.index != nil {
		return nil
	}
	idx, err := m.indexes.Load(ctx, ps.key)
	if err != nil {
		return err
	}
	ps.index = idx
	ps.known = make(map[string]struct{}, idx.FileCount)
	for _, name := range idx.Filenames() {
		ps.known[name] = struct{}{}
	}
	return nil
}

// flushLocked performs the part-before-index publish. Must hold ps.mu.
func (m *Manager) flushLocked(ctx context.Context, ps *partitionState) error {
	if len(ps.staged) == 0 {
		return nil
	}

	partName := ps.key.FirstPartName()
	if len(ps.index.Parts) > 0 {
		id, err := m.ulid.Generate()
		if err != nil {
			return cerrors.NewArchiveError(cerrors.CodePackFailed, "generate part id", err)
		}
		partName = "part-" + id.String() + ".tar"
	}

	createdAt := time.Now().In(types.IST)
	part, data, err := m.packer.Pack(partName, ps.staged, createdAt)
	if err != nil {
		return err
	}

	partPath := ps.key.PartObject(m.cfg.Prefix, partName)
	if _, err := m.storage.UploadMultipart(ctx, partPath, data); err != nil {
		m.metrics.FlushFailures.WithLabelValues(string(ps.key.Type)).Inc()
		return cerrors.NewArchiveError(cerrors.CodeFlushFailed,
			fmt.Sprintf("upload part %s", partPath), err)
	}

	// Publish the index only after the part is durable. On failure the
	// uploaded part leaks, which is recoverable waste; an index entry
	// for a missing part would not be.
	next := cloneForAppend(ps.index)
	next.AppendPart(part)
	if err := m.indexes.Store(ctx, ps.key, next); err != nil {
		m.metrics.FlushFailures.WithLabelValues(string(ps.key.Type)).Inc()
		return cerrors.NewArchiveError(cerrors.CodeFlushFailed,
			fmt.Sprintf("publish index for %s after part %s", ps.key.String(), partName), err)
	}
	ps.index = next

	payloadBytes := ps.stagedBytes
	for name := range ps.stagedNames {
		ps.known[name] = struct{}{}
	}

	for _, f := range ps.staged {
		ps.change.Filenames = append(ps.change.Filenames, f.Name)
	}
	ps.change.NewFiles += len(ps.staged)
	ps.change.NewBytes += payloadBytes
	ps.change.NewParts++

	m.metrics.FilesArchived.WithLabelValues(string(ps.key.Type)).Add(float64(len(ps.staged)))
	m.metrics.BytesArchived.WithLabelValues(string(ps.key.Type)).Add(float64(payloadBytes))
	m.metrics.PartsWritten.WithLabelValues(string(ps.key.Type)).Inc()

	m.logger.Info("flushed partition",
		zap.String("partition", ps.key.String()),
		zap.String("part", partName),
		zap.Int("files", len(ps.staged)),
		zap.Int64("payload_bytes", payloadBytes),
		zap.Int64("part_bytes", part.Size))

	ps.staged = nil
	ps.stagedNames = make(map[string]struct{})
	ps.stagedBytes = 0

	if ps.journal != nil {
		if err := ps.journal.discard(); err != nil {
			m.logger.Warn("discard journal after flush", zap.Error(err))
		}
		ps.journal = nil
	}

	return nil
}

// recover replays staging journals left by a crashed run.
func (m *Manager) recover(ctx context.Context) error {
	paths, err := listJournals(m.cfg.StagingDir)
	if err != nil {
		return cerrors.NewArchiveError(cerrors.CodeStagingCorrupt, "scan staging dir", err)
	}

	for _, path := range paths {
		key, err := keyFromJournalPath(path)
		if err != nil {
			m.logger.Warn("skipping unrecognized journal", zap.String("path", path), zap.Error(err))
			continue
		}

		files, err := readJournal(path)
		if err != nil {
			m.logger.Warn("skipping unreadable journal", zap.String("path", path), zap.Error(err))
			continue
		}

		ps, err := m.partition(key)
		if err != nil {
			return err
		}

		ps.mu.Lock()
		if err := m.ensureLoaded(ctx, ps); err != nil {
			ps.mu.Unlock()
			return err
		}

		recovered := 0
		for _, f := range files {
			// A crash between index publish and journal discard can
			// leave already-flushed blobs in the journal.
			if _, ok := ps.known[f.Name]; ok {
				continue
			}
			if _, ok := ps.stagedNames[f.Name]; ok {
				continue
			}
			ps.staged = append(ps.staged, f)
			ps.stagedNames[f.Name] = struct{}{}
			ps.stagedBytes += int64(len(f.Data))
			recovered++
		}

		if recovered > 0 {
			j, err := openJournal(m.cfg.StagingDir, key)
			if err != nil {
				ps.mu.Unlock()
				return cerrors.NewArchiveError(cerrors.CodeStagingCorrupt, "reopen journal", err)
			}
			ps.journal = j
			m.logger.Info("recovered staged blobs from journal",
				zap.String("partition", key.String()),
				zap.Int("blobs", recovered))
		} else if err := os.Remove(path); err != nil {
			m.logger.Warn("remove stale journal", zap.String("path", path), zap.Error(err))
		}
		ps.mu.Unlock()
	}

	return nil
}

func (m *Manager) snapshot() []*partitionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]*partitionState, 0, len(m.partitions))
	for _, ps := range m.partitions {
		states = append(states, ps)
	}
	return states
}

func cloneForAppend(idx *types.PartitionIndex) *types.PartitionIndex {
	cp := *idx
	cp.Parts = make([]types.Part, len(idx.Parts), len(idx.Parts)+1)
	copy(cp.Parts, idx.Parts)
	return &cp
}

func isTarObject(objectPath string) bool {
	const suffix = ".tar"
	return len(objectPath) > len(suffix) && objectPath[len(objectPath)-len(suffix):] == suffix
}
