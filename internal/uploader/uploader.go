// Package uploader pushes tar archives an earlier crawler generation
// left on local disk into object storage, rebuilding the partition
// index documents from the tar members themselves. Nothing here talks
// to the court portal; upload runs are pure storage plumbing.
package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/juddata/courtarchive/internal/archive"
	"github.com/juddata/courtarchive/internal/index"
	"github.com/juddata/courtarchive/internal/observability"
	"github.com/juddata/courtarchive/internal/storage"
	"github.com/juddata/courtarchive/pkg/types"
)

// Config controls one upload run.
type Config struct {
	// Root is the local tree to scan, laid out the way the first
	// crawler generation wrote it:
	// {year}/{state}/{district}/{complex}/{name}.tar
	Root string

	// Prefix is the object path prefix shared with the archive
	// manager. May be empty.
	Prefix string

	// State, District and Complex restrict the scan when non-empty.
	State    string
	District string
	Complex  string

	// DryRun logs what would be uploaded and writes nothing, neither
	// remotely nor locally.
	DryRun bool
}

// Summary reports what one run did.
type Summary struct {
	// TarsFound counts every tar the scan encountered, before
	// filtering and dedup.
	TarsFound int

	// Uploaded and BytesUploaded cover tars actually pushed.
	Uploaded      int
	BytesUploaded int64

	// Planned counts tars a dry run would have pushed.
	Planned int

	// Skipped counts tars the remote side already has.
	Skipped int

	// Failed counts tars that could not be processed.
	Failed int

	// IndexesStored counts partition index documents rewritten.
	IndexesStored int
}

// partition is one (key, directory) cell of the scan with the tar
// names that belong to it.
type partition struct {
	key  types.PartitionKey
	dir  string // absolute local directory
	rel  string // {year}/{state}/{district}/{complex}
	tars []string
}

// Uploader replays a local archive tree into object storage.
type Uploader struct {
	storage storage.ObjectStorage
	indexes *index.Store
	metrics *observability.Metrics
	logger  *zap.Logger
	cfg     Config
}

// New creates an uploader. The index store must be built on the same
// prefix as cfg.Prefix or the parts and their indexes will land in
// different trees.
func New(st storage.ObjectStorage, indexes *index.Store, cfg Config,
	metrics *observability.Metrics, logger *zap.Logger) *Uploader {

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		storage: st,
		indexes: indexes,
		metrics: metrics,
		logger:  logger.Named("uploader"),
		cfg:     cfg,
	}
}

// Run scans the local tree and uploads every tar the remote side does
// not have yet, appending each to its partition's index document. One
// partition's failure never stops the others; the joined error is
// returned after the full scan so the caller can exit non-zero.
func (u *Uploader) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	parts, err := u.scan(summary)
	if err != nil {
		return summary, err
	}
	if len(parts) == 0 {
		u.logger.Warn("no tar archives found", zap.String("root", u.cfg.Root))
		return summary, nil
	}

	var errs []error
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := u.uploadPartition(ctx, p, summary); err != nil {
			errs = append(errs, err)
		}
	}

	u.logger.Info("upload run complete",
		zap.Int("tars_found", summary.TarsFound),
		zap.Int("uploaded", summary.Uploaded),
		zap.Int("planned", summary.Planned),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("indexes_stored", summary.IndexesStored),
		zap.String("bytes_uploaded", types.HumanSize(summary.BytesUploaded)))

	return summary, errors.Join(errs...)
}

// scan walks the local tree and groups tar files into partitions. Tars
// at unexpected depths and directories that fail the jurisdiction
// filters are dropped here.
func (u *Uploader) scan(summary *Summary) ([]partition, error) {
	if _, err := os.Stat(u.cfg.Root); err != nil {
		return nil, fmt.Errorf("uploader: scan %s: %w", u.cfg.Root, err)
	}

	// Tar names per {year}/{state}/{district}/{complex} directory.
	dirs := make(map[string][]string)

	err := filepath.WalkDir(u.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".tar") {
			return nil
		}
		summary.TarsFound++

		rel, err := filepath.Rel(u.cfg.Root, path)
		if err != nil {
			return err
		}
		segments := strings.Split(filepath.ToSlash(rel), "/")
		if len(segments) != 5 {
			u.logger.Warn("skipping tar at unexpected depth", zap.String("path", path))
			return nil
		}

		dirRel := filepath.Dir(rel)
		dirs[dirRel] = append(dirs[dirRel], d.Name())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("uploader: scan %s: %w", u.cfg.Root, err)
	}

	dirRels := make([]string, 0, len(dirs))
	for rel := range dirs {
		dirRels = append(dirRels, rel)
	}
	sort.Strings(dirRels)

	var parts []partition
	for _, rel := range dirRels {
		segments := strings.Split(filepath.ToSlash(rel), "/")
		yearStr, state, district, complexCode := segments[0], segments[1], segments[2], segments[3]

		if u.cfg.State != "" && state != u.cfg.State {
			continue
		}
		if u.cfg.District != "" && district != u.cfg.District {
			continue
		}
		if u.cfg.Complex != "" && complexCode != u.cfg.Complex {
			continue
		}

		year, err := strconv.Atoi(yearStr)
		if err != nil {
			u.logger.Warn("skipping directory with non-numeric year", zap.String("dir", rel))
			continue
		}

		names := dirs[rel]
		byType := classify(names)
		for _, at := range []types.ArchiveType{types.ArchiveMetadata, types.ArchiveDocument} {
			tars := byType[at]
			if len(tars) == 0 {
				continue
			}
			// Lexical order puts the base archive before its
			// part-<ULID> successors, matching append order.
			sort.Strings(tars)
			key := types.PartitionKey{
				Year:         year,
				StateCode:    state,
				DistrictCode: district,
				ComplexCode:  complexCode,
				Type:         at,
			}
			if err := key.Validate(); err != nil {
				u.logger.Warn("skipping unaddressable partition",
					zap.String("dir", rel), zap.Error(err))
				continue
			}
			parts = append(parts, partition{
				key:  key,
				dir:  filepath.Join(u.cfg.Root, filepath.FromSlash(rel)),
				rel:  rel,
				tars: tars,
			})
		}
	}
	return parts, nil
}

// classify buckets tar names into archive types by their stem.
// part-<ULID> tars carry no type of their own; they belong to the
// document family whenever any sibling does, which is how the first
// crawler generation laid them out.
func classify(names []string) map[types.ArchiveType][]string {
	anyOrders := false
	for _, n := range names {
		if strings.Contains(n, "orders") {
			anyOrders = true
			break
		}
	}

	byType := make(map[types.ArchiveType][]string, 2)
	for _, n := range names {
		switch {
		case strings.HasPrefix(n, "metadata"):
			byType[types.ArchiveMetadata] = append(byType[types.ArchiveMetadata], n)
		case strings.HasPrefix(n, "orders"):
			byType[types.ArchiveDocument] = append(byType[types.ArchiveDocument], n)
		case strings.HasPrefix(n, "part-") && anyOrders:
			byType[types.ArchiveDocument] = append(byType[types.ArchiveDocument], n)
		case strings.HasPrefix(n, "part-"):
			byType[types.ArchiveMetadata] = append(byType[types.ArchiveMetadata], n)
		}
	}
	return byType
}

// uploadPartition pushes one partition's missing tars and stores its
// rebuilt index once at the end. Tars already named in the remote
// index, or already present as objects, are skipped.
func (u *Uploader) uploadPartition(ctx context.Context, p partition, summary *Summary) error {
	idx, err := u.indexes.Load(ctx, p.key)
	if err != nil {
		summary.Failed += len(p.tars)
		return fmt.Errorf("uploader: load index for %s: %w", p.key.String(), err)
	}

	known := make(map[string]bool, len(idx.Parts))
	for _, name := range idx.PartNames() {
		known[name] = true
	}

	var errs []error
	changed := false
	for _, name := range p.tars {
		if known[name] {
			summary.Skipped++
			u.logger.Debug("already indexed", zap.String("part", name),
				zap.String("partition", p.key.String()))
			continue
		}

		objectPath := p.key.PartObject(u.cfg.Prefix, name)
		exists, err := u.storage.Exists(ctx, objectPath)
		if err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("uploader: head %s: %w", objectPath, err))
			continue
		}
		if exists {
			summary.Skipped++
			u.logger.Debug("object already in storage", zap.String("object", objectPath))
			continue
		}

		data, err := os.ReadFile(filepath.Join(p.dir, name))
		if err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("uploader: read %s: %w", name, err))
			continue
		}
		files, err := archive.ScanTar(data)
		if err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("uploader: %s in %s: %w", name, p.rel, err))
			continue
		}

		if u.cfg.DryRun {
			summary.Planned++
			u.logger.Info("would upload",
				zap.String("object", objectPath),
				zap.Int("files", len(files)),
				zap.String("size", types.HumanSize(int64(len(data)))))
			continue
		}

		if _, err := u.storage.UploadMultipart(ctx, objectPath, data); err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("uploader: upload %s: %w", objectPath, err))
			continue
		}

		part := types.Part{
			Name:      name,
			Files:     files,
			FileCount: len(files),
			Size:      int64(len(data)),
			SizeHuman: types.HumanSize(int64(len(data))),
			CreatedAt: time.Now().In(types.IST),
		}
		idx.AppendPart(part)
		changed = true

		summary.Uploaded++
		summary.BytesUploaded += part.Size
		if u.metrics != nil {
			u.metrics.PartsWritten.WithLabelValues(string(p.key.Type)).Inc()
			u.metrics.FilesArchived.WithLabelValues(string(p.key.Type)).Add(float64(part.FileCount))
		}
		u.logger.Info("uploaded tar",
			zap.String("object", objectPath),
			zap.Int("files", part.FileCount),
			zap.String("size", part.SizeHuman))
	}

	if changed {
		// Parts are already durable; publishing the index makes them
		// visible. A failure here leaves orphaned-but-harmless parts
		// that the next run re-skips via Exists.
		if err := u.indexes.Store(ctx, p.key, idx); err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("uploader: store index for %s: %w", p.key.String(), err))
		} else {
			summary.IndexesStored++
			u.writeLocalIndex(p, idx)
		}
	}

	return errors.Join(errs...)
}

// writeLocalIndex drops a copy of the index document beside the local
// tars. The copy is a convenience for offline inspection; failing to
// write it never fails the run.
func (u *Uploader) writeLocalIndex(p partition, idx *types.PartitionIndex) {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		u.logger.Warn("could not render local index copy", zap.Error(err))
		return
	}
	path := filepath.Join(p.dir, p.key.Type.BaseName()+".index.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		u.logger.Warn("could not write local index copy",
			zap.String("path", path), zap.Error(err))
	}
}
