// Package planner computes the date window an incremental sync run
// must cover. The boundary comes from the updated_at timestamps of the
// partition index documents already in storage; a jurisdiction with no
// index documents falls back to scanning part contents, then to a
// configured epoch.
package planner

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/juddata/courtarchive/internal/index"
	"github.com/juddata/courtarchive/internal/storage"
	"github.com/juddata/courtarchive/pkg/types"
)

// DefaultConcurrency bounds parallel index downloads during boundary
// resolution.
const DefaultConcurrency = 8

// Window is an inclusive calendar date range a run must cover.
type Window struct {
	Start time.Time
	End   time.Time
}

// Days returns the window length in days, inclusive of both ends.
func (w Window) Days() int {
	return types.DaysBetween(w.Start, w.End) + 1
}

// String renders the window as "2025-01-01..2025-01-10".
func (w Window) String() string {
	return types.FormatDate(w.Start) + ".." + types.FormatDate(w.End)
}

// Split breaks the window into chronological subwindows of at most
// dayStep days each. The last subwindow may be shorter.
func (w Window) Split(dayStep int) []Window {
	if dayStep < 1 {
		dayStep = 1
	}
	var out []Window
	for cur := w.Start; !cur.After(w.End); {
		end := cur.AddDate(0, 0, dayStep-1)
		if end.After(w.End) {
			end = w.End
		}
		out = append(out, Window{Start: cur, End: end})
		cur = end.AddDate(0, 0, 1)
	}
	return out
}

// Config holds the planner settings.
type Config struct {
	// Prefix is the object path prefix shared with the archive manager.
	Prefix string

	// Epoch is the window start used when a jurisdiction has no
	// partitions at all. Zero means January 1 of the current year.
	Epoch time.Time

	// ScanFallback enables the slow path: when a jurisdiction has no
	// index documents, read its current-year metadata parts and use
	// the newest scraped_at timestamp found in their JSON members.
	ScanFallback bool

	// Concurrency bounds parallel index downloads.
	Concurrency int
}

// Planner computes sync windows from partition index timestamps.
type Planner struct {
	storage storage.ObjectStorage
	indexes *index.Store
	bulk    *index.BulkLoader
	logger  *zap.Logger
	cfg     Config

	// listings caches each category's index document paths for the
	// planning pass, so a run over many jurisdictions lists storage
	// once per category instead of once per court complex. Planning
	// finishes before any crawl writes, so the snapshot stays valid.
	mu       sync.Mutex
	listings map[types.ArchiveType][]string
}

// New creates a planner.
func New(st storage.ObjectStorage, indexes *index.Store, cfg Config, logger *zap.Logger) *Planner {
	conc := cfg.Concurrency
	if conc < 1 {
		conc = DefaultConcurrency
	}
	return &Planner{
		storage: st,
		indexes: indexes,
		bulk:    index.NewBulkLoader(indexes, conc),
		logger:  logger,
		cfg:     cfg,
	}
}

// ComputeSyncWindow returns the date range an incremental run must
// cover for the jurisdiction, or nil when it is already current.
//
// The boundary is the minimum updated_at across every partition the
// jurisdiction owns. The minimum, not the maximum: advancing past a
// partition that is behind would leave a permanent coverage gap that
// nothing downstream could detect. The window starts the day after
// the boundary and ends at today, or at endOverride when that is
// earlier and non-zero.
func (p *Planner) ComputeSyncWindow(ctx context.Context, j types.Jurisdiction,
	today time.Time, endOverride time.Time) (*Window, error) {

	if err := j.Validate(); err != nil {
		return nil, err
	}

	boundary, found, err := p.boundary(ctx, j, today)
	if err != nil {
		return nil, err
	}

	var start time.Time
	if found {
		start = types.DateOf(boundary).AddDate(0, 0, 1)
	} else {
		start = p.epoch(today)
		p.logger.Info("no existing partitions, starting from epoch",
			zap.String("jurisdiction", j.String()),
			zap.String("start", types.FormatDate(start)))
	}

	end := today
	if !endOverride.IsZero() && endOverride.Before(end) {
		end = endOverride
	}

	if start.After(end) {
		p.logger.Info("jurisdiction is current, nothing to sync",
			zap.String("jurisdiction", j.String()),
			zap.String("boundary", types.FormatDate(types.DateOf(boundary))))
		return nil, nil
	}

	return &Window{Start: start, End: end}, nil
}

// boundary resolves the jurisdiction's minimum updated_at. The bool is
// false when the jurisdiction has no partitions and no scannable parts.
func (p *Planner) boundary(ctx context.Context, j types.Jurisdiction, today time.Time) (time.Time, bool, error) {
	var paths []string
	for _, at := range []types.ArchiveType{types.ArchiveDocument, types.ArchiveMetadata} {
		keys, err := p.categoryListing(ctx, at)
		if err != nil {
			return time.Time{}, false, err
		}
		paths = append(paths, index.FilterJurisdiction(keys, j)...)
	}

	if len(paths) == 0 {
		if p.cfg.ScanFallback {
			return p.scanPartTimestamps(ctx, j, today.Year())
		}
		return time.Time{}, false, nil
	}

	result, err := p.bulk.LoadPaths(ctx, paths)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(result.Errors) > 0 {
		// An unreadable index hides how far behind its partition is,
		// so no safe boundary exists.
		errs := make([]error, 0, len(result.Errors))
		for path, perr := range result.Errors {
			errs = append(errs, fmt.Errorf("planner: index %s: %w", path, perr))
		}
		return time.Time{}, false, errors.Join(errs...)
	}

	var min time.Time
	found := false
	for _, idx := range result.Indexes {
		if idx.UpdatedAt.IsZero() {
			continue
		}
		if !found || idx.UpdatedAt.Before(min) {
			min = idx.UpdatedAt
			found = true
		}
	}
	return min, found, nil
}

// categoryListing resolves a category's index paths, hitting storage
// at most once per category per planner.
func (p *Planner) categoryListing(ctx context.Context, at types.ArchiveType) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if keys, ok := p.listings[at]; ok {
		return keys, nil
	}
	keys, err := p.indexes.ListCategory(ctx, at)
	if err != nil {
		return nil, err
	}
	if p.listings == nil {
		p.listings = make(map[types.ArchiveType][]string)
	}
	p.listings[at] = keys
	return keys, nil
}

// scanPartTimestamps is the slow fallback: read the jurisdiction's
// current-year metadata parts and take the newest scraped_at found in
// their JSON members. O(data downloaded), used only when no index
// documents exist.
func (p *Planner) scanPartTimestamps(ctx context.Context, j types.Jurisdiction, year int) (time.Time, bool, error) {
	key := types.PartitionKey{
		Year:         year,
		StateCode:    j.StateCode,
		DistrictCode: j.DistrictCode,
		ComplexCode:  j.ComplexCode,
		Type:         types.ArchiveMetadata,
	}

	objects, err := p.storage.ListObjects(ctx, key.Dir(p.cfg.Prefix))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("planner: list parts for %s: %w", key.String(), err)
	}

	var latest time.Time
	found := false
	for _, obj := range objects {
		if !strings.HasSuffix(obj, ".tar") {
			continue
		}
		data, err := p.storage.Download(ctx, obj)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("planner: download part %s: %w", obj, err)
		}
		ts, ok, err := newestScrapedAt(data)
		if err != nil {
			p.logger.Warn("skipping unreadable part during timestamp scan",
				zap.String("object", obj),
				zap.Error(err))
			continue
		}
		if ok && (!found || ts.After(latest)) {
			latest = ts
			found = true
		}
	}
	return latest, found, nil
}

// newestScrapedAt scans a metadata tar's JSON members for the largest
// scraped_at timestamp. Members that are not JSON or lack the field
// are skipped.
func newestScrapedAt(data []byte) (time.Time, bool, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	var latest time.Time
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return time.Time{}, false, err
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".json") {
			continue
		}

		var doc struct {
			ScrapedAt string `json:"scraped_at"`
		}
		if err := json.NewDecoder(tr).Decode(&doc); err != nil {
			continue
		}
		if doc.ScrapedAt == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, doc.ScrapedAt)
		if err != nil {
			continue
		}
		if !found || ts.After(latest) {
			latest = ts
			found = true
		}
	}
	return latest, found, nil
}

// epoch is the window start for a jurisdiction with no archived data.
func (p *Planner) epoch(today time.Time) time.Time {
	if !p.cfg.Epoch.IsZero() {
		return p.cfg.Epoch
	}
	return types.Date(today.Year(), time.January, 1)
}

// PlanTasks expands a window into per-jurisdiction task units of at
// most dayStep days, date-major: every jurisdiction covers a date
// range before any jurisdiction moves to the next one.
func PlanTasks(w Window, courts []types.Jurisdiction, dayStep int) []types.Task {
	tasks := make([]types.Task, 0, len(courts))
	for _, sub := range w.Split(dayStep) {
		for _, j := range courts {
			tasks = append(tasks, types.Task{
				Jurisdiction: j,
				FromDate:     sub.Start,
				ToDate:       sub.End,
			})
		}
	}
	return tasks
}
