// Package app wires the courtarchive components into a runnable
// process: storage, the archive engine, the portal client and the
// scheduling layer for whichever mode the binary runs in.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/juddata/courtarchive/internal/archive"
	"github.com/juddata/courtarchive/internal/backfill"
	"github.com/juddata/courtarchive/internal/compress"
	"github.com/juddata/courtarchive/internal/config"
	"github.com/juddata/courtarchive/internal/crawl"
	"github.com/juddata/courtarchive/internal/index"
	"github.com/juddata/courtarchive/internal/ledger"
	"github.com/juddata/courtarchive/internal/observability"
	"github.com/juddata/courtarchive/internal/planner"
	"github.com/juddata/courtarchive/internal/registry"
	"github.com/juddata/courtarchive/internal/server"
	"github.com/juddata/courtarchive/internal/storage"
	"github.com/juddata/courtarchive/internal/uploader"
	"github.com/juddata/courtarchive/internal/worker"
	"github.com/juddata/courtarchive/pkg/types"
)

// App owns the components of one courtarchive run.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	storage  storage.ObjectStorage
	indexes  *index.Store
	shutdown *server.ShutdownManager

	// Crawl-mode components; nil in upload mode.
	manager    *archive.Manager
	ledger     *ledger.Ledger
	courts     *registry.Registry
	downloader *crawl.Downloader
	planner    *planner.Planner
	scheduler  *backfill.Scheduler
	pool       *worker.Pool

	metricsServer *server.MetricsServer
}

// New resolves and validates the configuration and builds every
// component the configured mode needs. The archive manager is
// registered with the shutdown manager before anything else, so its
// close-time flush is the last teardown step to run.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger.Named("app"),
		metrics: observability.NewMetrics(),
	}

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{
		Budget: cfg.Timeout(),
	}, logger)

	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}
	a.indexes = index.NewStore(a.storage, cfg.Storage.Prefix, logger.Named("index"))

	if cfg.ShouldCrawl() {
		if err := a.initCrawl(ctx, logger); err != nil {
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		a.metricsServer = server.NewMetricsServer(
			cfg.Metrics.Addr, a.metrics.Handler(), a.shutdown, logger.Named("metrics"))
	}

	return a, nil
}

// initStorage picks the object storage backend. LocalOnly keeps
// everything on disk regardless of the configured backend, which is
// what dry runs and the tests use.
func (a *App) initStorage(ctx context.Context) error {
	if a.cfg.Archive.LocalOnly || a.cfg.Storage.Type == "local" {
		st, err := storage.NewLocalStorage(a.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("app: local storage at %s: %w", a.cfg.Storage.Path, err)
		}
		a.storage = st
		return nil
	}

	s3cfg := storage.DefaultS3Config()
	if a.cfg.Storage.S3.Region != "" {
		s3cfg.Region = a.cfg.Storage.S3.Region
	}
	s3cfg.Endpoint = a.cfg.Storage.S3.Endpoint
	s3cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle

	st, err := storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3cfg)
	if err != nil {
		return fmt.Errorf("app: s3 storage: %w", err)
	}
	a.storage = st
	return nil
}

// initCrawl builds the archive engine and the portal client stack.
func (a *App) initCrawl(ctx context.Context, logger *zap.Logger) error {
	var err error

	a.manager, err = archive.NewManager(ctx, a.storage, a.indexes, archive.ManagerConfig{
		Prefix:         a.cfg.Storage.Prefix,
		StagingDir:     a.cfg.Archive.StagingDir,
		FlushThreshold: a.cfg.FlushThresholdBytes(),
	}, a.metrics, logger.Named("archive"))
	if err != nil {
		return fmt.Errorf("app: archive manager: %w", err)
	}
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		return a.manager.Close(context.Background())
	}))

	a.ledger = ledger.New(a.storage,
		a.cfg.Storage.Prefix+ledger.DefaultLedgerObject, logger.Named("ledger"))

	a.courts, err = registry.Load(a.cfg.Courts.CSVPath)
	if err != nil {
		return fmt.Errorf("app: court registry: %w", err)
	}

	solver := crawl.NewExecSolver(a.cfg.Crawl.SolverCommand, a.cfg.Crawl.SolverArgs,
		a.cfg.Crawl.SolverTimeout, logger.Named("solver"))

	client, err := crawl.NewClient(crawl.Config{
		BaseURL:           a.cfg.Crawl.BaseURL,
		SecurityPageWait:  a.cfg.Crawl.SecurityPageWait,
		RequestsPerSecond: a.cfg.Crawl.RequestsPerSecond,
	}, solver, a.metrics, logger.Named("crawl"))
	if err != nil {
		return err
	}

	var compressor compress.Compressor = compress.Passthrough{}
	if a.cfg.Crawl.CompressPDFs {
		gs, err := compress.NewGhostscript(a.cfg.Crawl.Ghostscript,
			a.cfg.Crawl.CompressionLevel, compress.DefaultTimeout, logger.Named("compress"))
		if err != nil {
			// Compression never blocks archiving; a missing gs binary
			// just means documents are stored as served.
			logger.Warn("pdf compression unavailable, archiving originals", zap.Error(err))
		} else {
			compressor = gs
		}
	}

	a.downloader, err = crawl.NewDownloader(client, a.manager, compressor, a.courts,
		logger.Named("download"), crawl.DownloaderConfig{
			FetchCaseDetails: a.cfg.Crawl.FetchCaseDetails,
			CompressPDFs:     a.cfg.Crawl.CompressPDFs,
			StartupJitter:    a.cfg.Crawl.StartupJitter,
		})
	if err != nil {
		return err
	}

	a.planner = planner.New(a.storage, a.indexes, planner.Config{
		Prefix:       a.cfg.Storage.Prefix,
		ScanFallback: true,
	}, logger.Named("planner"))

	epoch, err := a.cfg.EpochDate()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.scheduler = backfill.New(a.storage, backfill.Config{
		CursorPath: a.cfg.Storage.Prefix + backfill.DefaultCursorObject,
		ChunkYears: a.cfg.Schedule.ChunkYears,
		Epoch:      epoch,
	}, logger.Named("backfill"))

	a.pool = worker.NewPool(a.cfg.Schedule.Workers, a.metrics, logger.Named("worker"))
	return nil
}

// Run executes the configured mode, drains on cancellation and always
// flushes staged data before returning. The returned error is non-nil
// when any task failed unrecovered or teardown lost data; the binary
// maps that to a non-zero exit.
func (a *App) Run(parent context.Context) (err error) {
	ctx := a.shutdown.Start(parent)

	var g errgroup.Group
	if a.metricsServer != nil {
		g.Go(a.metricsServer.Serve)
	}

	// Teardown is deferred so the close-time flush runs even when the
	// mode fails or panics: staged blobs represent fetches already
	// paid for.
	defer func() {
		shutdownErr := a.shutdown.Shutdown()
		a.reportChanges()
		err = errors.Join(err, shutdownErr, g.Wait())
	}()

	return a.runMode(ctx)
}

func (a *App) runMode(ctx context.Context) error {
	a.logger.Info("run starting",
		zap.String("mode", string(a.cfg.Mode)),
		zap.Bool("local_only", a.cfg.Archive.LocalOnly))

	switch a.cfg.Mode {
	case config.ModeRange:
		return a.runRange(ctx)
	case config.ModeSync:
		return a.runSync(ctx)
	case config.ModeBackfill:
		return a.runBackfill(ctx)
	case config.ModeUpload:
		return a.runUpload(ctx)
	default:
		return fmt.Errorf("app: unknown mode %q", a.cfg.Mode)
	}
}

// runRange crawls the explicitly configured date window.
func (a *App) runRange(ctx context.Context) error {
	start, err := types.ParseDate(a.cfg.Schedule.StartDate)
	if err != nil {
		return err
	}
	end := types.Today()
	if a.cfg.Schedule.EndDate != "" {
		if end, err = types.ParseDate(a.cfg.Schedule.EndDate); err != nil {
			return err
		}
	}

	courts, err := a.selectCourts()
	if err != nil {
		return err
	}

	window := planner.Window{Start: start, End: end}
	tasks := planner.PlanTasks(window, jurisdictions(courts), a.cfg.Schedule.DayStep)
	a.logger.Info("range run planned",
		zap.String("window", window.String()),
		zap.Int("courts", len(courts)),
		zap.Int("tasks", len(tasks)))

	return a.runTasks(ctx, tasks)
}

// runSync computes each jurisdiction's catch-up window from its index
// timestamps and crawls only what is newer. Jurisdictions that are
// already current contribute no tasks.
func (a *App) runSync(ctx context.Context) error {
	courts, err := a.selectCourts()
	if err != nil {
		return err
	}

	var endOverride time.Time
	if a.cfg.Schedule.EndDate != "" {
		if endOverride, err = types.ParseDate(a.cfg.Schedule.EndDate); err != nil {
			return err
		}
	}

	today := types.Today()
	var tasks []types.Task
	for _, court := range courts {
		if a.shutdown.IsShuttingDown() {
			a.logger.Info("sync planning interrupted")
			break
		}
		window, err := a.planner.ComputeSyncWindow(ctx, court.Jurisdiction(), today, endOverride)
		if err != nil {
			return err
		}
		if window == nil {
			continue
		}
		tasks = append(tasks,
			planner.PlanTasks(*window, []types.Jurisdiction{court.Jurisdiction()}, a.cfg.Schedule.DayStep)...)
	}

	if len(tasks) == 0 {
		a.logger.Info("all jurisdictions current, nothing to sync")
		return nil
	}
	a.logger.Info("sync run planned",
		zap.Int("courts", len(courts)),
		zap.Int("tasks", len(tasks)))

	return a.runTasks(ctx, tasks)
}

// runBackfill processes one chunk of history. The cursor moves only
// when every task in the chunk succeeded and the archive flushed; any
// other outcome leaves it where it was so the next invocation retries
// the identical chunk.
func (a *App) runBackfill(ctx context.Context) error {
	courts, err := a.selectCourts()
	if err != nil {
		return err
	}

	chunk, err := a.scheduler.NextChunk(ctx, types.Today())
	if err != nil {
		return err
	}
	if chunk == nil {
		a.logger.Info("backfill has reached the present")
		return nil
	}

	tasks := planner.PlanTasks(*chunk, jurisdictions(courts), a.cfg.Schedule.DayStep)
	a.logger.Info("backfill chunk planned",
		zap.String("chunk", chunk.String()),
		zap.Int("courts", len(courts)),
		zap.Int("tasks", len(tasks)))

	summary := a.pool.Run(ctx, tasks, a.handleTask)
	if !summary.OK() {
		err := fmt.Errorf("app: chunk %s incomplete: %d of %d tasks failed, cancelled=%v",
			chunk.String(), len(summary.Failed), summary.Dispatched, summary.Cancelled)
		a.scheduler.Fail(err)
		if summary.Cancelled && len(summary.Failed) == 0 {
			// A drained interrupt is a clean exit; the unchanged
			// cursor already guarantees the chunk is retried.
			a.logger.Info("chunk interrupted, cursor unchanged",
				zap.String("chunk", chunk.String()))
			return nil
		}
		return err
	}

	// The cursor is a promise that the chunk's data is durable, so the
	// flush has to land first.
	if err := a.manager.FlushAll(ctx); err != nil {
		a.scheduler.Fail(err)
		return err
	}
	return a.scheduler.Commit(ctx)
}

// runUpload pushes tars already on local disk to remote storage.
func (a *App) runUpload(ctx context.Context) error {
	up := uploader.New(a.storage, a.indexes, uploader.Config{
		Root:     a.cfg.Storage.Path,
		Prefix:   a.cfg.Storage.Prefix,
		State:    a.cfg.Courts.State,
		District: a.cfg.Courts.District,
		Complex:  a.cfg.Courts.Complex,
		DryRun:   a.cfg.Upload.DryRun,
	}, a.metrics, a.logger)

	summary, err := up.Run(ctx)
	if summary != nil {
		a.logger.Info("upload finished",
			zap.Int("tars_found", summary.TarsFound),
			zap.Int("uploaded", summary.Uploaded),
			zap.Int64("bytes_uploaded", summary.BytesUploaded),
			zap.Int("planned", summary.Planned),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed),
			zap.Int("indexes_stored", summary.IndexesStored))
	}
	return err
}

// runTasks drives the worker pool and converts its summary into the
// run's verdict. A cancelled run with no failures is a clean exit:
// completed work is committed and nothing was lost.
func (a *App) runTasks(ctx context.Context, tasks []types.Task) error {
	summary := a.pool.Run(ctx, tasks, a.handleTask)

	a.logger.Info("run finished",
		zap.Int("dispatched", summary.Dispatched),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", len(summary.Failed)),
		zap.Bool("cancelled", summary.Cancelled))

	if len(summary.Failed) > 0 {
		return fmt.Errorf("app: %d of %d tasks failed", len(summary.Failed), summary.Dispatched)
	}
	return nil
}

// handleTask is the per-task pipeline: ledger gate, crawl, optional
// immediate flush, ledger mark. The mark follows the crawl so a failed
// task is retried by the next run, and follows the flush when one is
// requested so the completion claim never outruns durability.
func (a *App) handleTask(ctx context.Context, task types.Task) error {
	done, err := a.ledger.IsCompleted(ctx, task.Key())
	if err != nil {
		return err
	}
	if done {
		a.metrics.TasksTotal.WithLabelValues("skipped").Inc()
		a.logger.Debug("task already completed", zap.String("task", task.Key()))
		return nil
	}

	if err := a.downloader.ProcessTask(ctx, task); err != nil {
		return err
	}

	if a.cfg.Archive.ImmediateUpload {
		if err := a.manager.FlushAll(ctx); err != nil {
			return err
		}
	}

	return a.ledger.MarkCompleted(ctx, task.Key())
}

// reportChanges logs what the run archived, partition by partition.
// It runs after teardown so interrupted runs report their flushed work
// too.
func (a *App) reportChanges() {
	if a.manager == nil {
		return
	}
	changes := a.manager.Changes()
	if len(changes) == 0 {
		a.logger.Info("no new files archived")
		return
	}

	var files int
	var bytes int64
	for _, ch := range changes {
		a.logger.Info("partition changed",
			zap.String("partition", ch.Key.String()),
			zap.Strings("files", ch.Filenames),
			zap.Int("new_files", ch.NewFiles),
			zap.Int64("new_bytes", ch.NewBytes),
			zap.Int("new_parts", ch.NewParts))
		files += ch.NewFiles
		bytes += ch.NewBytes
	}
	a.logger.Info("archive change summary",
		zap.Int("partitions", len(changes)),
		zap.Int("files", files),
		zap.Int64("bytes", bytes))
}

// selectCourts applies the configured jurisdiction filters to the
// registry. Filters narrow top-down: a district filter needs a state,
// a complex filter needs both.
func (a *App) selectCourts() ([]registry.CourtComplex, error) {
	f := a.cfg.Courts
	var courts []registry.CourtComplex

	switch {
	case f.Complex != "":
		if f.State == "" || f.District == "" {
			return nil, fmt.Errorf("app: complex filter %q needs state and district filters", f.Complex)
		}
		court, ok := a.courts.Lookup(types.Jurisdiction{
			StateCode:    f.State,
			DistrictCode: f.District,
			ComplexCode:  f.Complex,
		})
		if !ok {
			return nil, fmt.Errorf("app: complex %s_%s_%s not in registry", f.State, f.District, f.Complex)
		}
		courts = []registry.CourtComplex{court}
	case f.District != "":
		if f.State == "" {
			return nil, fmt.Errorf("app: district filter %q needs a state filter", f.District)
		}
		courts = a.courts.FilterDistrict(f.State, f.District)
	case f.State != "":
		courts = a.courts.FilterState(f.State)
	default:
		courts = a.courts.All()
	}

	if len(courts) == 0 {
		return nil, fmt.Errorf("app: jurisdiction filters match no court complexes")
	}
	return courts, nil
}

func jurisdictions(courts []registry.CourtComplex) []types.Jurisdiction {
	out := make([]types.Jurisdiction, len(courts))
	for i, c := range courts {
		out[i] = c.Jurisdiction()
	}
	return out
}
