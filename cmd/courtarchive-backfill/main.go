// Package main implements the courtarchive-backfill binary: one
// fixed-size chunk of historical crawling per invocation, resuming
// from a durable cursor. Run it from cron or a loop; it exits non-zero
// when the chunk must be retried.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/juddata/courtarchive/internal/app"
	"github.com/juddata/courtarchive/internal/config"
	"github.com/juddata/courtarchive/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile   string
		dataDir      string
		chunkYears   int
		timeoutHours float64
		epoch        string
		dayStep      int
		workers      int
		state        string
		district     string
		complexCode  string
		courtsCSV    string
		localOnly    bool
		noCompress   bool
		dev          bool
		showVersion  bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all local state")
	flag.IntVar(&chunkYears, "chunk-years", 0, "Years of history per chunk")
	flag.Float64Var(&timeoutHours, "timeout-hours", 0, "Wall-clock budget before a graceful exit")
	flag.StringVar(&epoch, "epoch", "", "Where recorded history starts, YYYY-MM-DD")
	flag.IntVar(&dayStep, "day-step", 0, "Task window width in days")
	flag.IntVar(&workers, "workers", 0, "Parallel task workers")
	flag.StringVar(&state, "state", "", "Restrict the run to one state code")
	flag.StringVar(&district, "district", "", "Restrict the run to one district code")
	flag.StringVar(&complexCode, "complex", "", "Restrict the run to one complex code")
	flag.StringVar(&courtsCSV, "courts-csv", "", "Court complex registry file")
	flag.BoolVar(&localOnly, "local-only", false, "Write parts and indexes to local disk only")
	flag.BoolVar(&noCompress, "no-compress", false, "Archive PDFs as served, skipping Ghostscript")
	flag.BoolVar(&dev, "dev", false, "Human-readable console logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "courtarchive-backfill - resumable historical crawl, one chunk per run\n\n")
		fmt.Fprintf(os.Stderr, "Usage: courtarchive-backfill [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  courtarchive-backfill --state 29 --chunk-years 5 --timeout-hours 5.5\n")
		fmt.Fprintf(os.Stderr, "\nThe cursor advances only after a chunk fully commits; a failed run\n")
		fmt.Fprintf(os.Stderr, "exits non-zero and the next invocation retries the identical chunk.\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("courtarchive-backfill version %s (commit: %s)\n", version, commit)
		return 0
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courtarchive-backfill: %v\n", err)
		return 1
	}
	cfg.Mode = config.ModeBackfill

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = dataDir
		case "chunk-years":
			cfg.Schedule.ChunkYears = chunkYears
		case "timeout-hours":
			cfg.Schedule.TimeoutHours = timeoutHours
		case "epoch":
			cfg.Schedule.Epoch = epoch
		case "day-step":
			cfg.Schedule.DayStep = dayStep
		case "workers":
			cfg.Schedule.Workers = workers
		case "state":
			cfg.Courts.State = state
		case "district":
			cfg.Courts.District = district
		case "complex":
			cfg.Courts.Complex = complexCode
		case "courts-csv":
			cfg.Courts.CSVPath = courtsCSV
		case "local-only":
			cfg.Archive.LocalOnly = localOnly
		case "no-compress":
			cfg.Crawl.CompressPDFs = !noCompress
		case "dev":
			cfg.Development = dev
		}
	})

	logger, err := logging.New(cfg.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courtarchive-backfill: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("run failed", zap.Error(err))
		return 1
	}
	return 0
}

func loadConfig(configFile string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
