// Package main implements the courtarchive binary: a bounded
// date-range crawl of the district court portal, archiving order
// metadata and documents into partitioned tar containers.
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
		configFile  string
		dataDir     string
		startDate   string
		endDate     string
		dayStep     int
		workers     int
		state       string
		district    string
		complexCode string
		courtsCSV   string
		localOnly   bool
		noCompress  bool
		dev         bool
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all local state")
	flag.StringVar(&startDate, "start-date", "", "First day to crawl, YYYY-MM-DD (required)")
	flag.StringVar(&endDate, "end-date", "", "Last day to crawl, YYYY-MM-DD (default today)")
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
		fmt.Fprintf(os.Stderr, "courtarchive - bounded date-range crawl of the district court portal\n\n")
		fmt.Fprintf(os.Stderr, "Usage: courtarchive --start-date YYYY-MM-DD [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  courtarchive --start-date 2025-01-01 --end-date 2025-01-31 --state 29\n")
		fmt.Fprintf(os.Stderr, "  courtarchive --start-date 2024-06-01 --local-only --courts-csv ./courts.csv\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment variables use the COURTARCHIVE_ prefix; a .env file is honored.\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("courtarchive version %s (commit: %s)\n", version, commit)
		return 0
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courtarchive: %v\n", err)
		return 1
	}
	cfg.Mode = config.ModeRange

	// Flags given on the command line win over the file and the
	// environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = dataDir
		case "start-date":
			cfg.Schedule.StartDate = startDate
		case "end-date":
			cfg.Schedule.EndDate = endDate
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
		fmt.Fprintf(os.Stderr, "courtarchive: %v\n", err)
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
