// Package main implements the courtarchive-upload binary: it pushes
// tar archives already on local disk into remote object storage and
// rebuilds their partition index documents, without contacting the
// court portal.
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
		root        string
		state       string
		district    string
		complexCode string
		dryRun      bool
		dev         bool
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all local state")
	flag.StringVar(&root, "root", "", "Local archive tree to scan ({year}/{state}/{district}/{complex}/*.tar)")
	flag.StringVar(&state, "state", "", "Restrict the scan to one state code")
	flag.StringVar(&district, "district", "", "Restrict the scan to one district code")
	flag.StringVar(&complexCode, "complex", "", "Restrict the scan to one complex code")
	flag.BoolVar(&dryRun, "dry-run", false, "Log what would be uploaded and write nothing")
	flag.BoolVar(&dev, "dev", false, "Human-readable console logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "courtarchive-upload - push local tar archives to object storage\n\n")
		fmt.Fprintf(os.Stderr, "Usage: courtarchive-upload [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  courtarchive-upload --root ./data/archive --dry-run\n")
		fmt.Fprintf(os.Stderr, "  courtarchive-upload --root ./data/archive --state 29\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("courtarchive-upload version %s (commit: %s)\n", version, commit)
		return 0
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courtarchive-upload: %v\n", err)
		return 1
	}
	cfg.Mode = config.ModeUpload

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = dataDir
		case "root":
			cfg.Storage.Path = root
		case "state":
			cfg.Courts.State = state
		case "district":
			cfg.Courts.District = district
		case "complex":
			cfg.Courts.Complex = complexCode
		case "dry-run":
			cfg.Upload.DryRun = dryRun
		case "dev":
			cfg.Development = dev
		}
	})

	logger, err := logging.New(cfg.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courtarchive-upload: %v\n", err)
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
