// Package config provides unified configuration for the courtarchive binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects what a run does.
type Mode string

const (
	// ModeRange crawls an explicit start/end date range.
	ModeRange Mode = "range"

	// ModeSync computes per-jurisdiction catch-up windows from the
	// remote indexes and crawls only what is newer.
	ModeSync Mode = "sync"

	// ModeBackfill walks history one multi-year chunk per run,
	// resuming from the persisted cursor.
	ModeBackfill Mode = "backfill"

	// ModeUpload pushes tars already on local disk to remote storage
	// without touching the portal.
	ModeUpload Mode = "upload"
)

// Config holds the unified configuration for all courtarchive binaries.
type Config struct {
	// Mode specifies what the run does: range, sync, backfill, upload
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all local state
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Archive engine configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Crawl (portal client) configuration
	Crawl CrawlConfig `json:"crawl" yaml:"crawl"`

	// Schedule (date windows and parallelism) configuration
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`

	// Courts registry and jurisdiction filters
	Courts CourtsConfig `json:"courts" yaml:"courts"`

	// Upload (local tree push) configuration
	Upload UploadConfig `json:"upload" yaml:"upload"`

	// Metrics endpoint configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Development switches the logger to human-readable output
	Development bool `json:"development" yaml:"development"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage backend: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage root (for local type, and the scan
	// root in upload mode)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every object path. May be empty.
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// ArchiveConfig holds the archive engine configuration.
type ArchiveConfig struct {
	// LocalOnly keeps parts and indexes on local disk and never
	// touches the remote backend
	LocalOnly bool `json:"local_only" yaml:"local_only"`

	// ImmediateUpload flushes each partition as soon as a task
	// finishes instead of once at shutdown
	ImmediateUpload bool `json:"immediate_upload" yaml:"immediate_upload"`

	// StagingDir is the crash-recovery journal directory
	StagingDir string `json:"staging_dir" yaml:"staging_dir"`

	// FlushThresholdMB auto-flushes a partition once its staged bytes
	// reach this many megabytes; zero flushes only at task or close
	// boundaries
	FlushThresholdMB int `json:"flush_threshold_mb" yaml:"flush_threshold_mb"`
}

// CrawlConfig holds the court portal client configuration.
type CrawlConfig struct {
	// BaseURL overrides the production portal endpoint; empty uses it
	BaseURL string `json:"base_url" yaml:"base_url"`

	// RequestsPerSecond is the politeness budget shared by all
	// sessions; zero disables client-side pacing
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`

	// SecurityPageWait is the pause after the portal serves its
	// security interstitial; zero uses the built-in default
	SecurityPageWait time.Duration `json:"security_page_wait" yaml:"security_page_wait"`

	// SolverCommand is the captcha recognizer executable
	SolverCommand string `json:"solver_command" yaml:"solver_command"`

	// SolverArgs are extra arguments for the recognizer
	SolverArgs []string `json:"solver_args" yaml:"solver_args"`

	// SolverTimeout bounds one recognizer invocation
	SolverTimeout time.Duration `json:"solver_timeout" yaml:"solver_timeout"`

	// StartupJitter staggers each task's first portal request by a
	// uniform random delay up to this duration; zero disables it
	StartupJitter time.Duration `json:"startup_jitter" yaml:"startup_jitter"`

	// FetchCaseDetails enriches order metadata through the case
	// status API at the cost of extra captchas
	FetchCaseDetails bool `json:"fetch_case_details" yaml:"fetch_case_details"`

	// CompressPDFs rewrites documents through Ghostscript before
	// archiving
	CompressPDFs bool `json:"compress_pdfs" yaml:"compress_pdfs"`

	// CompressionLevel is the Ghostscript quality preset: screen,
	// ebook, printer, prepress, default
	CompressionLevel string `json:"compression_level" yaml:"compression_level"`

	// Ghostscript is the gs binary path; empty searches PATH
	Ghostscript string `json:"ghostscript" yaml:"ghostscript"`
}

// ScheduleConfig holds date windows and parallelism.
type ScheduleConfig struct {
	// StartDate is the first day to crawl, YYYY-MM-DD (range mode)
	StartDate string `json:"start_date" yaml:"start_date"`

	// EndDate is the last day to crawl, YYYY-MM-DD; empty means today
	EndDate string `json:"end_date" yaml:"end_date"`

	// DayStep is the task window width in days. The portal paginates
	// nothing, so one window per jurisdiction is cheapest.
	DayStep int `json:"day_step" yaml:"day_step"`

	// Workers is the number of parallel task workers
	Workers int `json:"workers" yaml:"workers"`

	// TimeoutHours is the wall-clock budget before a graceful exit
	TimeoutHours float64 `json:"timeout_hours" yaml:"timeout_hours"`

	// ChunkYears is the backfill chunk size in years
	ChunkYears int `json:"chunk_years" yaml:"chunk_years"`

	// Epoch is where recorded history starts, YYYY-MM-DD
	Epoch string `json:"epoch" yaml:"epoch"`
}

// CourtsConfig holds the registry path and jurisdiction filters.
type CourtsConfig struct {
	// CSVPath is the court complex registry file
	CSVPath string `json:"csv_path" yaml:"csv_path"`

	// State restricts the run to one state code
	State string `json:"state" yaml:"state"`

	// District restricts the run to one district code
	District string `json:"district" yaml:"district"`

	// Complex restricts the run to one complex code
	Complex string `json:"complex" yaml:"complex"`
}

// UploadConfig holds the upload mode settings.
type UploadConfig struct {
	// DryRun logs what would be uploaded and writes nothing
	DryRun bool `json:"dry_run" yaml:"dry_run"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Addr is the listen address for the metrics endpoint
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether the endpoint is served
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the default configuration for a local run.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeRange,
		DataDir: "./data/courtarchive",
		Storage: StorageConfig{
			Type: "local",
			Path: "",
			S3: S3Config{
				Region: "ap-south-1",
			},
		},
		Archive: ArchiveConfig{
			LocalOnly:        false,
			ImmediateUpload:  true,
			StagingDir:       "",
			FlushThresholdMB: 0,
		},
		Crawl: CrawlConfig{
			RequestsPerSecond: 1.0,
			SolverTimeout:     10 * time.Second,
			StartupJitter:     3 * time.Second,
			FetchCaseDetails:  true,
			CompressPDFs:      true,
			CompressionLevel:  "screen",
		},
		Schedule: ScheduleConfig{
			DayStep:      2100,
			Workers:      2,
			TimeoutHours: 5.5,
			ChunkYears:   5,
			Epoch:        "1950-01-01",
		},
		Courts: CourtsConfig{
			CSVPath: "courts.csv",
		},
		Metrics: MetricsConfig{
			Addr:    ":9100",
			Enabled: false,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/courtarchive"
	}

	// Resolve storage path
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archive")
	}

	// Resolve staging path
	if c.Archive.StagingDir == "" {
		c.Archive.StagingDir = filepath.Join(c.DataDir, "staging")
	}
}

// FlushThresholdBytes converts the configured megabytes for the
// archive manager.
func (c *Config) FlushThresholdBytes() int64 {
	if c.Archive.FlushThresholdMB <= 0 {
		return 0
	}
	return int64(c.Archive.FlushThresholdMB) * 1024 * 1024
}

// Timeout converts TimeoutHours into a duration. Zero or negative
// means no wall-clock budget.
func (c *Config) Timeout() time.Duration {
	if c.Schedule.TimeoutHours <= 0 {
		return 0
	}
	return time.Duration(c.Schedule.TimeoutHours * float64(time.Hour))
}

// EpochDate parses the configured epoch.
func (c *Config) EpochDate() (time.Time, error) {
	return time.Parse("2006-01-02", c.Schedule.Epoch)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRange, ModeSync, ModeBackfill, ModeUpload:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be range, sync, backfill, or upload)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Mode == ModeUpload {
		if c.Storage.Type != "s3" {
			return fmt.Errorf("upload mode requires s3 storage, got %s", c.Storage.Type)
		}
		if c.Archive.LocalOnly {
			return fmt.Errorf("upload mode cannot run with archive.local_only")
		}
	}

	if c.ShouldCrawl() && c.Crawl.SolverCommand == "" {
		return fmt.Errorf("crawl.solver_command is required in %s mode", c.Mode)
	}

	if c.Mode == ModeRange && c.Schedule.StartDate == "" {
		return fmt.Errorf("schedule.start_date is required in range mode")
	}

	if c.Crawl.RequestsPerSecond < 0 {
		return fmt.Errorf("crawl.requests_per_second must not be negative, got %g", c.Crawl.RequestsPerSecond)
	}

	if c.Crawl.CompressPDFs {
		switch c.Crawl.CompressionLevel {
		case "", "screen", "ebook", "printer", "prepress", "default":
			// Valid presets
		default:
			return fmt.Errorf("invalid compression level: %s", c.Crawl.CompressionLevel)
		}
	}

	if c.Schedule.DayStep < 1 {
		return fmt.Errorf("schedule.day_step must be at least 1, got %d", c.Schedule.DayStep)
	}

	if c.Schedule.Workers < 1 {
		return fmt.Errorf("schedule.workers must be at least 1, got %d", c.Schedule.Workers)
	}

	if c.Schedule.ChunkYears < 1 {
		return fmt.Errorf("schedule.chunk_years must be at least 1, got %d", c.Schedule.ChunkYears)
	}

	if v := c.Schedule.StartDate; v != "" {
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return fmt.Errorf("invalid schedule.start_date: %q is not YYYY-MM-DD", v)
		}
	}
	if v := c.Schedule.EndDate; v != "" {
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return fmt.Errorf("invalid schedule.end_date: %q is not YYYY-MM-DD", v)
		}
	}

	if _, err := c.EpochDate(); err != nil {
		return fmt.Errorf("invalid schedule.epoch: %q is not YYYY-MM-DD", c.Schedule.Epoch)
	}

	if c.Schedule.StartDate != "" && c.Schedule.EndDate != "" && c.Schedule.EndDate < c.Schedule.StartDate {
		return fmt.Errorf("schedule.end_date %s is before schedule.start_date %s", c.Schedule.EndDate, c.Schedule.StartDate)
	}

	return nil
}

// ShouldCrawl returns true if the run downloads orders from the portal.
func (c *Config) ShouldCrawl() bool {
	return c.Mode == ModeRange || c.Mode == ModeSync || c.Mode == ModeBackfill
}

// ShouldUpload returns true if the run pushes local tars to remote storage.
func (c *Config) ShouldUpload() bool {
	return c.Mode == ModeUpload
}

// RemoteEnabled returns true if the run writes to the remote backend.
func (c *Config) RemoteEnabled() bool {
	return !c.Archive.LocalOnly
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the COURTARCHIVE_ prefix. A .env file in
// the working directory is read first; real environment wins over it.
func LoadFromEnv(cfg *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("COURTARCHIVE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("COURTARCHIVE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Storage configuration
	if v := os.Getenv("COURTARCHIVE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("COURTARCHIVE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("COURTARCHIVE_STORAGE_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}
	if v := os.Getenv("COURTARCHIVE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("COURTARCHIVE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("COURTARCHIVE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("COURTARCHIVE_S3_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Archive configuration
	if v := os.Getenv("COURTARCHIVE_LOCAL_ONLY"); v != "" {
		cfg.Archive.LocalOnly = v == "true" || v == "1"
	}
	if v := os.Getenv("COURTARCHIVE_IMMEDIATE_UPLOAD"); v != "" {
		cfg.Archive.ImmediateUpload = v == "true" || v == "1"
	}
	if v := os.Getenv("COURTARCHIVE_FLUSH_THRESHOLD_MB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Archive.FlushThresholdMB)
	}

	// Crawl configuration
	if v := os.Getenv("COURTARCHIVE_BASE_URL"); v != "" {
		cfg.Crawl.BaseURL = v
	}
	if v := os.Getenv("COURTARCHIVE_REQUESTS_PER_SECOND"); v != "" {
		fmt.Sscanf(v, "%f", &cfg.Crawl.RequestsPerSecond)
	}
	if v := os.Getenv("COURTARCHIVE_SOLVER_COMMAND"); v != "" {
		cfg.Crawl.SolverCommand = v
	}
	if v := os.Getenv("COURTARCHIVE_SOLVER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.SolverTimeout = d
		}
	}
	if v := os.Getenv("COURTARCHIVE_STARTUP_JITTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.StartupJitter = d
		}
	}
	if v := os.Getenv("COURTARCHIVE_FETCH_CASE_DETAILS"); v != "" {
		cfg.Crawl.FetchCaseDetails = v == "true" || v == "1"
	}
	if v := os.Getenv("COURTARCHIVE_COMPRESS_PDFS"); v != "" {
		cfg.Crawl.CompressPDFs = v == "true" || v == "1"
	}
	if v := os.Getenv("COURTARCHIVE_COMPRESSION_LEVEL"); v != "" {
		cfg.Crawl.CompressionLevel = v
	}
	if v := os.Getenv("COURTARCHIVE_GHOSTSCRIPT"); v != "" {
		cfg.Crawl.Ghostscript = v
	}

	// Schedule configuration
	if v := os.Getenv("COURTARCHIVE_START_DATE"); v != "" {
		cfg.Schedule.StartDate = v
	}
	if v := os.Getenv("COURTARCHIVE_END_DATE"); v != "" {
		cfg.Schedule.EndDate = v
	}
	if v := os.Getenv("COURTARCHIVE_DAY_STEP"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Schedule.DayStep)
	}
	if v := os.Getenv("COURTARCHIVE_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Schedule.Workers)
	}
	if v := os.Getenv("COURTARCHIVE_TIMEOUT_HOURS"); v != "" {
		fmt.Sscanf(v, "%f", &cfg.Schedule.TimeoutHours)
	}
	if v := os.Getenv("COURTARCHIVE_CHUNK_YEARS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Schedule.ChunkYears)
	}
	if v := os.Getenv("COURTARCHIVE_EPOCH"); v != "" {
		cfg.Schedule.Epoch = v
	}

	// Courts configuration
	if v := os.Getenv("COURTARCHIVE_COURTS_CSV"); v != "" {
		cfg.Courts.CSVPath = v
	}
	if v := os.Getenv("COURTARCHIVE_STATE"); v != "" {
		cfg.Courts.State = v
	}
	if v := os.Getenv("COURTARCHIVE_DISTRICT"); v != "" {
		cfg.Courts.District = v
	}
	if v := os.Getenv("COURTARCHIVE_COMPLEX"); v != "" {
		cfg.Courts.Complex = v
	}

	// Upload configuration
	if v := os.Getenv("COURTARCHIVE_DRY_RUN"); v != "" {
		cfg.Upload.DryRun = v == "true" || v == "1"
	}

	// Metrics configuration
	if v := os.Getenv("COURTARCHIVE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("COURTARCHIVE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("COURTARCHIVE_DEVELOPMENT"); v != "" {
		cfg.Development = v == "true" || v == "1"
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Archive.StagingDir,
	}
	if c.Storage.Type == "local" || c.Archive.LocalOnly || c.Mode == ModeUpload {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
