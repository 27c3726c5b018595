// Package main implements the lumaframe gallery service: the guest
// submission API, the pipeline worker pool that processes approved photos,
// and admin commands for the queue and the moderation inbox.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lumaframe/lumaframe/database"
	"github.com/lumaframe/lumaframe/geocode"
	"github.com/lumaframe/lumaframe/inspect"
	"github.com/lumaframe/lumaframe/moderation"
	"github.com/lumaframe/lumaframe/pipeline"
	"github.com/lumaframe/lumaframe/server"
	"github.com/lumaframe/lumaframe/storage"
	"github.com/lumaframe/lumaframe/tui"
)

// Config holds application configuration.
type Config struct {
	// Storage configuration
	StorageBackend string // "s3" or "local"
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	PublicBaseURL  string
	LocalDir       string

	// Database configuration
	DBPath string

	// Geocoding configuration
	GeocodeCachePath string
	GeocodeDisabled  bool

	// Server configuration
	ListenAddr string

	// Worker configuration
	Workers      int
	LeaseTimeout time.Duration

	// Logging
	LogLevel string

	// Command-specific flags
	Status string
	Limit  int
	JobID  int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		StorageBackend:   "s3",
		S3Bucket:         "lumaframe-photos",
		S3Region:         "us-east-1",
		LocalDir:         "/var/lib/lumaframe/media",
		DBPath:           "/var/lib/lumaframe/gallery.db",
		GeocodeCachePath: "/var/lib/lumaframe/geocode-cache.db",
		ListenAddr:       ":8080",
		Workers:          2,
		LeaseTimeout:     5 * time.Minute,
		Limit:            50,
		LogLevel:         "info",
	}
}

var (
	// Global logger
	log = logrus.New()

	// Command flags
	serveCmd    = flag.NewFlagSet("serve", flag.ExitOnError)
	workerCmd   = flag.NewFlagSet("worker", flag.ExitOnError)
	monitorCmd  = flag.NewFlagSet("monitor", flag.ExitOnError)
	listJobsCmd = flag.NewFlagSet("list-jobs", flag.ExitOnError)
	listSubsCmd = flag.NewFlagSet("list-submissions", flag.ExitOnError)
	requeueCmd  = flag.NewFlagSet("requeue-job", flag.ExitOnError)
)

func main() {
	// Local .env overrides are optional; missing files are fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	config := DefaultConfig()
	applyEnv(&config)

	switch os.Args[1] {
	case "serve":
		parseServeFlags(&config, serveCmd, os.Args[2:])
		if err := runServe(config); err != nil {
			log.WithError(err).Fatal("server failed")
		}
	case "worker":
		parseWorkerFlags(&config, workerCmd, os.Args[2:])
		if err := runWorker(config); err != nil {
			log.WithError(err).Fatal("worker failed")
		}
	case "monitor":
		parseMonitorFlags(&config, monitorCmd, os.Args[2:])
		if err := runMonitor(config); err != nil {
			log.WithError(err).Fatal("monitor failed")
		}
	case "list-jobs":
		parseListJobsFlags(&config, listJobsCmd, os.Args[2:])
		if err := runListJobs(config); err != nil {
			log.WithError(err).Fatal("failed to list jobs")
		}
	case "list-submissions":
		parseListSubmissionsFlags(&config, listSubsCmd, os.Args[2:])
		if err := runListSubmissions(config); err != nil {
			log.WithError(err).Fatal("failed to list submissions")
		}
	case "requeue-job":
		parseRequeueFlags(&config, requeueCmd, os.Args[2:])
		if err := runRequeue(config); err != nil {
			log.WithError(err).Fatal("failed to requeue job")
		}
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Lumaframe Gallery Service")
	fmt.Println()
	fmt.Println("Usage: lumaframe <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve             Run the submission API server (with embedded workers)")
	fmt.Println("  worker            Run pipeline workers only")
	fmt.Println("  monitor           Interactive TUI for the queue and moderation inbox")
	fmt.Println("  list-jobs         List pipeline queue jobs")
	fmt.Println("  list-submissions  List guest submissions")
	fmt.Println("  requeue-job       Return a failed job to the queue")
	fmt.Println()
	fmt.Println("Run 'lumaframe <command> --help' for more information on a command.")
}

// applyEnv overlays environment configuration onto the defaults. Flags still
// win over both.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LUMAFRAME_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LUMAFRAME_STORAGE"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("LUMAFRAME_S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv("LUMAFRAME_S3_REGION"); v != "" {
		cfg.S3Region = v
	}
	if v := os.Getenv("LUMAFRAME_S3_ENDPOINT"); v != "" {
		cfg.S3Endpoint = v
	}
	if v := os.Getenv("LUMAFRAME_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := os.Getenv("LUMAFRAME_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
}

func addStorageFlags(cfg *Config, fs *flag.FlagSet) {
	fs.StringVar(&cfg.StorageBackend, "storage", cfg.StorageBackend, "Storage backend (s3 or local)")
	fs.StringVar(&cfg.S3Bucket, "bucket", cfg.S3Bucket, "S3 bucket name")
	fs.StringVar(&cfg.S3Region, "region", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "endpoint", cfg.S3Endpoint, "S3-compatible endpoint override")
	fs.StringVar(&cfg.PublicBaseURL, "public-url", cfg.PublicBaseURL, "Public base URL for stored objects")
	fs.StringVar(&cfg.LocalDir, "local-dir", cfg.LocalDir, "Local storage directory")
}

// parseServeFlags parses flags for the serve command.
func parseServeFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addStorageFlags(cfg, fs)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Embedded pipeline workers (0 disables)")
	fs.StringVar(&cfg.GeocodeCachePath, "geocode-cache", cfg.GeocodeCachePath, "Reverse geocoding cache path")
	fs.BoolVar(&cfg.GeocodeDisabled, "no-geocode", false, "Disable reverse geocoding")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.Parse(args)
}

// parseWorkerFlags parses flags for the worker command.
func parseWorkerFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addStorageFlags(cfg, fs)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of workers")
	fs.DurationVar(&cfg.LeaseTimeout, "lease-timeout", cfg.LeaseTimeout, "Job lease timeout before takeover")
	fs.StringVar(&cfg.GeocodeCachePath, "geocode-cache", cfg.GeocodeCachePath, "Reverse geocoding cache path")
	fs.BoolVar(&cfg.GeocodeDisabled, "no-geocode", false, "Disable reverse geocoding")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.Parse(args)
}

// parseMonitorFlags parses flags for the monitor command.
func parseMonitorFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path")
	fs.IntVar(&cfg.Limit, "rows", cfg.Limit, "Maximum rows per view")
	fs.Parse(args)
}

// parseListJobsFlags parses flags for the list-jobs command.
func parseListJobsFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path")
	fs.StringVar(&cfg.Status, "status", "", "Filter by status (pending, in-stages, completed, failed)")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "Maximum jobs to list")
	fs.Parse(args)
}

// parseListSubmissionsFlags parses flags for the list-submissions command.
func parseListSubmissionsFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path")
	fs.StringVar(&cfg.Status, "status", "", "Filter by status (pending, approved, rejected)")
	fs.Parse(args)
}

// parseRequeueFlags parses flags for the requeue-job command.
func parseRequeueFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path")
	fs.Int64Var(&cfg.JobID, "job-id", 0, "Job ID to requeue (required)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Parse(args)

	if cfg.JobID == 0 {
		fmt.Println("Error: --job-id is required")
		fs.Usage()
		os.Exit(1)
	}
}

// setupLogger configures the global logger.
func setupLogger(level string) error {
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)

	return nil
}

// openDatabase opens the gallery database with defaults applied.
func openDatabase(cfg Config) (*database.DB, error) {
	dbCfg := database.DefaultConfig()
	dbCfg.Path = cfg.DBPath
	return database.New(dbCfg)
}

// openStorage builds the configured photo store.
func openStorage(ctx context.Context, cfg Config) (storage.Provider, error) {
	switch cfg.StorageBackend {
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		s3Cfg.Bucket = cfg.S3Bucket
		s3Cfg.Region = cfg.S3Region
		s3Cfg.Endpoint = cfg.S3Endpoint
		s3Cfg.PublicBaseURL = cfg.PublicBaseURL
		return storage.NewS3(ctx, s3Cfg, log)
	case "local":
		return storage.NewLocal(cfg.LocalDir, cfg.PublicBaseURL, log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (expected s3 or local)", cfg.StorageBackend)
	}
}

// openGeocoder builds the reverse geocoder with its on-disk cache. A broken
// cache degrades to uncached lookups rather than disabling the stage.
func openGeocoder(cfg Config) (geocode.Geocoder, func()) {
	if cfg.GeocodeDisabled {
		return nil, func() {}
	}

	osm := geocode.NewOSM()
	if cfg.GeocodeCachePath == "" {
		return osm, func() {}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.GeocodeCachePath), 0755); err != nil {
		log.WithError(err).Warn("failed to create geocode cache directory, caching disabled")
		return osm, func() {}
	}
	cache, err := geocode.NewCache(cfg.GeocodeCachePath, osm, log)
	if err != nil {
		log.WithError(err).Warn("failed to open geocode cache, caching disabled")
		return osm, func() {}
	}
	return cache, func() {
		if err := cache.Close(); err != nil {
			log.WithError(err).Warn("failed to close geocode cache")
		}
	}
}

// startWorkers launches cfg.Workers pipeline workers and returns a wait
// function that blocks until they all exit.
func startWorkers(ctx context.Context, cfg Config, db *database.DB, store storage.Provider, geocoder geocode.Geocoder, metrics *pipeline.Metrics) func() {
	workerCfg := pipeline.DefaultWorkerConfig()
	if cfg.LeaseTimeout > 0 {
		workerCfg.LeaseTimeout = cfg.LeaseTimeout
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		processor := pipeline.NewProcessor(db, store, inspect.NewMedia(), geocoder, log)
		worker := pipeline.NewWorker(db, processor, metrics, log, workerCfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("worker exited")
			}
		}()
	}
	return wg.Wait
}

// runServe runs the HTTP API with an embedded worker pool.
func runServe(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}

	geocoder, closeGeocoder := openGeocoder(cfg)
	defer closeGeocoder()

	registry := prometheus.NewRegistry()
	mod := moderation.NewService(db, store, inspect.NewMedia(), log)
	srv := server.New(server.Config{
		DB:         db,
		Store:      store,
		Moderation: mod,
		Gatherer:   registry,
		Logger:     log,
	})

	waitWorkers := func() {}
	if cfg.Workers > 0 {
		waitWorkers = startWorkers(ctx, cfg, db, store, geocoder, pipeline.NewMetrics(registry))
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    cfg.ListenAddr,
			"workers": cfg.Workers,
			"storage": cfg.StorageBackend,
		}).Info("gallery server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		waitWorkers()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown did not complete cleanly")
	}
	waitWorkers()
	return nil
}

// runWorker runs pipeline workers without the API.
func runWorker(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("worker count must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}

	geocoder, closeGeocoder := openGeocoder(cfg)
	defer closeGeocoder()

	log.WithField("workers", cfg.Workers).Info("worker pool starting")
	wait := startWorkers(ctx, cfg, db, store, geocoder, pipeline.NewMetrics(prometheus.DefaultRegisterer))
	wait()
	return nil
}

// runMonitor runs the interactive TUI.
func runMonitor(cfg Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return tui.RunMonitor(tui.MonitorConfig{
		DB:              db,
		RefreshInterval: time.Second,
		MaxRows:         cfg.Limit,
	})
}

// runListJobs prints queue jobs.
func runListJobs(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := db.ListJobs(context.Background(), cfg.Status, cfg.Limit)
	if err != nil {
		return err
	}
	fmt.Print(tui.RenderJobsTable(jobRows(jobs)))
	return nil
}

// runListSubmissions prints guest submissions.
func runListSubmissions(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	subs, err := db.ListSubmissions(context.Background(), cfg.Status)
	if err != nil {
		return err
	}
	fmt.Print(tui.RenderSubmissionsTable(submissionRows(subs)))
	return nil
}

// runRequeue returns a failed job to the pending queue.
func runRequeue(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RequeueFailed(context.Background(), cfg.JobID); err != nil {
		return err
	}
	fmt.Printf("Job %d requeued.\n", cfg.JobID)
	return nil
}

func jobRows(jobs []*database.PipelineJob) []tui.JobRow {
	rows := make([]tui.JobRow, 0, len(jobs))
	for _, job := range jobs {
		target := job.Payload.StorageKey
		if target == "" {
			target = job.Payload.PhotoID
		}
		stage := ""
		if job.Stage != nil {
			stage = string(*job.Stage)
		}
		errMsg := ""
		if job.ErrorMessage != nil {
			errMsg = *job.ErrorMessage
		}
		rows = append(rows, tui.JobRow{
			ID:       fmt.Sprintf("%d", job.ID),
			Kind:     string(job.Payload.Kind),
			Target:   target,
			Status:   job.Status,
			Stage:    stage,
			Attempts: fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			Error:    errMsg,
		})
	}
	return rows
}

func submissionRows(subs []*database.Submission) []tui.SubmissionRow {
	rows := make([]tui.SubmissionRow, 0, len(subs))
	for _, sub := range subs {
		size := ""
		if sub.FileSize != nil {
			size = tui.FormatBytes(*sub.FileSize)
		}
		rows = append(rows, tui.SubmissionRow{
			ID:          fmt.Sprintf("%d", sub.ID),
			FileName:    sub.FileName,
			Submitter:   sub.SubmitterName,
			Size:        size,
			Status:      sub.Status,
			SubmittedAt: sub.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return rows
}
