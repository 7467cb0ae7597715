package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/api"
	"github.com/JakeFAU/refcrawler/internal/cache"
	"github.com/JakeFAU/refcrawler/internal/clock/system"
	"github.com/JakeFAU/refcrawler/internal/config"
	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/dispatcher"
	goqueryextract "github.com/JakeFAU/refcrawler/internal/extract/goquery"
	cachedfetcher "github.com/JakeFAU/refcrawler/internal/fetcher/cached"
	collyfetcher "github.com/JakeFAU/refcrawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/refcrawler/internal/fetcher/headless"
	"github.com/JakeFAU/refcrawler/internal/fetcher/promote"
	"github.com/JakeFAU/refcrawler/internal/fetcher/ratelimit"
	"github.com/JakeFAU/refcrawler/internal/hash/sha256"
	"github.com/JakeFAU/refcrawler/internal/id/uuid"
	"github.com/JakeFAU/refcrawler/internal/logging"
	"github.com/JakeFAU/refcrawler/internal/orchestrator"
	pubsubpublisher "github.com/JakeFAU/refcrawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/refcrawler/internal/queue/memory"
	gcsStorage "github.com/JakeFAU/refcrawler/internal/storage/gcs"
	localStorage "github.com/JakeFAU/refcrawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/refcrawler/internal/storage/memory"
	"github.com/JakeFAU/refcrawler/internal/storage/postgres"
	"github.com/JakeFAU/refcrawler/internal/telemetry"
	"github.com/JakeFAU/refcrawler/internal/worker"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath string
	url        string
	mode       string
	depth      int
	depthSet   bool
	serve      bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("refcrawler", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.url, "url", "", "Root URL to crawl (overrides crawl.root_url)")
	fs.StringVar(&opts.mode, "mode", "", "Extraction mode for the root page: full, headlines, related or sections")
	fs.IntVar(&opts.depth, "depth", 0, "Maximum crawl depth (overrides crawl.max_depth)")
	fs.BoolVar(&opts.serve, "serve", false, "Run the HTTP crawl jobs service")
	if err := fs.Parse(args); err != nil {
		return options{}, fmt.Errorf("parse flags: %w", err)
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "depth" {
			opts.depthSet = true
		}
	})
	return opts, nil
}

// applyOverrides folds command-line overrides into cfg and revalidates it.
func applyOverrides(cfg config.Config, opts options) (config.Config, error) {
	if opts.url != "" {
		cfg.Crawl.RootURL = opts.url
	}
	if opts.mode != "" {
		cfg.Crawl.RootMode = opts.mode
	}
	if opts.depthSet {
		cfg.Crawl.MaxDepth = opts.depth
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return exitConfig
	}
	cfg, err := config.Load(opts.configPath)
	if err == nil {
		cfg, err = applyOverrides(cfg, opts)
	}
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return exitConfig
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(stderr, "logger init failed: %v\n", err)
		return exitConfig
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := telemetry.InitTracerProvider(ctx, "refcrawler")
	if err != nil {
		return fail(logger, "tracer init failed", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	deps := &clients{}
	defer deps.close(logger)

	crawl, err := buildCrawler(ctx, cfg, deps, logger)
	if err != nil {
		return fail(logger, "build crawler failed", err)
	}

	if opts.serve {
		if err := serve(ctx, cfg, crawl, deps, logger); err != nil {
			return fail(logger, "serve failed", err)
		}
		return exitOK
	}
	if err := crawlOnce(ctx, cfg, crawl, stdout, logger); err != nil {
		return fail(logger, "crawl failed", err)
	}
	return exitOK
}

func fail(logger *zap.Logger, msg string, err error) int {
	logger.Error(msg, zap.Error(err))
	var cfgErr *crawler.ConfigError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return exitFailed
}

// clients holds lazily created cloud clients shared across components.
type clients struct {
	gcs       *storage.Client
	pubsub    *pubsub.Client
	headless  *headlessfetcher.Retriever
	records   *postgres.RecordStore
	publisher *pubsubpublisher.Publisher
}

func (c *clients) storage(ctx context.Context) (*storage.Client, error) {
	if c.gcs != nil {
		return c.gcs, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	c.gcs = client
	return client, nil
}

func (c *clients) close(logger *zap.Logger) {
	if c.publisher != nil {
		c.publisher.Close()
	}
	if c.pubsub != nil {
		if err := c.pubsub.Close(); err != nil {
			logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if c.records != nil {
		c.records.Close()
	}
	if c.headless != nil {
		c.headless.Close()
	}
	if c.gcs != nil {
		if err := c.gcs.Close(); err != nil {
			logger.Warn("storage client close failed", zap.Error(err))
		}
	}
}

func buildSnapshot(ctx context.Context, cfg config.Config, deps *clients) (crawler.SnapshotStore, error) {
	switch cfg.Cache.Backend {
	case "gcs":
		client, err := deps.storage(ctx)
		if err != nil {
			return nil, err
		}
		return gcsStorage.NewSnapshot(client, gcsStorage.SnapshotConfig{
			Bucket: cfg.Cache.GCSBucket,
			Object: cfg.Cache.GCSObject,
		})
	case "memory":
		return memoryStorage.NewSnapshot(), nil
	default:
		return localStorage.NewSnapshot(localStorage.SnapshotConfig{Path: cfg.Cache.Path})
	}
}

func buildRetriever(cfg config.Config, deps *clients, logger *zap.Logger) (crawler.Retriever, error) {
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTPTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})
	if !cfg.Headless.Enabled {
		return static, nil
	}
	r, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, &crawler.ConfigError{Field: "headless", Reason: "headless retriever init failed", Err: err}
	}
	deps.headless = r
	if !cfg.Headless.Promote {
		logger.Info("using headless retriever", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		return r, nil
	}
	logger.Info("using static retriever with headless promotion",
		zap.Int("max_parallel", cfg.Headless.MaxParallel),
		zap.Int("threshold", cfg.Headless.PromoteThreshold),
	)
	return promote.New(static, r, promote.NewHeuristic(cfg.Headless.PromoteThreshold), logger.Named("promote"))
}

func buildCrawler(ctx context.Context, cfg config.Config, deps *clients, logger *zap.Logger) (crawler.Crawler, error) {
	snapshot, err := buildSnapshot(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	store, err := cache.Open(ctx, snapshot, system.New(), logger.Named("cache"))
	if err != nil {
		return nil, err
	}
	retriever, err := buildRetriever(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	fetcher, err := cachedfetcher.New(store, retriever, cachedfetcher.Config{
		MaxInFlight: int64(cfg.Crawl.MaxInFlight),
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
		Limiter:     ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.PerHostRPS, Burst: cfg.HTTP.PerHostBurst}),
	}, logger.Named("fetcher"))
	if err != nil {
		return nil, err
	}
	extractor, err := goqueryextract.New(cfg.Extract)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(fetcher, extractor, orchestrator.Config{
		Workers:      cfg.Crawl.Workers,
		ChildTTLDays: cfg.Cache.DefaultTTLDays,
	}, logger.Named("orchestrator"))
}

func crawlOnce(ctx context.Context, cfg config.Config, crawl crawler.Crawler, stdout io.Writer, logger *zap.Logger) error {
	req := cfg.DefaultRequest()
	if req.URL == "" {
		return &crawler.ConfigError{Field: "crawl.root_url", Reason: "required unless -serve or -url is given"}
	}
	logger.Info("crawl started",
		zap.String("url", req.URL),
		zap.String("mode", string(req.Mode)),
		zap.Int("max_depth", req.MaxDepth),
	)
	root, err := crawl.Crawl(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	counters := crawler.Tally(root)
	logger.Info("crawl complete",
		zap.Int("records_done", counters.RecordsDone),
		zap.Int("records_failed", counters.RecordsFailed),
		zap.Int("records_stub", counters.RecordsStub),
	)
	return nil
}

func buildBlobStore(ctx context.Context, cfg config.Config, deps *clients) (crawler.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		return localStorage.New(localStorage.Config{BaseDir: cfg.Storage.BaseDir})
	case "gcs":
		client, err := deps.storage(ctx)
		if err != nil {
			return nil, err
		}
		return gcsStorage.New(client, gcsStorage.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return memoryStorage.NewBlobStore(), nil
	}
}

func buildRecordStore(ctx context.Context, cfg config.Config, deps *clients) (crawler.RecordStore, error) {
	if cfg.DB.DSN == "" {
		return nil, nil
	}
	store, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{DSN: cfg.DB.DSN, Table: cfg.DB.Table})
	if err != nil {
		return nil, err
	}
	deps.records = store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func buildPublisher(ctx context.Context, cfg config.Config, deps *clients) (crawler.Publisher, error) {
	if cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	deps.pubsub = client
	deps.publisher = pubsubpublisher.New(client)
	return deps.publisher, nil
}

func serve(ctx context.Context, cfg config.Config, crawl crawler.Crawler, deps *clients, logger *zap.Logger) error {
	blobStore, err := buildBlobStore(ctx, cfg, deps)
	if err != nil {
		return err
	}
	recordStore, err := buildRecordStore(ctx, cfg, deps)
	if err != nil {
		return err
	}
	publisher, err := buildPublisher(ctx, cfg, deps)
	if err != nil {
		return err
	}

	jobStore := memoryStorage.NewJobStore()
	queue := queueMemory.NewQueue(cfg.Crawl.QueueDepth)
	hasher := sha256.New()
	clock := system.New()

	workerCfg := worker.Config{
		BlobPrefix:  cfg.Storage.Prefix,
		Topic:       cfg.PubSub.TopicName,
		JobTimeout:  cfg.JobTimeout(),
		MaxAttempts: 2,
	}
	workers := make([]*worker.Worker, 0, cfg.Crawl.JobWorkers)
	for i := 0; i < cfg.Crawl.JobWorkers; i++ {
		workers = append(workers, worker.New(
			queue,
			jobStore,
			crawl,
			blobStore,
			recordStore,
			publisher,
			hasher,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)
	apiServer := api.NewServer(jobStore, dispatch, uuid.New(), clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutdown initiated")
	apiServer.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	<-dispatched
	logger.Info("shutdown complete")
	return runErr
}
