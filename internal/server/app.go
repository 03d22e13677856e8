// Package server provides the crawl-engine application and its dependency
// wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/api"
	"github.com/JakeFAU/crawl-engine/internal/clock/system"
	"github.com/JakeFAU/crawl-engine/internal/config"
	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/engine"
	collyfetcher "github.com/JakeFAU/crawl-engine/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-engine/internal/hash/sha256"
	"github.com/JakeFAU/crawl-engine/internal/id/uuid"
	bleveindex "github.com/JakeFAU/crawl-engine/internal/index/bleve"
	"github.com/JakeFAU/crawl-engine/internal/logging"
	"github.com/JakeFAU/crawl-engine/internal/parser"
	memorypublisher "github.com/JakeFAU/crawl-engine/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-engine/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/crawl-engine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-engine/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-engine/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-engine/internal/storage/postgres"
	"github.com/JakeFAU/crawl-engine/internal/urlstore"
)

const shutdownTimeout = 10 * time.Second

// document is what both index backends provide.
type document interface {
	crawler.Indexer
	crawler.DocumentReader
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	index     document
	bleve     *bleveindex.Index
	pg        *pgstore.DocumentStore
	storage   *storage.Client
	pubsub    *gcppublisher.Publisher
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	engine    *engine.CrawlEngine
	runID     string
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("log_path", cfg.Log.Path),
		zap.String("index_backend", cfg.Index.Backend),
		zap.String("snapshot_backend", cfg.Snapshots.Backend),
		zap.String("notify_backend", cfg.Notify.Backend),
	)
	return &App{cfg: cfg, logger: logger}
}

// Build creates the logger and the document index shared by every command.
// Crawl-only dependencies are created by RunCrawl.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := NewApp(cfg, logger)
	if err := setupIndex(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// StoreOptionsFor returns the URL store settings used when replaying the log
// described by cfg.
func StoreOptionsFor(cfg *config.Config) urlstore.Options {
	return urlstore.Options{RetryLimit: cfg.Crawler.RetryLimit, MaxPages: cfg.Crawler.MaxSites}
}

// Engine returns the crawl engine once RunCrawl has built it.
func (a *App) Engine() *engine.CrawlEngine {
	return a.engine
}

// RunCrawl builds the crawl pipeline, replays the log and crawls until the
// frontier drains (offline) or a stop signal arrives (online). With serve set
// the query API runs alongside the crawl and keeps serving after an offline
// crawl finishes, until a stop signal arrives.
func (a *App) RunCrawl(ctx context.Context, serve bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.setupCrawl(ctx); err != nil {
		return err
	}
	if err := a.engine.Open(ctx); err != nil {
		return fmt.Errorf("open crawl: %w", err)
	}

	var srv *http.Server
	if serve {
		srv = a.startHTTP(a.engine, stop)
	}

	a.logger.Info("crawl started", zap.String("mode", string(a.cfg.Crawler.Mode)))
	runErr := a.engine.Run(ctx)
	stats, _ := a.engine.Stats()
	a.logger.Info("crawl finished",
		zap.String("run_id", a.runID),
		zap.Duration("elapsed", a.elapsed()),
		zap.Int("discovered", stats.Discovered),
		zap.Int("indexed", stats.Indexed),
		zap.Int("permanently_failed", stats.PermanentlyFailed),
		zap.Int("retry_pending", stats.RetryPending),
		zap.Error(runErr),
	)

	if srv != nil {
		if runErr == nil && ctx.Err() == nil {
			a.logger.Info("crawl drained, still serving until stopped")
			<-ctx.Done()
		}
		a.shutdownHTTP(srv)
	}
	return runErr
}

func (a *App) elapsed() time.Duration {
	started, err := uuid.StartedAt(a.runID)
	if err != nil {
		return 0
	}
	return time.Since(started)
}

// Serve runs the read-only query API until a stop signal arrives. Stats are
// read by replaying the log on each request.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := a.startHTTP(NewLogStats(a.cfg.Log.Path, StoreOptionsFor(a.cfg), a.logger.Named("log_stats")), stop)
	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.shutdownHTTP(srv)
	return nil
}

func (a *App) apiServer(stats api.StatsSource) *api.Server {
	return api.NewServer(
		a.index,
		nil,
		stats,
		api.Options{
			RequestTimeout: a.cfg.Server.RequestTimeout,
		},
		a.logger.Named("api"),
	)
}

func (a *App) startHTTP(stats api.StatsSource, stop context.CancelFunc) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer(stats).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	return srv
}

func (a *App) shutdownHTTP(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
}

// Close releases every resource the app opened. It is safe to call after a
// partial Build.
func (a *App) Close() error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.bleve != nil {
		if err := a.bleve.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func setupIndex(ctx context.Context, app *App) error {
	cfg := app.cfg.Index
	switch cfg.Backend {
	case config.IndexPostgres:
		store, err := pgstore.NewDocumentStore(ctx, pgstore.DocumentStoreConfig{
			DSN:             cfg.DSN,
			Table:           cfg.Table,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("document store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fmt.Errorf("document store schema failed: %w", err)
		}
		app.pg = store
		app.index = store
		app.logger.Info("using postgres document index", zap.String("table", cfg.Table))
	default:
		idx, err := bleveindex.Open(cfg.Path, app.logger.Named("index"))
		if err != nil {
			return err
		}
		app.bleve = idx
		app.index = idx
		app.logger.Info("using bleve document index", zap.String("path", cfg.Path))
	}
	return nil
}

func (a *App) setupCrawl(ctx context.Context) error {
	if err := a.cfg.Crawler.Validate(); err != nil {
		return err
	}
	blobs, err := setupStorage(ctx, a)
	if err != nil {
		return err
	}
	a.blobs = blobs
	if a.publisher, err = setupPublisher(ctx, a); err != nil {
		return err
	}
	runID, err := uuid.New().NewID()
	if err != nil {
		return err
	}

	crawlCfg := a.cfg.Crawler
	hasher := sha256.New()
	deps := engine.Deps{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:   crawlCfg.UserAgent,
			Timeout:     crawlCfg.FetchTimeout,
			MaxBodySize: crawlCfg.MaxPageBytes,
		}),
		Parser:  parser.New(hasher),
		Indexer: a.index,
		Hasher:  hasher,
		Clock:   system.New(),
		Robots: crawler.NewRobotsEnforcer(
			crawlCfg.RespectRobots,
			crawlCfg.UserAgent,
			&http.Client{Timeout: crawlCfg.FetchTimeout},
			a.logger.Named("robots"),
		),
		Snapshots: blobs,
		Publisher: a.publisher,
	}
	a.engine, err = engine.New(crawlCfg, engine.Options{
		LogPath:        a.cfg.Log.Path,
		MaxRecordBytes: a.cfg.Log.MaxRecordBytes,
		RunID:          runID,
		Topic:          a.cfg.Notify.Topic,
	}, deps, a.logger.Named("engine"))
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	a.runID = runID
	a.logger.Info("crawl pipeline built",
		zap.String("run_id", runID),
		zap.Int("workers", crawlCfg.WorkerCount),
		zap.Int("max_sites", crawlCfg.MaxSites),
		zap.Int("max_depth", crawlCfg.MaxDepth),
		zap.Bool("respect_robots", crawlCfg.RespectRobots),
	)
	return nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg.Snapshots
	switch cfg.Backend {
	case config.SnapshotGCS:
		app.logger.Info("using GCS snapshot backend", zap.String("bucket", cfg.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.SnapshotLocal:
		app.logger.Info("using local snapshot backend", zap.String("dir", cfg.Dir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory snapshot backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	cfg := app.cfg.Notify
	switch cfg.Backend {
	case config.NotifyPubSub:
		pub, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID:  cfg.ProjectID,
			Attributes: map[string]string{"source": "crawl-engine"},
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.pubsub = pub
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return pub, nil
	case config.NotifyMemory:
		app.logger.Info("using in-memory publisher")
		return memorypublisher.New(0, app.logger.Named("notify")), nil
	default:
		return nil, nil
	}
}
