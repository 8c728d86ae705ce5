package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/soaringjerry/Sylva/internal/api"
	"github.com/soaringjerry/Sylva/internal/blob"
	"github.com/soaringjerry/Sylva/internal/config"
	"github.com/soaringjerry/Sylva/internal/db"
	"github.com/soaringjerry/Sylva/internal/middleware"
	"github.com/soaringjerry/Sylva/internal/queue"
	"github.com/soaringjerry/Sylva/internal/services"
	"github.com/soaringjerry/Sylva/internal/utils"
	"github.com/soaringjerry/Sylva/internal/worker"
)

// Set with -ldflags at build time; SYLVA_COMMIT / SYLVA_BUILD_TIME win.
var (
	commit    = "dev"
	buildTime = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sylva",
		Short:         "Research data export server and Forest task runner",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	config.BindFlags(root.PersistentFlags())
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newAPIKeyCmd(),
		newTokenCmd(),
		newBootstrapCmd(),
		newIngestCmd(),
		newExportCmd(),
	)
	return root
}

// loadConfig resolves settings and configures logging for a command.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// workQueue is the Forest queue as the server sees it.
type workQueue interface {
	services.WorkQueue
	api.QueueDepth
}

// app wires storage and services for the commands that need them.
type app struct {
	cfg     *config.Config
	store   *db.SQLiteStore
	blobs   blob.Store
	queue   workQueue
	creds   *services.CredentialService
	filter  *services.FilterService
	locator *services.Locator
	export  *services.ExportService
	tasklog *services.TaskLogService
	forest  *services.ForestService
	auth    *middleware.Auth
	close   func() error
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	conn, err := db.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	store, err := db.NewSQLiteStore(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	applied, err := db.RunMigrations(ctx, conn, cfg.MigrationsDir)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if len(applied) > 0 {
		logrus.WithField("migrations", applied).Info("applied migrations")
	}
	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	var q workQueue = queue.NewSQLiteQueue(conn, cfg.Forest.Lease)
	if cfg.Forest.Queue == "memory" {
		logrus.Warn("using the in-memory forest queue; queued tasks are lost on restart")
		q = queue.NewMemoryQueue(cfg.Forest.Lease)
	}
	tasklog := services.NewTaskLogService(store)
	if cfg.JWTSecret == config.DevJWTSecret {
		logrus.Warn("using the development JWT secret; set SYLVA_JWT_SECRET")
	}
	return &app{
		cfg:     cfg,
		store:   store,
		blobs:   blobs,
		queue:   q,
		creds:   services.NewCredentialService(store),
		filter:  services.NewFilterService(store),
		locator: services.NewLocator(store, cfg.Export.PageSize),
		export:  services.NewExportService(blobs),
		tasklog: tasklog,
		forest:  services.NewForestService(store, q, tasklog),
		auth:    middleware.NewAuth(cfg.JWTSecret),
		close:   conn.Close,
	}, nil
}

func openBlobs(ctx context.Context, c config.BlobConfig) (blob.Store, error) {
	switch c.Backend {
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Options{Bucket: c.Bucket, Region: c.Region, Endpoint: c.Endpoint, Prefix: c.Prefix})
	default:
		return blob.NewFSStore(c.Dir)
	}
}

func (a *app) router() *api.Router {
	return api.NewRouter(api.Deps{
		Credentials: a.creds,
		Filter:      a.filter,
		Locator:     a.locator,
		Export:      a.export,
		Forest:      a.forest,
		TaskLog:     a.tasklog,
		Blobs:       a.blobs,
		Queue:       a.queue,
		Auth:        a.auth,
		Commit:      utils.FirstEnv(commit, "SYLVA_COMMIT", "GIT_COMMIT"),
		BuildTime:   utils.SafeEnv("SYLVA_BUILD_TIME", buildTime),
	})
}

func (a *app) pool() *worker.Pool {
	return worker.NewPool(worker.Config{
		Workers:      a.cfg.Forest.Workers,
		TaskTimeout:  a.cfg.Forest.TaskTimeout,
		PollInterval: a.cfg.Forest.PollInterval,
	}, a.queue, a.forest, worker.NewRunners(a.locator, a.blobs, a.cfg.Forest.OutputPrefix))
}

// withApp loads config, opens the app and closes it when run returns.
func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil {
			logrus.WithError(cerr).Warn("close database")
		}
	}()
	return run(cmd.Context(), a)
}
