package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/artifacts"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/dispatch"
	"github.com/animus-labs/conveyor/internal/execution/governor"
	"github.com/animus-labs/conveyor/internal/execution/scheduler"
	"github.com/animus-labs/conveyor/internal/pipelinespec"
	"github.com/animus-labs/conveyor/internal/platform/auditlog"
	"github.com/animus-labs/conveyor/internal/platform/auth"
	"github.com/animus-labs/conveyor/internal/platform/httpserver"
	"github.com/animus-labs/conveyor/internal/platform/metrics"
	platformstore "github.com/animus-labs/conveyor/internal/platform/objectstore"
	"github.com/animus-labs/conveyor/internal/platform/postgres"
	"github.com/animus-labs/conveyor/internal/repo"
	"github.com/animus-labs/conveyor/internal/repo/memory"
	repopg "github.com/animus-labs/conveyor/internal/repo/postgres"
	"github.com/animus-labs/conveyor/internal/runtimeexec"
	"github.com/animus-labs/conveyor/internal/service/runs"
	store "github.com/animus-labs/conveyor/internal/storage/objectstore"
	"github.com/animus-labs/conveyor/internal/vcs"
)

const serviceName = "orchestrator"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName, "ORCHESTRATOR", ":8080")
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	schedCfg, err := schedulerConfigFromEnv()
	if err != nil {
		logger.Error("invalid scheduler config", "error", err)
		os.Exit(2)
	}
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid artifact store config", "error", err)
		os.Exit(2)
	}
	agentCfg, err := runtimeexec.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid agent config", "error", err)
		os.Exit(2)
	}
	vcsCfg, err := vcs.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid vcs config", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	stores, db, err := openStores(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	objectStore, storeChecks, err := openObjectStore(ctx, storeCfg)
	if err != nil {
		logger.Error("artifact store unavailable", "error", err)
		os.Exit(1)
	}
	blobs, err := artifacts.NewBlobStore(objectStore, storeCfg.BucketArtifacts, stores.manifests)
	if err != nil {
		logger.Error("artifact store unavailable", "error", err)
		os.Exit(1)
	}

	catalog, err := pipelinespec.NewCatalog(schedCfg.PipelinesDir, logger)
	if err != nil {
		logger.Error("pipeline catalog invalid", "dir", schedCfg.PipelinesDir, "error", err)
		os.Exit(2)
	}

	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		logger.Error("authenticator unavailable", "mode", authCfg.Mode, "error", err)
		os.Exit(1)
	}

	runner, err := dispatch.NewRunner(ctx, blobs, logger, dispatch.Config{
		WorkspaceRoot:  schedCfg.WorkspaceDir,
		KeepWorkspaces: schedCfg.KeepWorkspaces,
		StageTimeout:   schedCfg.StageTimeout,
	})
	if err != nil {
		logger.Error("invalid dispatcher config", "error", err)
		os.Exit(2)
	}
	defer runner.Wait()

	pool := agents.NewPool()
	gov := governor.New()
	sched, err := scheduler.New(pool, gov, runner, logger, scheduler.Config{
		CapabilityTimeout: schedCfg.CapabilityTimeout,
		ArchiveLimit:      schedCfg.ArchiveLimit,
	})
	if err != nil {
		logger.Error("invalid scheduler config", "error", err)
		os.Exit(2)
	}

	built, err := runtimeexec.BuildAgents(ctx, agentCfg)
	if err != nil {
		logger.Error("agents unavailable", "error", err)
		os.Exit(1)
	}
	for _, a := range built {
		if err := sched.RegisterAgent(a); err != nil {
			logger.Error("agent registration failed", "agent_id", a.ID(), "error", err)
			os.Exit(1)
		}
		logger.Info("agent registered", "agent_id", a.ID(), "kind", a.Kind())
	}

	recorder := metrics.New()
	if err := recorder.Register(metrics.NewGovernorCollector(gov)); err != nil {
		logger.Error("metrics registration failed", "error", err)
		os.Exit(1)
	}
	sched.Observe(recorder.SchedulerObserver())

	opts := runs.Options{ServiceName: serviceName, Logger: logger}
	if db != nil {
		opts.Audit = auditlog.SQL(db)
	}
	svc, err := runs.New(catalog, sched, stores.runs, stores.plans, opts)
	if err != nil {
		logger.Error("run service unavailable", "error", err)
		os.Exit(1)
	}
	sched.Observe(svc.Observer())

	router := chi.NewRouter()
	router.Use(recorder.Middleware)
	router.Get("/healthz", httpserver.Healthz(serviceName))
	router.Get("/readyz", httpserver.ReadyzWithChecks(serviceName, readinessChecks(db, pool, storeChecks...)...))
	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	newOrchestratorAPI(logger, svc, catalog, pool, gov).register(router)

	middleware := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.RouteAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
	}
	if db != nil {
		middleware.Audit = func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, serviceName, event)
		}
	}
	handler := middleware.Wrap(router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, logger, httpCfg, httpserver.Wrap(logger, serviceName, handler))
	})
	g.Go(func() error {
		return ignoreCanceled(sched.Run(gctx, schedCfg.SweepInterval))
	})
	g.Go(func() error {
		return ignoreCanceled(catalog.Watch(gctx, schedCfg.ReloadDelay))
	})
	if vcsCfg.Enabled {
		source, err := vcs.OpenGitSource(ctx, vcsCfg)
		if err != nil {
			logger.Error("vcs source unavailable", "url", vcsCfg.URL, "error", err)
			os.Exit(1)
		}
		poller := vcs.NewPoller(source, logger)
		g.Go(func() error {
			return ignoreCanceled(poller.Run(gctx, vcsCfg.PollInterval, func(ctx context.Context, ev domain.RevisionEvent) {
				svc.HandleRevisionEvent(ctx, ev)
			}))
		})
	}

	logger.Info("orchestrator starting",
		"addr", httpCfg.Addr,
		"store", dbCfg.Backend,
		"artifact_backend", storeCfg.Backend,
		"pipelines", len(catalog.List()),
		"agents", len(built),
		"vcs", vcsCfg.Enabled,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("orchestrator failed", "error", err)
		os.Exit(1)
	}
}

type runStores struct {
	runs      repo.RunRepository
	plans     repo.PlanRepository
	manifests repo.ManifestRepository
}

func openStores(ctx context.Context, cfg postgres.Config) (runStores, *sql.DB, error) {
	if !cfg.Enabled() {
		return runStores{
			runs:      memory.NewRunStore(),
			plans:     memory.NewPlanStore(),
			manifests: memory.NewManifestStore(),
		}, nil, nil
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return runStores{}, nil, err
	}
	if err := postgres.Migrate(ctx, db, repopg.Schema()...); err != nil {
		_ = db.Close()
		return runStores{}, nil, err
	}
	return runStores{
		runs:      repopg.NewRunStore(db),
		plans:     repopg.NewPlanStore(db),
		manifests: repopg.NewManifestStore(db),
	}, db, nil
}

// openObjectStore returns the artifact backend and, for MinIO, a readiness
// check on its bucket.
func openObjectStore(ctx context.Context, cfg platformstore.Config) (store.Store, []httpserver.ReadinessCheck, error) {
	if cfg.Backend == platformstore.BackendFile {
		fileStore, err := store.NewFileStore(cfg.Dir)
		return fileStore, nil, err
	}
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := platformstore.PrepareArtifactBucket(ctx, client, cfg); err != nil {
		return nil, nil, err
	}
	minioStore, err := store.NewMinioStore(client)
	if err != nil {
		return nil, nil, err
	}
	check := httpserver.ReadinessCheck{
		Name: "artifacts",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return platformstore.CheckArtifactBucket(checkCtx, client, cfg.BucketArtifacts)
		},
	}
	return minioStore, []httpserver.ReadinessCheck{check}, nil
}

func readinessChecks(db *sql.DB, pool *agents.Pool, extra ...httpserver.ReadinessCheck) []httpserver.ReadinessCheck {
	checks := []httpserver.ReadinessCheck{
		{
			Name: "agents",
			Check: func(context.Context) error {
				if len(pool.Snapshot()) == 0 {
					return errors.New("no agents registered")
				}
				return nil
			},
		},
	}
	if db != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
	}
	return append(checks, extra...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
