// Command shipgate-server runs the delivery governance control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	wfclient "github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"
	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/spf13/cobra"

	"github.com/shipgate/shipgate-server/internal/application"
	"github.com/shipgate/shipgate-server/internal/config"
	"github.com/shipgate/shipgate-server/internal/domain"
	"github.com/shipgate/shipgate-server/internal/infrastructure/dbosworkflows"
	"github.com/shipgate/shipgate-server/internal/infrastructure/enginehttp"
	"github.com/shipgate/shipgate-server/internal/infrastructure/goworkflows"
	"github.com/shipgate/shipgate-server/internal/infrastructure/httpapi"
	"github.com/shipgate/shipgate-server/internal/infrastructure/runtimeflags"
	"github.com/shipgate/shipgate-server/internal/infrastructure/sqlite"
	"github.com/shipgate/shipgate-server/internal/infrastructure/syncworkflow"
	"github.com/shipgate/shipgate-server/internal/infrastructure/tokencache"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "shipgate-server",
		Short:        "Delivery governance control plane",
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	table, err := config.LoadRecipeTable(cfg.RecipeFile)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	records := &sqlite.RecordRepo{DB: db}

	var flags domain.RuntimeFlags = domain.StaticFlags{
		KillSwitch: cfg.KillSwitch,
		Demo:       cfg.DemoMode,
	}
	if cfg.FlagsFile != "" {
		watched, err := runtimeflags.Watch(cfg.FlagsFile, logger)
		if err != nil {
			return err
		}
		defer watched.Close()
		flags = watched
	}

	var engine domain.EngineClient
	if cfg.EngineBaseURL != "" {
		tokens := tokencache.New(cfg.EngineTokenURL, cfg.EngineClientID, cfg.EngineClientSecret)
		tokens.Audience = cfg.EngineAudience
		tokens.RefreshBuffer = cfg.TokenRefreshBuffer
		engine = enginehttp.New(cfg.EngineBaseURL, tokens)
	} else {
		logger.Warn("no engine configured, dispatches require demo mode")
		engine = unconfiguredEngine{}
	}

	lifecycle := &application.LifecycleService{
		Records:      records,
		Logger:       logger,
		AutoRollback: cfg.AutoRollback,
	}
	dispatcher := &application.Dispatcher{
		Records: records,
		Engine:  engine,
		Flags:   flags,
		Links:   lifecycle,
		Logger:  logger,
	}

	rollbackWF := &domain.RollbackWorkflow{
		Records:    records,
		Dispatcher: dispatcher,
		Engine:     engine,
		Lifecycle:  lifecycle,
	}
	rollbacks, cleanup, err := buildRollbackRunner(ctx, cfg, rollbackWF)
	if err != nil {
		return err
	}
	defer cleanup()
	lifecycle.Rollbacks = rollbacks

	governance := &application.GovernanceService{
		Flags: flags,
		Rates: &domain.RateLimiter{
			ReadLimit:   cfg.ReadRateLimit,
			MutateLimit: cfg.MutateRateLimit,
			Window:      cfg.RateWindow,
		},
		Quotas:     &domain.QuotaLedger{Limits: cfg.QuotaLimits()},
		Recipes:    domain.RecipeResolver{Table: table},
		Dispatcher: dispatcher,
		Records:    records,
		Lifecycle:  lifecycle,
		Logger:     logger,
	}
	status := &application.StatusService{
		Records:   records,
		Rates:     governance.Rates,
		Quotas:    governance.Quotas,
		Flags:     flags,
		Lifecycle: lifecycle,
	}

	handlers := &httpapi.Handlers{Governance: governance, Status: status, Lifecycle: lifecycle}
	router := httpapi.NewRouter(handlers, httpapi.Config{
		JWTSecret:      []byte(cfg.JWTSecret),
		CallbackSecret: cfg.CallbackSecret,
	}, logger)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildRollbackRunner selects the workflow backend for auto-rollback.
func buildRollbackRunner(ctx context.Context, cfg config.Config, wf *domain.RollbackWorkflow) (domain.RollbackRunner, func(), error) {
	switch cfg.WorkflowEngine {
	case "sync", "":
		engine := &syncworkflow.Engine{}
		runner, err := engine.RollbackRunner(wf)
		return runner, func() {}, err

	case "goworkflows":
		backend := wfsqlite.NewInMemoryBackend()
		w := worker.New(backend, nil)
		engine := &goworkflows.Engine{Worker: w, Client: wfclient.New(backend)}
		runner, err := engine.RollbackRunner(wf)
		if err != nil {
			return nil, nil, err
		}
		workerCtx, cancel := context.WithCancel(ctx)
		if err := w.Start(workerCtx); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("start workflow worker: %w", err)
		}
		cleanup := func() {
			cancel()
			_ = w.WaitForCompletion()
		}
		return runner, cleanup, nil

	case "dbos":
		if cfg.DBOSDatabaseURL == "" {
			return nil, nil, errors.New("SHIPGATE_DBOS_DATABASE_URL is required for the dbos workflow engine")
		}
		dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
			AppName:     "shipgate-server",
			DatabaseURL: cfg.DBOSDatabaseURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create DBOS context: %w", err)
		}
		engine := &dbosworkflows.Engine{DBOSCtx: dbosCtx}
		runner, err := engine.RollbackRunner(wf)
		if err != nil {
			return nil, nil, err
		}
		if err := dbos.Launch(dbosCtx); err != nil {
			return nil, nil, fmt.Errorf("launch DBOS: %w", err)
		}
		cleanup := func() { dbos.Shutdown(dbosCtx, 5*time.Second) }
		return runner, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown workflow engine %q", cfg.WorkflowEngine)
	}
}

// unconfiguredEngine rejects every dispatch. Used when no engine URL is
// configured so demo mode remains usable.
type unconfiguredEngine struct{}

func (unconfiguredEngine) TriggerPipeline(context.Context, domain.DispatchRequest) (domain.RunID, error) {
	return "", &domain.DispatchError{Err: errors.New("no deployment engine configured")}
}

func (unconfiguredEngine) RunStatus(context.Context, domain.RunID) (domain.RunStatus, error) {
	return domain.RunStatus{}, errors.New("no deployment engine configured")
}
