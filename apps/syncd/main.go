package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	integrationsrepo "github.com/Mythidas/mspbyte-sync/domains/integrations/be/repo"
	integrationsservice "github.com/Mythidas/mspbyte-sync/domains/integrations/be/service"
	synchandler "github.com/Mythidas/mspbyte-sync/domains/sync/be/handler"
	"github.com/Mythidas/mspbyte-sync/domains/sync/be/msgraph"
	syncservice "github.com/Mythidas/mspbyte-sync/domains/sync/be/service"
	"github.com/Mythidas/mspbyte-sync/domains/sync/be/sophos"
	platformlogging "github.com/Mythidas/mspbyte-sync/platform/go/logging"
	platformmiddleware "github.com/Mythidas/mspbyte-sync/platform/go/middleware"
	"github.com/Mythidas/mspbyte-sync/platform/go/persistence"
	"github.com/Mythidas/mspbyte-sync/platform/go/secrets"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10m"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	SecretsKey      string        `env:"SECRETS_KEY,required"` // 32-byte hex AES key
	CronSecret      string        `env:"CRON_SECRET,required"`

	TokenRefreshBuffer time.Duration `env:"SOPHOS_TOKEN_REFRESH_BUFFER" envDefault:"5m"`
	MaxConcurrent      int           `env:"SYNC_MAX_CONCURRENT" envDefault:"4"`
	MaxAttempts        int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"5"`
	RetryBackoff       time.Duration `env:"SYNC_RETRY_BACKOFF" envDefault:"1m"`
	StaleAfter         time.Duration `env:"SYNC_STALE_AFTER" envDefault:"30m"`
	ClaimLimit         int           `env:"SYNC_CLAIM_LIMIT" envDefault:"20"`
}

func main() {
	ctx := context.Background()

	// Missing .env is fine in deployed environments.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "sync-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := persistence.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	cipher, err := secrets.NewCipher(cfg.SecretsKey)
	if err != nil {
		logger.Fatal("init secrets cipher", zap.Error(err))
	}

	integrationStore, err := persistence.NewIntegrationStore(pool)
	if err != nil {
		logger.Fatal("init integration store", zap.Error(err))
	}
	jobStore, err := persistence.NewJobStore(pool)
	if err != nil {
		logger.Fatal("init job store", zap.Error(err))
	}
	metricStore, err := persistence.NewMetricStore(pool)
	if err != nil {
		logger.Fatal("init metric store", zap.Error(err))
	}

	mirrorStore := func(table string) *persistence.MirrorStore {
		store, err := persistence.NewMirrorStore(pool, table)
		if err != nil {
			logger.Fatal("init mirror store", zap.String("table", table), zap.Error(err))
		}
		return store
	}

	integrationRepo := integrationsrepo.NewPostgresRepository(integrationStore)
	integrationSvc := integrationsservice.New(integrationRepo, cipher, logger)

	runnerCfg := sophos.RunnerConfig{TokenRefreshBuffer: cfg.TokenRefreshBuffer}
	sophosRunner := sophos.NewRunner(
		sophos.NewClient(),
		integrationSvc,
		mirrorStore(persistence.SitesTable),
		mirrorStore(persistence.DevicesTable),
		metricStore,
		jobStore,
		logger,
		runnerCfg,
	)
	graphRunner := msgraph.NewRunner(
		msgraph.NewClient(),
		integrationSvc,
		mirrorStore(persistence.IdentitiesTable),
		mirrorStore(persistence.LicensesTable),
		mirrorStore(persistence.PoliciesTable),
		metricStore,
		jobStore,
		logger,
		msgraph.RunnerConfig{TokenRefreshBuffer: cfg.TokenRefreshBuffer},
	)

	syncSvc := syncservice.New(
		jobStore,
		integrationSvc,
		[]syncservice.Runner{sophosRunner, graphRunner},
		logger,
		syncservice.Config{
			MaxConcurrent: cfg.MaxConcurrent,
			MaxAttempts:   cfg.MaxAttempts,
			BackoffBase:   cfg.RetryBackoff,
			StaleAfter:    cfg.StaleAfter,
			ClaimLimit:    cfg.ClaimLimit,
		},
	)
	syncHTTPHandler := synchandler.New(syncSvc, logger)

	rootRouter := chi.NewRouter()
	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
	)
	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Handle("/metrics", promhttp.Handler())

	syncValidator := mustNewSpecValidator(logger, "contracts/sync.yaml", cfg.CronSecret)
	rootRouter.Group(func(r chi.Router) {
		r.Use(syncValidator)
		syncHTTPHandler.Register(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting sync server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// mustNewSpecValidator loads the OpenAPI document and builds oapi-codegen
// validator middleware enforcing the cron bearer secret.
func mustNewSpecValidator(logger *zap.Logger, path, cronSecret string) func(http.Handler) http.Handler {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	absPath, err := filepath.Abs(path)
	if err != nil {
		logger.Fatal("resolve spec path", zap.String("path", path), zap.Error(err))
	}

	baseDir := filepath.Dir(absPath)
	loader.ReadFromURIFunc = func(loader *openapi3.Loader, ref *url.URL) ([]byte, error) {
		if ref == nil {
			return nil, errors.New("nil reference URI")
		}
		if ref.IsAbs() {
			if ref.Scheme == "file" {
				return os.ReadFile(ref.Path)
			}
			return nil, fmt.Errorf("unsupported reference scheme %q", ref.String())
		}

		refPath := filepath.Clean(ref.Path)
		if refPath == "" {
			return nil, fmt.Errorf("empty reference path for %q", ref.String())
		}
		return os.ReadFile(filepath.Join(baseDir, refPath))
	}

	spec, err := loader.LoadFromFile(absPath)
	if err != nil {
		logger.Fatal("load openapi spec", zap.String("path", path), zap.Error(err))
	}

	return oapimiddleware.OapiRequestValidatorWithOptions(spec, &oapimiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: platformmiddleware.CronSecretAuthenticator(cronSecret),
		},
	})
}
