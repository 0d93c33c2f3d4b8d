package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"photoflow/internal/cache"
	"photoflow/internal/config"
	"photoflow/internal/engine"
	"photoflow/internal/prompt"
	"photoflow/internal/services"
	"photoflow/internal/storage"
	"photoflow/internal/store"
	"photoflow/internal/store/lite"
	"photoflow/internal/store/memory"
	"photoflow/internal/store/primary"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus" // Use logrus
)

// Store is what every database driver provides.
type Store interface {
	store.TaskStore
	store.CreditLedger
}

// Migrator is implemented by stores whose schema is applied on demand.
type Migrator interface {
	Migrate(ctx context.Context) error
}

type App struct {
	Config *config.Config

	Store     Store
	Artifacts store.ArtifactStore
	Fetcher   store.Fetcher
	Inference *services.FallbackInferenceService
	JobClient store.JobClient // nil without Redis
	Redis     *redis.Client   // nil without Redis
	TaskCache *cache.RedisTaskCache

	Engine        *engine.Engine
	CreditService *services.CreditService
	TaskService   *services.TaskService

	closers []func()
}

// ConfigureLogging applies log.level and log.format.
func ConfigureLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.Log.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if strings.EqualFold(cfg.Log.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func NewApp(cfg *config.Config) (*App, error) {
	ctx := context.Background()
	app := &App{Config: cfg}

	if err := app.initStore(ctx); err != nil {
		return nil, err
	}
	if err := app.initStorage(); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.initInferenceService(); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.initRedis(); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.initEngine(); err != nil {
		app.Close()
		return nil, err
	}
	app.initCoreServices()

	log.Println("Application initialization complete.")
	return app, nil
}

// --- Private Helper Methods ---

func (a *App) initStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Database.Driver {
	case "postgres":
		ps, err := primary.NewPrimaryStore(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("init primary store: %w", err)
		}
		a.Store = ps
		a.closers = append(a.closers, ps.Close)
	case "sqlite":
		ls, err := lite.Open(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("init sqlite store: %w", err)
		}
		a.Store = ls
		a.closers = append(a.closers, func() {
			if err := ls.Close(); err != nil {
				log.Errorf("Error closing sqlite store: %v", err)
			}
		})
	case "memory":
		log.Warn("Using the in-memory task store; tasks are lost on exit.")
		a.Store = memory.New()
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	log.Infof("Task store initialized (driver %s)", cfg.Database.Driver)
	return nil
}

func (a *App) initStorage() error {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case "memory":
		a.Artifacts = storage.NewMemStore(cfg.Storage.PublicBaseURL)
	default:
		fs, err := storage.NewFSStore(cfg.Storage.Root, cfg.Storage.PublicBaseURL)
		if err != nil {
			return fmt.Errorf("init artifact storage: %w", err)
		}
		a.Artifacts = fs
	}
	a.Fetcher = storage.NewHTTPFetcher(cfg.Storage.FetchTimeout, cfg.Storage.MaxDownloadBytes)
	return nil
}

// newProvider builds one named inference provider.
func (a *App) newProvider(name string) (services.InferenceProvider, error) {
	cfg := a.Config.Inference
	switch name {
	case "openai":
		return services.NewOpenAIImageProvider(cfg.OpenaiApiKey, cfg.OpenaiModel, cfg.ImageSize)
	case "gemini":
		p, err := services.NewGeminiImageProvider(cfg.GoogleApiKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := p.Close(); err != nil {
				log.Printf("Error closing Gemini client: %v", err)
			}
		})
		return p, nil
	case "noop":
		return services.NewNoopInferenceService(), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", name)
	}
}

func (a *App) initInferenceService() error {
	cfg := a.Config.Inference
	var providers []services.InferenceProvider
	seen := make(map[string]bool)
	for _, name := range append([]string{cfg.Provider}, cfg.Fallback...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		p, err := a.newProvider(name)
		if err != nil {
			log.Printf("WARN: Failed to initialize %s inference provider: %v", name, err)
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return fmt.Errorf("no inference providers could be initialized")
	}

	retryStrategy := &services.SimpleRetryStrategy{MaxAttempts: cfg.MaxAttempts, BaseDelayMs: cfg.RetryDelayMs}
	svc, err := services.NewFallbackInferenceService(providers, retryStrategy)
	if err != nil {
		return fmt.Errorf("init inference service: %w", err)
	}
	a.Inference = svc
	return nil
}

// RedisOpt returns the asynq connection options for the configured Redis.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func (a *App) initRedis() error {
	cfg := a.Config
	if !cfg.RedisEnabled() {
		log.Info("No Redis address configured; inference results are reconciled in-process.")
		return nil
	}
	jc, err := store.NewAsynqJobClient(RedisOpt(cfg), cfg.Engine.MaxCallbackPayload)
	if err != nil {
		return fmt.Errorf("init job client: %w", err)
	}
	a.JobClient = jc
	a.closers = append(a.closers, func() {
		if err := jc.Close(); err != nil {
			log.Errorf("Error closing job client: %v", err)
		}
	})

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	rc := a.Redis
	a.closers = append(a.closers, func() { _ = rc.Close() })
	if cfg.Cache.Enabled {
		a.TaskCache = cache.NewRedisTaskCache(a.Redis, cfg.Cache.TTL)
	}
	return nil
}

// EngineOptions maps the engine config section onto engine.Options.
func EngineOptions(cfg *config.Config) engine.Options {
	e := cfg.Engine
	return engine.Options{
		MaxRetries:         e.MaxRetries,
		BaseDelay:          e.BaseDelay,
		BatchSize:          e.BatchSize,
		InferenceTimeout:   e.InferenceTimeout,
		StaleGrace:         e.StaleGrace,
		MaxCallbackPayload: e.MaxCallbackPayload,
		CompleteOnCallback: e.CompleteOnCallback,
	}
}

func (a *App) initEngine() error {
	templates, err := a.Config.PromptTemplates()
	if err != nil {
		return fmt.Errorf("load prompt templates: %w", err)
	}
	deps := engine.Deps{
		Tasks:     a.Store,
		Ledger:    a.Store,
		Artifacts: a.Artifacts,
		Fetcher:   a.Fetcher,
		Inference: a.Inference,
		Prompts:   prompt.NewBuilder(templates, a.Config.Prompts.MaxChars),
	}
	if a.JobClient != nil {
		deps.Results = a.JobClient
	}
	eng, err := engine.New(deps, EngineOptions(a.Config))
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	a.Engine = eng
	return nil
}

func (a *App) initCoreServices() {
	a.CreditService = services.NewCreditService(a.Store, a.Config.Prices())
	var taskCache services.TaskCache
	if a.TaskCache != nil {
		taskCache = a.TaskCache
	}
	a.TaskService = services.NewTaskService(a.Store, a.CreditService, a.Engine, taskCache)
}

// Migrate applies the database schema when the store needs it.
func (a *App) Migrate(ctx context.Context) error {
	m, ok := a.Store.(Migrator)
	if !ok {
		log.Infof("Driver %s applies its schema on open; nothing to migrate.", a.Config.Database.Driver)
		return nil
	}
	return m.Migrate(ctx)
}

// Health reports the state of each backing dependency.
func (a *App) Health(ctx context.Context) map[string]string {
	checks := map[string]string{}
	checks["database"] = statusOf(a.Store.Ping(ctx))
	if a.Redis != nil {
		checks["redis"] = statusOf(a.Redis.Ping(ctx).Err())
	}
	if a.Inference != nil {
		if a.Inference.Status() == store.ProviderStatusActive {
			checks["inference"] = "ok"
		} else {
			checks["inference"] = "no active provider (" + a.Inference.Name() + ")"
		}
	}
	return checks
}

func statusOf(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

// Close waits for in-flight inference calls and releases every resource in
// reverse order of acquisition.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
