package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/warden/internal/auth"
	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/engine"
	"github.com/jkaninda/warden/internal/lock"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/sandbox"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/storage"
	pgstore "github.com/jkaninda/warden/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/warden/internal/storage/sqlite"
	"github.com/jkaninda/warden/internal/validate"
)

// Components holds the initialized subsystems of one warden process. Built
// by initComponents, torn down by Cleanup.
type Components struct {
	Config    *config.Config
	Logger    *slog.Logger
	Obs       *observability.Observability
	Events    *security.EventLogger
	Store     storage.EventStore // nil when the metrics store could not be opened.
	Validator *validate.Validator
	Gate      *security.Gate
	Selector  *sandbox.Selector
	Engine    *engine.Engine
	Lock      *lock.InstanceLock

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// initOptions selects what initComponents builds.
type initOptions struct {
	mode         string // Single-instance lock mode.
	jsonLogs     bool
	requireStore bool // Fail instead of running without the metrics store.
}

// loadConfig reads the config from --config, WARDEN_CONFIG or the default path.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("WARDEN_CONFIG", configPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newLogger(jsonLogs bool) *slog.Logger {
	level := slog.LevelInfo
	if debugLog || strings.EqualFold(goutils.Env("WARDEN_LOG_LEVEL", ""), "debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initComponents performs the initialization shared by every command that
// runs requests. Callers must call c.Cleanup() when done.
func initComponents(ctx context.Context, opts initOptions) (*Components, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts.jsonLogs)
	c := &Components{Config: cfg, Logger: logger}

	// Observability.
	obs, err := observability.New(ctx, cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Security event log.
	events := security.NewEventLogger(security.LoggerConfig{
		SystemDir:      cfg.Security.SystemLogDir,
		UserDir:        cfg.Security.UserLogDir,
		Window:         cfg.RateLimitWindow(),
		MaxEvents:      cfg.Security.RateLimitMaxEvents,
		DedupInterval:  cfg.DedupInterval(),
		MaxFieldLength: cfg.Security.MaxFieldLength,
		Logger:         logger,
	})
	if m := obs.MetricsOrNil(); m != nil {
		events.WithObserver(m)
	}
	c.Events = events
	c.addCleanup(func() {
		events.Flush(context.Background())
		if err := events.Close(); err != nil {
			logger.Error("closing security event log", slog.String("error", err.Error()))
		}
	})
	obs.AnomalyOrNil().SetRecorder(events)

	// Security metrics store. The event log stays authoritative; without a
	// store one-shot commands still run.
	store, err := initStore(ctx, cfg, logger)
	switch {
	case err != nil && opts.requireStore:
		c.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	case err != nil:
		logger.Warn("security metrics store unavailable", slog.String("error", err.Error()))
	default:
		c.Store = store
		events.WithMirror(store)
		c.addCleanup(func() {
			// Pending window summaries still reach the mirror.
			events.Flush(context.Background())
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
	}

	// Single-instance lock.
	if opts.mode != "" {
		l, err := lock.Acquire(ctx, opts.mode, lock.Options{Dir: cfg.Lock.Dir, Recorder: events})
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.Lock = l
		c.addCleanup(func() {
			if err := l.Release(); err != nil {
				logger.Warn("releasing instance lock", slog.String("error", err.Error()))
			}
		})
	}

	// Engine.
	if err := c.initEngine(); err != nil {
		c.Cleanup()
		return nil, err
	}
	return c, nil
}

func (c *Components) initEngine() error {
	cfg := c.Config

	c.Validator = newValidator(cfg)
	c.Gate = security.NewGate(buildPolicy(cfg))

	overrides, err := profileOverrides(cfg.Security.ProfileOverrides)
	if err != nil {
		return err
	}
	c.Selector = sandbox.NewSelector(sandbox.SelectorConfig{
		Resolver:   sandbox.NewProbeResolver(cfg.Sandbox.Backend),
		Overrides:  overrides,
		ScratchDir: cfg.Sandbox.ScratchDir,
	})

	var runner sandbox.Runner = sandbox.NewProcessRunner(sandbox.ProcessConfig{
		DefaultTimeout: cfg.ExecutionTimeout(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		KillGrace:      cfg.KillGrace(),
	}, c.Logger)

	agent := auth.NewPkexecAgent(cfg.Auth.PkexecPath, cfg.AgentTimeout())
	agent.Relay = relayPrefix()
	var authenticator engine.Authenticator = auth.NewChain(
		agent,
		auth.NewSudoTerminal(cfg.Auth.SudoPath),
		auth.Config{
			CredentialTimeout:         cfg.CredentialTimeout(),
			SkipAgentOnHardenedKernel: cfg.Auth.SkipAgentOnHardened(),
			HardenedKernel:            auth.HardenedKernel,
		},
		c.Logger,
	)

	obs := c.Obs
	if obs != nil {
		runner = observability.NewInstrumentedRunner(runner, obs.MetricsOrNil(), obs.TracerOrNil())
		authenticator = observability.NewInstrumentedAuthenticator(authenticator, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}

	c.Engine = engine.NewEngine(
		c.Validator,
		c.Gate,
		authenticator,
		c.Selector,
		runner,
		c.Events,
		c.Logger,
		engine.Config{
			DefaultTimeout: cfg.ExecutionTimeout(),
			MaxFieldLength: cfg.Security.MaxFieldLength,
		},
	)
	if obs != nil {
		c.Engine.WithObserver(obs).WithTracer(obs.TracerOrNil().Tracer())
	}
	return nil
}

func newValidator(cfg *config.Config) *validate.Validator {
	return validate.New(validate.Config{
		TrustedDomains: cfg.Security.TrustedDomains,
		AllowedRoots:   cfg.Security.AllowedRoots,
	})
}

// buildPolicy applies configured replacements to the built-in whitelist.
func buildPolicy(cfg *config.Config) security.Policy {
	p := security.DefaultPolicy()
	if len(cfg.Security.Services) > 0 {
		p.Services = cfg.Security.Services
	}
	if len(cfg.Security.TrustedBinDirs) > 0 {
		p.TrustedDirs = cfg.Security.TrustedBinDirs
	}
	return p
}

func profileOverrides(raw map[string]string) (map[domain.Category]sandbox.Level, error) {
	out := make(map[domain.Category]sandbox.Level, len(raw))
	for name, lvl := range raw {
		c := domain.ParseCategory(name)
		if c == domain.CategoryGeneric && !strings.EqualFold(name, "generic") {
			return nil, fmt.Errorf("security.profile_overrides: unknown category %q", name)
		}
		level, err := sandbox.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("security.profile_overrides.%s: %w", name, err)
		}
		out[c] = level
	}
	return out, nil
}

// initStore opens and migrates the configured metrics store.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.EventStore, error) {
	var (
		store storage.EventStore
		err   error
	)
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		store, err = initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		store, err = initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.EventStore, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.EventStore, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// requestContext returns a context cancelled on SIGINT or SIGTERM.
func requestContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
