// Package app wires configuration into a running scan service shared by the
// websocket server and the command-line tool.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/franckalain/healthscan/internal/config"
	"github.com/franckalain/healthscan/internal/database"
	"github.com/franckalain/healthscan/internal/history"
	"github.com/franckalain/healthscan/internal/identity"
	"github.com/franckalain/healthscan/internal/logger"
	"github.com/franckalain/healthscan/internal/ml"
	"github.com/franckalain/healthscan/internal/models"
	"github.com/franckalain/healthscan/internal/observability"
	"github.com/franckalain/healthscan/internal/openfoodfacts"
	"github.com/franckalain/healthscan/internal/remote"
	"github.com/franckalain/healthscan/internal/scan"
)

type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Session *identity.Session
	History *history.Store
	Scanner *scan.Controller
	// Remote is nil when no remote DSN is configured.
	Remote *remote.GormStore
	// Profiles is nil when neither a remote store nor an override provides
	// one.
	Profiles ProfileStore

	closers []func() error
}

// Overrides replaces collaborators normally built from configuration.
type Overrides struct {
	Local    database.KV
	Remote   history.Remote
	Profiles ProfileStore
	Resolver scan.Resolver
	Analyzer scan.Analyzer
}

// New builds every component. On error, whatever was already opened is
// closed.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, ov Overrides) (_ *App, err error) {
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	shutdown, err := observability.Setup(ctx, log, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	local := ov.Local
	if local == nil {
		if local, err = openKV(ctx, cfg); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, local.Close)
	}

	remoteStore := ov.Remote
	a.Profiles = ov.Profiles
	if remoteStore == nil && cfg.Remote.DSN != "" {
		store, err := remote.NewGormStore(cfg.Remote.DSN, log)
		if err != nil {
			return nil, err
		}
		a.Remote = store
		a.closers = append(a.closers, store.Close)
		remoteStore = store
		if a.Profiles == nil {
			a.Profiles = store
		}
	}

	a.Session = identity.NewSession(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	a.History = history.New(ctx, local, remoteStore, a.Session, log, history.Options{
		Cap:     cfg.Scan.HistoryCap,
		Key:     cfg.Cache.Key,
		Timeout: cfg.StoreTimeout(),
	})
	a.closers = append(a.closers, func() error { a.History.Close(); return nil })

	resolver := ov.Resolver
	if resolver == nil {
		resolver = openfoodfacts.New(cfg.Products.BaseURL,
			openfoodfacts.WithUserAgent(cfg.Products.UserAgent),
			openfoodfacts.WithHTTPClient(&http.Client{Timeout: cfg.LookupTimeout()}),
		)
	}

	analyzer := ov.Analyzer
	if analyzer == nil {
		model, err := ml.NewModel(cfg.ML.Type, cfg.ML.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create ML model: %w", err)
		}
		if err := model.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load ML model: %w", err)
		}
		if c, ok := model.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
		analyzer = model
	}

	opts := scan.Options{
		Cooldown:        cfg.Cooldown(),
		LookupTimeout:   cfg.LookupTimeout(),
		AnalysisTimeout: cfg.AnalysisTimeout(),
		StoreTimeout:    cfg.StoreTimeout(),
	}
	if a.Profiles != nil {
		opts.Preferences = &SessionPreferences{Identity: a.Session, Profiles: a.Profiles}
	}
	a.Scanner = scan.New(resolver, analyzer, a.History, log, opts)
	a.closers = append(a.closers, func() error { a.Scanner.Cancel(); return nil })

	log.Info("Scan service ready",
		"cache", cfg.Cache.Type,
		"remote", remoteStore != nil,
		"model", cfg.ML.Type,
	)
	return a, nil
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openKV(ctx context.Context, cfg *config.Config) (database.KV, error) {
	switch cfg.Cache.Type {
	case "sqlite":
		db, err := database.NewSQLiteDB(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open local cache: %w", err)
		}
		return db, nil
	case "redis":
		kv, err := database.NewRedisKV(ctx, cfg.Cache.RedisAddr, "healthscan")
		if err != nil {
			return nil, fmt.Errorf("failed to open local cache: %w", err)
		}
		return kv, nil
	case "memory":
		return database.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type)
	}
}

// ProfileSource reads a user's stored dietary preferences.
type ProfileSource interface {
	Preferences(ctx context.Context, userID string) (*models.UserPreferences, error)
}

// ProfileStore reads and writes dietary preferences.
type ProfileStore interface {
	ProfileSource
	SavePreferences(ctx context.Context, userID string, prefs models.UserPreferences) error
}

var ErrNoProfiles = errors.New("preferences need a remote store")

// SavePreferences stores prefs for the signed-in user. Later scans are
// analyzed with them.
func (a *App) SavePreferences(ctx context.Context, prefs models.UserPreferences) error {
	if a.Profiles == nil {
		return ErrNoProfiles
	}
	id := a.Session.Current()
	if id == nil {
		return identity.ErrSignedOut
	}
	return a.Profiles.SavePreferences(ctx, id.UserID, prefs)
}

// CurrentPreferences returns the signed-in user's preferences, or nil when
// none are stored.
func (a *App) CurrentPreferences(ctx context.Context) (*models.UserPreferences, error) {
	if a.Profiles == nil {
		return nil, ErrNoProfiles
	}
	if a.Session.Current() == nil {
		return nil, identity.ErrSignedOut
	}
	return (&SessionPreferences{Identity: a.Session, Profiles: a.Profiles}).Preferences(ctx)
}

// SessionPreferences looks up the preferences of whoever is signed in.
type SessionPreferences struct {
	Identity identity.Provider
	Profiles ProfileSource
}

func (p *SessionPreferences) Preferences(ctx context.Context) (*models.UserPreferences, error) {
	id := p.Identity.Current()
	if id == nil {
		return nil, nil
	}
	return p.Profiles.Preferences(ctx, id.UserID)
}
