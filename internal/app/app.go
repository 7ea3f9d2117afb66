package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tunstack/internal/config"
	"tunstack/internal/logging"
	"tunstack/internal/paths"
	"tunstack/internal/storage"
	"tunstack/internal/storage/sqlite"
)

// App represents the application context
type App struct {
	Storage storage.Storage
	Logger  *logging.Logger
	Options *config.Options
	Config  *Config
}

// Config locates the files the application opens. Empty paths fall back
// to the per-user defaults.
type Config struct {
	DBPath     string
	ConfigFile string
	LogLevel   string
	LogFile    string
	JSONLogs   bool
}

// Settings are the persisted user preferences, with defaults filled in.
type Settings struct {
	Backend         string
	Device          string
	Proxy           string
	SampleInterval  time.Duration
	SampleRetention int
	LogLevel        string
}

// New opens the logger, the options and the store.
func New(cfg Config) (*App, error) {
	if cfg.DBPath == "" {
		p, err := paths.DBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		cfg.DBPath = p
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, JSON: cfg.JSONLogs, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}

	opts, err := config.Load(cfg.ConfigFile)
	if err != nil {
		logger.Close()
		return nil, err
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	// The engine runs as root; keep the database owned by the invoking user.
	paths.ChownToRealUser(cfg.DBPath)

	logger.Debug("application ready", zap.String("db", cfg.DBPath), zap.String("config", cfg.ConfigFile))
	return &App{Storage: store, Logger: logger, Options: opts, Config: &cfg}, nil
}

// Close closes the application and releases resources
func (a *App) Close() error {
	var err error
	if a.Storage != nil {
		err = multierr.Append(err, a.Storage.Close())
	}
	if a.Logger != nil {
		err = multierr.Append(err, a.Logger.Close())
	}
	return err
}

// Settings reads the persisted settings. Malformed values fall back to
// their defaults with a warning.
func (a *App) Settings(ctx context.Context) (Settings, error) {
	all, err := a.Storage.GetAllSettings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}

	s := Settings{
		Backend:         orDefault(all["backend"], "native"),
		Device:          all["device"],
		Proxy:           orDefault(all["proxy"], "socks5://127.0.0.1:1080"),
		SampleInterval:  10 * time.Second,
		SampleRetention: 100,
		LogLevel:        orDefault(all["log_level"], "info"),
	}
	if v := all["sample_interval"]; v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			s.SampleInterval = d
		} else {
			a.Logger.Warn("ignoring sample_interval", zap.String("value", v))
		}
	}
	if v := all["sample_retention"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.SampleRetention = n
		} else {
			a.Logger.Warn("ignoring sample_retention", zap.String("value", v))
		}
	}
	return s, nil
}

// Prune deletes all but the newest keep runs that have finished, together
// with their samples. It returns how many runs were removed.
func (a *App) Prune(ctx context.Context, keep int) (int, error) {
	runs, err := a.Storage.GetRuns(ctx, -1)
	if err != nil {
		return 0, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) <= keep {
		return 0, nil
	}

	tx, err := a.Storage.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, r := range runs[keep:] {
		if r.Running() {
			continue
		}
		if err := tx.DeleteRun(ctx, r.ID); err != nil {
			return 0, fmt.Errorf("failed to delete run %d: %w", r.ID, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
