package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/activity"
	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/config"
	"github.com/ziadkadry99/nabokov/internal/db"
	"github.com/ziadkadry99/nabokov/internal/events"
	"github.com/ziadkadry99/nabokov/internal/logging"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// loadConfig loads and validates the config, providing a user-friendly error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w\nRun `nabokov init` to create a config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

// newLogger builds the logger from config; --verbose forces debug level.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.New(level, cfg.Logging.Format)
}

// offline bundles the stores used by commands that run without the HTTP
// server. Card events go to a private bus whose only subscriber is the
// activity journal; a running server learns about the writes through its
// data file watcher.
type offline struct {
	db       *db.DB
	local    *storage.Store
	cards    *cards.Store
	recorder *activity.Recorder
}

func openOffline(cfg *config.Config, logger *zap.Logger) (*offline, error) {
	database, err := db.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	bus := events.NewBus()
	rec := activity.NewRecorder(activity.NewStore(database), logger)
	bus.Subscribe(rec)
	rec.Start(context.Background())

	local := storage.NewStore(database, storage.AreaLocal,
		storage.WithQuota(cfg.Storage.QuotaBytes, cfg.Storage.WarnRatio),
		storage.WithNotifier(bus))
	store := cards.NewStore(local, bus,
		cards.WithLimits(cfg.Storage.MaxCardBytes, cfg.Storage.MaxConversation))
	return &offline{db: database, local: local, cards: store, recorder: rec}, nil
}

// Close writes the queued journal entries, then closes the database.
func (o *offline) Close() error {
	o.recorder.Close()
	return o.db.Close()
}
