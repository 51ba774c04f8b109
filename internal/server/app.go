package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/nabokov/internal/activity"
	"github.com/ziadkadry99/nabokov/internal/canvas"
	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/chatwindow"
	"github.com/ziadkadry99/nabokov/internal/config"
	"github.com/ziadkadry99/nabokov/internal/db"
	"github.com/ziadkadry99/nabokov/internal/embeddings"
	"github.com/ziadkadry99/nabokov/internal/events"
	"github.com/ziadkadry99/nabokov/internal/llm"
	"github.com/ziadkadry99/nabokov/internal/metrics"
	"github.com/ziadkadry99/nabokov/internal/pipelines"
	"github.com/ziadkadry99/nabokov/internal/prompts"
	"github.com/ziadkadry99/nabokov/internal/search"
	"github.com/ziadkadry99/nabokov/internal/storage"
	"github.com/ziadkadry99/nabokov/internal/windows"
)

// App owns every long-lived component of the backend and their lifecycle.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Bus      *events.Bus
	Local    *storage.Store
	Session  *storage.Store
	Cards    *cards.Store
	Buttons  *prompts.ButtonStore
	Gateway  *llm.Gateway
	Canvas   *canvas.Synchronizer
	Filters  *canvas.FilterStore
	Chats    *chatwindow.Manager
	Windows  *windows.Manager
	Index    *search.Index // nil when search is disabled
	Activity *activity.Store
	Hub      *events.Hub
	Server   *Server

	cardChats *chatwindow.CardChats
	pageChats *chatwindow.PageChats
	recorder  *activity.Recorder
	watcher   *events.Watcher
	unsubs    []func()
	dbPath    string
}

// NewApp wires the components on top of database. Nothing runs until Start.
func NewApp(cfg *config.Config, database *db.DB, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		Bus:     events.NewBus(),
	}
	if p := database.Path(); p != ":memory:" {
		a.dbPath = p
	}

	a.Local = storage.NewStore(database, storage.AreaLocal,
		storage.WithQuota(cfg.Storage.QuotaBytes, cfg.Storage.WarnRatio),
		storage.WithNotifier(a.Bus))
	a.Session = storage.NewStore(database, storage.AreaSession, storage.WithNotifier(a.Bus))
	a.Cards = cards.NewStore(a.Local, a.Bus,
		cards.WithLimits(cfg.Storage.MaxCardBytes, cfg.Storage.MaxConversation))
	a.Buttons = prompts.NewButtonStore(a.Local)

	gw, err := llm.NewGatewayFromConfig(cfg.LLM,
		llm.StoredKey(a.Local, config.APIKeyEnvVar(cfg.LLM.Provider)), logger, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("creating llm gateway: %w", err)
	}
	a.Gateway = gw

	a.Canvas = canvas.NewSynchronizer(a.Cards, a.Local,
		canvas.WithLogger(logger),
		canvas.WithDelays(cfg.Canvas.GeometryDebounce, cfg.Canvas.ViewportDebounce),
		canvas.WithFlushHook(a.Metrics.CanvasFlushHook))
	a.Filters = canvas.NewFilterStore(a.Session)

	a.Chats = chatwindow.NewManager(chatwindow.NewSessionStore(a.Local), gw,
		chatwindow.WithSaveDelay(cfg.Chat.WindowDebounce),
		chatwindow.WithPublisher(a.Bus),
		chatwindow.WithLogger(logger),
		chatwindow.WithFlushHook(a.Metrics.FlushHook("chats")))
	a.cardChats = chatwindow.NewCardChats(a.Cards, gw, cfg.Chat.WindowDebounce, logger)
	a.pageChats = chatwindow.NewPageChats(a.Cards, gw, logger)

	a.Windows = windows.NewManager(a.Local, a.Cards, cfg.Chat.WindowDebounce,
		windows.WithLogger(logger),
		windows.WithPublisher(a.Bus),
		windows.WithFlushHook(a.Metrics.FlushHook("windows")))

	ix, err := NewSearchIndex(context.Background(), cfg, a.Local, a.Cards, logger)
	if err != nil {
		return nil, err
	}
	if ix != nil {
		ix.OnIndexed = a.Metrics.SetIndexedCards
		a.Index = ix
	}

	a.Activity = activity.NewStore(database)
	a.recorder = activity.NewRecorder(a.Activity, logger)

	a.Hub = events.NewHub(a.Bus, logger,
		events.WithAllowedOrigins(AllowedOrigins(cfg.Server.AllowAllOrigins)...))
	a.Hub.OnClients = a.Metrics.SetWebsocketClients
	a.Metrics.WatchStorage(a.Local)
	a.Metrics.WatchStorage(a.Session)

	a.unsubs = append(a.unsubs,
		a.Bus.Subscribe(a.Canvas),
		a.Bus.Subscribe(a.Windows),
		a.Bus.Subscribe(a.recorder))
	if a.Index != nil {
		a.unsubs = append(a.unsubs, a.Bus.Subscribe(a.Index))
	}

	a.Server = New(Config{
		Addr:     cfg.Server.Addr(),
		AllowAll: cfg.Server.AllowAllOrigins,
		Provider: gw.ProviderName(),
	}, logger, a.Metrics)
	a.registerRoutes()
	return a, nil
}

// NewSearchIndex creates the semantic card index selected by cfg.Search.
// It returns nil when search is disabled. Keyed embedding providers read
// the key stored in local first, then the environment.
func NewSearchIndex(ctx context.Context, cfg *config.Config, local *storage.Store, source search.CardSource, logger *zap.Logger) (*search.Index, error) {
	s := cfg.Search
	if s.Provider == "" {
		return nil, nil
	}
	var key, baseURL string
	if s.Provider == cfg.LLM.Provider {
		baseURL = cfg.LLM.BaseURL
	}
	if llm.IsKeyed(s.Provider) {
		key = llm.StoredKey(local, config.APIKeyEnvVar(s.Provider))(ctx)
	}
	emb, err := embeddings.New(s, key, baseURL)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	ix, err := search.NewIndex(source, emb, logger)
	if err != nil {
		return nil, fmt.Errorf("creating search index: %w", err)
	}
	return ix, nil
}

func (a *App) registerRoutes() {
	r := a.Server.Router()
	RegisterGatewayRoutes(r, a.Gateway, a.Logger)
	RegisterSettingsRoutes(r, a.Local, a.Session, a.Gateway)
	cards.RegisterRoutes(r, a.Cards)
	canvas.RegisterRoutes(r, a.Canvas, a.Filters)
	pipelines.RegisterRoutes(r, pipelines.New(a.Cards, a.Buttons, a.Gateway,
		pipelines.WithLogger(a.Logger),
		pipelines.WithObserver(a.Metrics.ObservePipeline)), a.Buttons)
	chatwindow.RegisterRoutes(r, a.Chats, time.Duration(a.Config.Chat.StaleAfterDays)*24*time.Hour)
	chatwindow.RegisterCardChatRoutes(r, a.cardChats)
	chatwindow.RegisterPageChatRoutes(r, a.pageChats)
	windows.RegisterRoutes(r, a.Windows)
	activity.RegisterRoutes(r, a.Activity)
	if a.Index != nil {
		search.RegisterRoutes(r, a.Index)
	}
	r.Handle("/ws/events", a.Hub)
}

// Start loads persisted state and starts the background workers. The
// session area only lives for one run, so it is cleared first.
func (a *App) Start(ctx context.Context) error {
	if err := a.Session.Clear(ctx); err != nil {
		return fmt.Errorf("clearing session storage: %w", err)
	}
	if n, err := a.Activity.Prune(ctx, time.Now().Add(-activity.DefaultRetention)); err != nil {
		a.Logger.Warn("pruning activity journal", zap.Error(err))
	} else if n > 0 {
		a.Logger.Debug("pruned activity journal", zap.Int64("entries", n))
	}
	a.recorder.Start(ctx)
	if err := a.Windows.Load(ctx); err != nil {
		return fmt.Errorf("loading windows: %w", err)
	}
	if _, err := a.Canvas.Load(ctx); err != nil {
		return fmt.Errorf("loading canvas: %w", err)
	}
	a.Canvas.Start()

	if a.Index != nil {
		n, err := a.Index.Rebuild(ctx)
		if err != nil {
			// The index follows later edits; a failed embedder call is not fatal.
			a.Logger.Warn("building search index", zap.Error(err))
		} else {
			a.Metrics.SetIndexedCards(n)
			a.Logger.Info("search index built", zap.Int("cards", n), zap.String("embedder", a.Index.Embedder()))
		}
		a.Index.Start(ctx)
	}

	if a.Config.Server.WatchData && a.dbPath != "" {
		w, err := events.NewWatcher(a.Bus, a.dbPath, a.Logger)
		if err != nil {
			a.Logger.Warn("data file watcher disabled", zap.Error(err))
		} else {
			a.watcher = w
			w.Start()
		}
	}
	return nil
}

// Run starts the app and serves HTTP until ctx is cancelled, then shuts
// everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.Server.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(a.Server.Shutdown(shutdownCtx), a.Close(shutdownCtx))
	})
	return g.Wait()
}

// Close flushes every pending write and stops the workers.
func (a *App) Close(ctx context.Context) error {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	if a.watcher != nil {
		a.watcher.Stop()
	}
	defer a.recorder.Close()

	errs := []error{
		a.Canvas.Close(ctx),
		a.Chats.Shutdown(ctx),
		a.cardChats.Shutdown(ctx),
		a.pageChats.Shutdown(ctx),
		a.Windows.Shutdown(ctx),
	}
	if a.Index != nil {
		a.Index.Close()
		if a.dbPath != "" {
			errs = append(errs, a.Index.Persist(filepath.Dir(a.dbPath)))
		}
	}
	return errors.Join(errs...)
}
