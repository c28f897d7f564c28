package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/recomma/flipledger/chatevents"
	"github.com/recomma/flipledger/cmd/flipledger/internal/config"
	"github.com/recomma/flipledger/engine"
	"github.com/recomma/flipledger/ingest"
	"github.com/recomma/flipledger/internal/api"
	"github.com/recomma/flipledger/internal/origin"
	"github.com/recomma/flipledger/items"
	rlog "github.com/recomma/flipledger/log"
	"github.com/recomma/flipledger/metrics"
	"github.com/recomma/flipledger/notify"
	"github.com/recomma/flipledger/orderbook"
	"github.com/recomma/flipledger/pkg/sqllogger"
	"github.com/recomma/flipledger/profit"
	"github.com/recomma/flipledger/reconcile"
	"github.com/recomma/flipledger/sinks"
	"github.com/recomma/flipledger/storage"
	"github.com/recomma/flipledger/ttlcache"
)

type ledgerStore interface {
	profit.Store
	engine.OfferPersistence
	Close() error
}

// App owns every long lived component of the service.
type App struct {
	cfg    config.AppConfig
	logger *slog.Logger
	now    func() time.Time

	store      ledgerStore
	activity   api.ActivitySource
	journal    *sqllogger.Handler
	registry   *prometheus.Registry
	tracker    *profit.Tracker
	vanishing  *ttlcache.Cache
	recent     *ttlcache.Cache
	reminders  *notify.Memory
	engine     *engine.Engine
	dispatcher *ingest.Dispatcher
	status     *api.SystemStatusTracker
}

// NewApp opens storage and wires the pipeline. console receives every log
// record; the activity journal is layered on top when enabled.
func NewApp(cfg config.AppConfig, console slog.Handler) (*App, error) {
	a := &App{
		cfg:      cfg,
		now:      time.Now,
		registry: prometheus.NewRegistry(),
		status:   api.NewSystemStatusTracker(),
	}
	bootLogger := slog.New(console)

	if cfg.StoragePath == config.MemoryStorage {
		a.store = storage.NewMemory()
	} else {
		store, err := storage.New(cfg.StoragePath, storage.WithLogger(bootLogger))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = store
		a.activity = store

		if cfg.ActivityJournal {
			journal, err := sqllogger.NewHandler(
				sqllogger.WithInsertFunc(store.ActivityInsertFunc()),
				sqllogger.WithMinLevel(cfg.Level()),
			)
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("activity journal: %w", err)
			}
			a.journal = journal
		}
	}

	handler := console
	if a.journal != nil {
		handler = rlog.NewMultiHandler(console, a.journal)
	}
	a.logger = slog.New(handler)

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(a.registry)

	var resolver *items.Catalog
	if cfg.ItemCatalogPath != "" {
		catalog, err := items.LoadCatalog(cfg.ItemCatalogPath)
		if err != nil {
			_ = a.Close(context.Background())
			return nil, fmt.Errorf("load item catalog: %w", err)
		}
		a.logger.Info("item catalog loaded", slog.Int("items", catalog.Len()))
		resolver = catalog
	}

	a.tracker = profit.New(a.store, a.logger, profit.WithLotLifetime(cfg.LotTTL))
	a.vanishing = ttlcache.New(cfg.VanishingTTL)
	a.recent = ttlcache.New(cfg.RecentFillTTL)
	a.reminders = notify.NewMemory(a.logger)

	book := orderbook.NewPaced(
		sinks.NewLogOrderBook(a.logger),
		orderbook.NewRateGate(cfg.PublishSpacing),
		orderbook.WithLogger(a.logger),
	)

	procOpts := []chatevents.Option{
		chatevents.WithLogger(a.logger),
		chatevents.WithLedger(sinks.NewLogLedger(a.logger)),
		chatevents.WithOrderBook(book),
		chatevents.WithNotifier(a.reminders),
		chatevents.WithMetrics(recorder),
	}
	if resolver != nil {
		procOpts = append(procOpts, chatevents.WithResolver(resolver))
	}
	processor := chatevents.New(a.tracker, a.vanishing, a.recent, procOpts...)

	reconciler := reconcile.New(a.vanishing,
		reconcile.WithLogger(a.logger),
		reconcile.WithNotifier(a.reminders),
		reconcile.WithMetrics(recorder),
	)

	a.engine = engine.New(reconciler, processor,
		engine.WithLogger(a.logger),
		engine.WithOfferPersistence(a.store),
		engine.WithLineConcurrency(cfg.LineConcurrency),
		engine.WithMetrics(recorder),
	)

	a.dispatcher = ingest.New(a.engine,
		ingest.WithLogger(a.logger),
		ingest.WithMetrics(recorder),
		ingest.WithReportHook(a.status.RecordUpdate),
	)
	a.status.SetPendingFunc(a.dispatcher.Pending)

	return a, nil
}

// Handler serves the read API and /metrics.
func (a *App) Handler() http.Handler {
	opts := []api.HandlerOption{
		api.WithLogger(a.logger),
		api.WithOffers(a.engine),
		api.WithSystemStatus(a.status),
		api.WithAllowedOrigins(origin.AllowedOrigins(a.cfg.HTTPListen, a.cfg.PublicOrigins)),
	}
	if a.activity != nil {
		opts = append(opts, api.WithActivity(a.activity))
	}
	apiHandler := api.NewHandler(a.tracker, opts...).Routes()

	rootMux := http.NewServeMux()
	rootMux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	rootMux.Handle("/", apiHandler)
	return rootMux
}

// Run consumes input and serves until ctx ends. Reaching the end of input
// does not stop the service.
func (a *App) Run(ctx context.Context, input io.Reader) error {
	a.dispatcher.Start(ctx, a.cfg.Workers)
	a.status.SetEngineRunning(true)
	defer a.status.SetEngineRunning(false)

	g, gctx := errgroup.WithContext(ctx)

	// A blocked read on stdin cannot be interrupted, so the reader runs
	// outside the group and only its result is awaited.
	readDone := make(chan error, 1)
	go func() {
		n, err := readUpdates(gctx, input, a.dispatcher, a.logger)
		if err == nil {
			a.logger.Info("input exhausted", slog.Int("updates", n))
		}
		readDone <- err
	}()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-readDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}
	})

	if a.cfg.HTTPListen != "" {
		srv := &http.Server{
			Addr:              a.cfg.HTTPListen,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("HTTP API listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("HTTP API shutdown error", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	g.Go(func() error {
		a.every(gctx, a.cfg.PurgeInterval, a.purge)
		return nil
	})
	g.Go(func() error {
		a.every(gctx, a.cfg.ReminderInterval, a.fireReminders)
		return nil
	})

	err := g.Wait()
	a.dispatcher.Shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// purge drops expired lots. The price caches sweep themselves on insert.
func (a *App) purge(ctx context.Context) {
	n, err := a.tracker.PurgeExpired(ctx)
	if err != nil {
		a.logger.Warn("lot purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		a.logger.Debug("purged", slog.Int64("lots", n))
	}
}

// fireReminders logs every reminder that came due.
func (a *App) fireReminders(context.Context) {
	for _, r := range a.reminders.Due(a.now()) {
		rlog.ForOwner(a.logger, r.OwnerID).Info("order reminder",
			slog.String("fingerprint", r.Fingerprint),
			slog.String("message", r.Message),
			slog.Time("due", r.At),
		)
	}
}

// Close flushes the activity journal and closes storage.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.journal != nil {
		if err := a.journal.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
