package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vovarama1992/avito-stream-workers/internal/avito"
	"github.com/Vovarama1992/avito-stream-workers/internal/config"
	"github.com/Vovarama1992/avito-stream-workers/internal/storage"
	"github.com/Vovarama1992/avito-stream-workers/internal/stream"
	"github.com/Vovarama1992/avito-stream-workers/internal/view"
)

const memoryBackend = "memory://"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// логгера ещё нет, APP_ENV мог не прочитаться
		l, _ := zap.NewDevelopment()
		l.Fatal("config error", zap.Error(err))
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Redis / in-memory backends ---
	var (
		queue    stream.Queue
		marks    stream.Marks
		views    view.Store
		notifier view.Notifier
		updates  <-chan view.Update
	)
	if cfg.RedisURL == memoryBackend {
		logger.Warn("using in-process queue and cache, state is lost on restart")
		queue = stream.NewMemory()
		marks = stream.NewMemoryMarks()
		views = view.NewMemoryStore(cfg.ViewTTL)
		mn := view.NewMemoryNotifier()
		// внешнего рендерера нет, обновления видны только в логе
		updates = mn.Subscribe(64)
		notifier = mn
	} else {
		rdb, err := storage.ConnectRedis(ctx, cfg.RedisURL, cfg.RedisPoolSize)
		if err != nil {
			logger.Fatal("redis connect error", zap.Error(err))
		}
		defer rdb.Close()

		queue = stream.NewRedis(rdb)
		marks = stream.NewRedisMarks(rdb, "avito:dedupe:")
		views = view.NewRedisStore(rdb, cfg.ViewTTL)
		notifier = view.NewRedisNotifier(rdb)
	}

	// --- DB ---
	db, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect error", zap.Error(err))
	}
	defer db.Close()

	if err := storage.Migrate(db); err != nil {
		logger.Fatal("db migrate error", zap.Error(err))
	}

	// --- Avito module wiring ---
	tokens, err := avito.NewFernetTokens(cfg.TokenKeys...)
	if err != nil {
		logger.Fatal("token keys error", zap.Error(err))
	}
	accounts := avito.NewAccountRepo(db)
	messageLogs := avito.NewMessageLogRepo(db)
	api := avito.NewClient(cfg.APIBaseURL, cfg.APITimeout, tokens)
	rehydrator := avito.NewRehydrator(api, messageLogs)

	outgoing := avito.NewOutgoingWorker(accounts, api, messageLogs, marks, cfg.DedupeTTL, logger.Named("outgoing"))
	actions := avito.NewActionWorker(accounts, api, views, rehydrator, notifier, logger.Named("actions"))

	consumers := []*stream.Consumer{
		stream.NewConsumer(queue, groupConfig(cfg, avito.OutgoingStream, avito.OutgoingGroup), outgoing.Handle, logger),
		stream.NewConsumer(queue, groupConfig(cfg, avito.ActionsStream, avito.ActionsGroup), actions.Handle, logger),
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", avito.SignatureHeader},
	}))

	webhook := avito.NewHandler(queue, cfg.WebhookSecret, cfg.RawStreamMaxLen, logger.Named("webhook"))
	avito.RegisterRoutes(r, webhook)

	// --- health ---
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}

	if updates != nil {
		g.Go(func() error {
			logUpdates(gctx, updates, logger.Named("views"))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatal("stopped with error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if cfg.Production() {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return l
}

func logUpdates(ctx context.Context, updates <-chan view.Update, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			log.Info("view updated", zap.String("view_key", u.Key), zap.Bool("read", u.Model.IsLastMessageRead()))
		}
	}
}

func groupConfig(cfg *config.Config, streamName, group string) stream.Group {
	return stream.Group{
		Stream:           streamName,
		Group:            group,
		Consumer:         cfg.Consumer,
		Count:            1,
		Block:            cfg.Block,
		Backoff:          cfg.Backoff,
		ReclaimInterval:  cfg.ReclaimInterval,
		ReclaimMinIdle:   cfg.ReclaimMinIdle,
		MaxDeliveries:    cfg.MaxDeliveries,
		DeadLetterMaxLen: cfg.RawStreamMaxLen,
	}
}
