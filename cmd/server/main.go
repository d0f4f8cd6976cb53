// Command server runs the natal chart bot: the Telegram webhook, the admin
// API and the background sweepers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-natal-bot/internal/cache"
	"github.com/tbourn/go-natal-bot/internal/collab/chart"
	"github.com/tbourn/go-natal-bot/internal/collab/extract"
	"github.com/tbourn/go-natal-bot/internal/collab/llm"
	"github.com/tbourn/go-natal-bot/internal/collab/telegram"
	"github.com/tbourn/go-natal-bot/internal/config"
	"github.com/tbourn/go-natal-bot/internal/conversation"
	httpapi "github.com/tbourn/go-natal-bot/internal/http"
	"github.com/tbourn/go-natal-bot/internal/idempotency"
	"github.com/tbourn/go-natal-bot/internal/knowledge"
	"github.com/tbourn/go-natal-bot/internal/ledger"
	"github.com/tbourn/go-natal-bot/internal/observability"
	"github.com/tbourn/go-natal-bot/internal/repo"
	"github.com/tbourn/go-natal-bot/internal/services"
	"github.com/tbourn/go-natal-bot/internal/sysutil"
	"github.com/tbourn/go-natal-bot/internal/throttle"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout  = 15 * time.Second
	throttleSweepGap = 30 * time.Second
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.ConfigureLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	// Storage
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := observability.InstrumentDB(db, cfg.OTEL); err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	var fast cache.FastIndex
	if cfg.RedisURL != "" {
		ri, err := cache.NewRedisIndex(ctx, cfg.RedisURL, cfg.FastIndexTTL)
		if err != nil {
			return err
		}
		defer ri.Close()
		fast = ri
		log.Info().Msg("fast index: redis")
	} else {
		fast = cache.NewMemoryIndex(cfg.FastIndexTTL)
		log.Info().Msg("fast index: in-memory")
	}

	store := idempotency.New(db, fast, idempotency.WithRetention(cfg.AdmissionRetention))
	thr := throttle.New(throttle.WithWatchdog(cfg.ThrottleWatchdog))
	hist := ledger.New(db, cfg.LedgerCapacity, cfg.LedgerPinned)

	// Collaborators
	machine, err := newMachine(ctx, cfg)
	if err != nil {
		return err
	}
	var deliverer conversation.Deliverer = telegram.LogDeliverer{}
	if cfg.Telegram.BotToken != "" {
		d, err := telegram.New(cfg.Telegram.BotToken, cfg.Telegram.APIEndpoint, cfg.DeliverTimeout)
		if err != nil {
			return err
		}
		deliverer = d
	} else {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, replies are only logged")
	}

	pipeline := services.NewPipeline(services.Deps{
		DB:             db,
		Admission:      store,
		Throttle:       thr,
		Ledger:         hist,
		Machine:        machine,
		Deliverer:      deliverer,
		TurnTimeout:    cfg.TurnTimeout,
		DeliverTimeout: cfg.DeliverTimeout,
	})

	// HTTP
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:         db,
		Ingest:     pipeline,
		Admissions: store,
		Windows:    thr,
		History:    hist,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", ver).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down http server")
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return store.Run(gctx, cfg.SweepInterval) })
	g.Go(func() error {
		t := time.NewTicker(throttleSweepGap)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if n := pipeline.Sweep(gctx); n > 0 {
					log.Warn().Int("turns", n).Msg("throttle watchdog released stale windows")
				}
			}
		}
	})
	return g.Wait()
}

// newMachine picks the LLM-backed classifier and responder when an API key
// is configured, otherwise the heuristic classifier and the knowledge base.
func newMachine(ctx context.Context, cfg config.Config) (*conversation.Machine, error) {
	extractor := extract.New()
	charts := chart.New()

	if cfg.LLM.APIKey != "" {
		m, err := llm.NewChatModel(ctx, llm.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: float32(cfg.LLM.Temperature),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("model", cfg.LLM.Model).Msg("llm collaborators enabled")
		return conversation.NewMachine(extractor, llm.NewClassifier(m), charts, llm.NewResponder(m)), nil
	}

	idx := knowledge.Default()
	if cfg.KnowledgePath != "" {
		loaded, err := knowledge.Load(cfg.KnowledgePath)
		if err != nil {
			return nil, err
		}
		idx = loaded
	}
	log.Info().Int("sections", idx.Len()).Msg("offline collaborators: heuristic classifier, knowledge responder")
	return conversation.NewMachine(extractor, llm.NewHeuristic(), charts, knowledge.NewResponder(idx)), nil
}
