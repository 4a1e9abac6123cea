// Package app wires the broker components into one process.
package app

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/broker"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/httpapi"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/queue"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
	"github.com/suPer8Hu/chat-relay/internal/worker"
)

const shutdownGrace = 15 * time.Second

// Deps are the external collaborators. Open builds them from config; tests
// pass their own.
type Deps struct {
	DB        *gorm.DB
	Redis     redis.UniversalClient
	Publisher queue.Publisher
	Receiver  queue.Receiver
	Upstream  worker.Upstream
}

type App struct {
	cfg     config.Config
	deps    Deps
	Hub     *broker.Hub
	Service *chat.Service
	Pool    *worker.Pool
	Router  *gin.Engine

	closeOnce sync.Once
}

func New(cfg config.Config, deps Deps) *App {
	hub := broker.NewHub(broker.Config{
		IdleTimeout: cfg.StreamIdleTimeout,
		SendBuffer:  cfg.StreamSendBuffer,
	})
	store := redisstore.New(deps.Redis, cfg.ClaimTTL)
	repo := chat.NewRepo(deps.DB)
	resolver := auth.JWTResolver{Secret: cfg.JWTSecret}

	svc := chat.NewService(repo, resolver, store, hub, deps.Publisher, cfg.ChatLimitWindow())
	w := worker.New(deps.Upstream, hub, repo, cfg.UpstreamTimeout)
	pool := worker.NewPool(deps.Receiver, store, w, cfg.WorkerConcurrency)

	h := handlers.NewHandler(svc, hub, broker.NewUpgrader(cfg.CORSAllowOrigins), cfg.StreamWriteTimeout)
	return &App{
		cfg:     cfg,
		deps:    deps,
		Hub:     hub,
		Service: svc,
		Pool:    pool,
		Router:  httpapi.NewRouter(h, resolver, cfg.CORSAllowOrigins),
	}
}

// Open connects everything cfg points at. On error whatever was already
// opened is closed again.
func Open(ctx context.Context, cfg config.Config) (deps Deps, err error) {
	defer func() {
		if err != nil {
			closeDeps(deps)
			deps = Deps{}
		}
	}()

	if deps.DB, err = db.Open(cfg.DBDriver, cfg.DBDSN); err != nil {
		return deps, err
	}

	rdb := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	deps.Redis = rdb
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = rdb.Ping(pctx).Err(); err != nil {
		return deps, errors.Wrap(err, "redis ping")
	}

	deps.Upstream = ai.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)
	logger := queue.NewWatermillLogger(log.Logger)
	switch cfg.QueueBackend {
	case config.QueueRabbitMQ:
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return deps, err
		}
		deps.Publisher = pub
		recv, err := rabbitmq.NewReceiver(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
		if err != nil {
			return deps, err
		}
		deps.Receiver = recv
	case config.QueueRedisStream:
		q, err := queue.NewRedisStream(rdb, cfg.RabbitQueue, cfg.RedisStreamGroup, cfg.RedisStreamConsumer, logger)
		if err != nil {
			return deps, err
		}
		deps.Publisher, deps.Receiver = q, q
	default:
		q, err := queue.NewMemory(cfg.RabbitQueue, logger)
		if err != nil {
			return deps, err
		}
		deps.Publisher, deps.Receiver = q, q
	}
	return deps, nil
}

// Run serves HTTP and consumes the queue until ctx is done. In-flight
// sessions finish before the registry and the queue are closed.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("component", "server").Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := a.Pool.Run(gctx)
		// ends every open stream so Shutdown can complete
		a.Hub.Close()
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Str("component", "server").Err(err).Msg("graceful shutdown timed out")
			return srv.Close()
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases the collaborators. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	a.Hub.Close()
	closeDeps(a.deps)
}

func closeDeps(d Deps) {
	if d.Receiver != nil {
		closeQuietly("receiver", d.Receiver)
	}
	if d.Publisher != nil && any(d.Publisher) != any(d.Receiver) {
		closeQuietly("publisher", d.Publisher)
	}
	if d.Redis != nil {
		closeQuietly("redis", d.Redis)
	}
	if d.DB != nil {
		if sqlDB, err := d.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func closeQuietly(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Debug().Str("component", "app").Str("resource", name).Err(err).Msg("close")
	}
}
