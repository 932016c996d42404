package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/brightercommand/brightside-go/internal/config"
	"github.com/brightercommand/brightside-go/internal/dispatcher"
	amqpgateway "github.com/brightercommand/brightside-go/internal/gateway/amqp"
	"github.com/brightercommand/brightside-go/internal/heartbeat/redisreg"
	"github.com/brightercommand/brightside-go/internal/message"
	"github.com/brightercommand/brightside-go/internal/messaging"
	outboxpg "github.com/brightercommand/brightside-go/internal/outbox/postgres"
	"github.com/brightercommand/brightside-go/internal/pump"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting activator")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer dbPool.Close()
	if err := dbPool.Ping(ctx); err != nil {
		logger.Fatal("Failed to ping PostgreSQL", zap.Error(err))
	}
	logger.Info("Connected to PostgreSQL")

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Invalid Redis URL", zap.Error(err))
	}
	redisClient := goredis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Connected to Redis")

	outbox := outboxpg.New(dbPool)
	registry := redisreg.New(redisClient, cfg.Redis.HeartbeatTTL)

	params := cfg.Broker.Parameters()
	requestDispatcher := &loggingDispatcher{logger: logger, outbox: outbox}

	consumers := make(map[string]dispatcher.ConsumerRegistration, len(cfg.Consumers))
	for _, spec := range cfg.Consumers {
		spec := spec
		consumerCfg := spec.Configuration()
		consumers[spec.Name] = dispatcher.ConsumerRegistration{
			Configuration: consumerCfg,
			GatewayFactory: func(name string, gwCfg messaging.ConsumerConfiguration) (messaging.ConsumerGateway, error) {
				gw, err := amqpgateway.Dial(params, gwCfg, logger)
				if err != nil {
					return nil, err
				}
				return redisreg.Wrap(gw, registry, name), nil
			},
			RequestDispatcher: requestDispatcher,
			Mapper:            passthroughMapper,
			PumpOptions: pump.Options{
				Timeout:           cfg.Pump.Timeout,
				UnacceptableLimit: cfg.Pump.UnacceptableLimit,
				RequeueCount:      cfg.Pump.RequeueCount,
			},
		}
	}

	d := dispatcher.New(consumers, dispatcher.Options{
		StartTimeout: cfg.Supervisor.StartTimeout,
		StopTimeout:  cfg.Supervisor.StopTimeout,
	}, logger)

	if err := d.Receive(ctx); err != nil {
		logger.Fatal("Failed to start dispatcher", zap.Error(err))
	}
	logger.Info("Dispatcher running", zap.Int("consumers", len(consumers)))

	metricsSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Metrics.Port),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer pingCancel()
		if err := dbPool.Ping(pingCtx); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		if d.State() != dispatcher.Running {
			http.Error(w, "dispatcher not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsSrv.Handler = mux

	go func() {
		logger.Info("Metrics/health server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down activator...")

	if err := d.End(); err != nil {
		logger.Error("Error stopping dispatcher", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown error", zap.Error(err))
	}

	logger.Info("Activator stopped")
}

// passthroughMapper hands the raw envelope body through as the request,
// leaving routing to requestDispatcher.Send/Publish keyed on topic. Real
// deployments supply their own RequestMapper translating topics to typed
// commands/events; this default is enough to exercise the pump end to end.
func passthroughMapper(m *message.Message) (messaging.Request, error) {
	return m, nil
}

// loggingDispatcher is a minimal messaging.RequestDispatcher: it logs every
// command/event and records it in the outbox. It stands in for a real
// handler registry, which is out of scope for this repository.
type loggingDispatcher struct {
	logger *zap.Logger
	outbox *outboxpg.Outbox
}

func (l *loggingDispatcher) Send(ctx context.Context, req messaging.Request) error {
	return l.handle(ctx, req, "command")
}

func (l *loggingDispatcher) Publish(ctx context.Context, req messaging.Request) error {
	return l.handle(ctx, req, "event")
}

func (l *loggingDispatcher) handle(ctx context.Context, req messaging.Request, kind string) error {
	m, ok := req.(*message.Message)
	if !ok {
		return nil
	}
	l.logger.Info("handled request", zap.String("kind", kind), zap.String("topic", m.Header.Topic), zap.Stringer("message_id", m.ID()))
	if err := l.outbox.Record(ctx, m, "dispatched"); err != nil {
		l.logger.Warn("failed to record outbox entry", zap.Error(err))
	}
	return nil
}
