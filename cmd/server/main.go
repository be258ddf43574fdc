package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fides/internal/audit"
	"fides/internal/audit/outbox"
	outboxmetrics "fides/internal/audit/outbox/metrics"
	bindingmetrics "fides/internal/binding/metrics"
	"fides/internal/binding/nonce"
	bindingservice "fides/internal/binding/service"
	"fides/internal/fingerprint"
	identitystore "fides/internal/identity/store"
	"fides/internal/platform/config"
	"fides/internal/platform/database"
	"fides/internal/platform/health"
	"fides/internal/platform/httpserver"
	"fides/internal/platform/kafka"
	"fides/internal/platform/logger"
	"fides/internal/platform/metrics"
	"fides/internal/platform/redis"
	"fides/internal/platform/tracer"
	"fides/internal/ratelimit"
	"fides/internal/seeder"
	httptransport "fides/internal/transport/http"
	verificationmetrics "fides/internal/verification/metrics"
	verification "fides/internal/verification/service"
	"fides/internal/verification/verifier"
	"fides/internal/verification/verifier/codehost"
	"fides/internal/verification/verifier/manual"
	"fides/internal/verification/verifier/payment"
)

const (
	auditBufferSize    = 256
	poolStatsInterval  = 15 * time.Second
	workerStopTimeout  = 10 * time.Second
	producerInitChecks = 5 * time.Second
)

var errMissingRedisURL = errors.New("store backend is redis but FIDES_REDIS_URL is not set")

// main wires configuration into the service graph and runs the HTTP server
// until SIGINT or SIGTERM. Business logic lives in the internal services;
// everything here is assembly.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Error("fides exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	log.Info("initializing fides",
		"addr", cfg.Server.Addr,
		"environment", cfg.Server.Environment,
		"store", cfg.Store.Backend,
		"nonce_strategy", cfg.Nonce.Strategy,
	)

	healthHandler := health.New(cfg.Server.Environment)

	// One Redis client serves both the redis store backend and the manual
	// review approval source.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		client, err := redis.New(cfg.Redis)
		if err != nil {
			if cfg.Store.Backend == "redis" {
				return err
			}
			log.Warn("redis unavailable, manual approvals fall back to memory", "error", err)
		} else {
			redisClient = client
			defer redisClient.Close() //nolint:errcheck // shutdown path
			healthHandler.RegisterCheck("redis", redisClient.Health)
			go recordPoolStats(redisClient)
		}
	}

	// Persistence backend. All three implement identitystore.Store.
	var (
		idStore    identitystore.Store
		auditStore audit.Store
		oboxStore  outbox.Store
	)

	switch cfg.Store.Backend {
	case "postgres":
		pool, err := database.New(database.Config{URL: cfg.Store.DatabaseURL})
		if err != nil {
			return err
		}
		defer pool.Close() //nolint:errcheck // shutdown path
		healthHandler.RegisterCheck("postgres", pool.Health)

		idStore = identitystore.NewPostgres(pool.DB())
		auditStore = audit.NewPostgresStore(pool.DB())
		oboxStore = outbox.NewPostgresStore(pool.DB())

	case "redis":
		if redisClient == nil {
			return errMissingRedisURL
		}
		idStore = identitystore.NewRedis(redisClient.Client)
		auditStore = audit.NewInMemoryStore()
		oboxStore = outbox.NewMemoryStore()

	default:
		idStore = identitystore.NewMemoryStore()
		auditStore = audit.NewInMemoryStore()
		oboxStore = outbox.NewMemoryStore()
	}

	// Audit pipeline. Events always land in the audit store; when brokers
	// are configured they are teed through the outbox to Kafka as well.
	auditOpts := []audit.PublisherOption{
		audit.WithPublisherLogger(log),
		audit.WithAsyncBuffer(auditBufferSize),
	}

	var worker *outbox.Worker
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(kafka.Config{
			Brokers:         cfg.Kafka.Brokers,
			Acks:            cfg.Kafka.Acks,
			Retries:         cfg.Kafka.Retries,
			DeliveryTimeout: cfg.Kafka.DeliveryTimeout,
		}, log)
		if err != nil {
			return err
		}
		defer producer.Close() //nolint:errcheck // shutdown path

		pingCtx, cancel := context.WithTimeout(context.Background(), producerInitChecks)
		if err := producer.Ping(pingCtx); err != nil {
			log.Warn("kafka brokers unreachable at startup, outbox will retry", "error", err)
		}
		cancel()
		healthHandler.RegisterCheck("kafka", producer.Ping)

		auditOpts = append(auditOpts, audit.WithSink(outbox.NewSink(oboxStore)))

		worker = outbox.NewWorker(oboxStore, producer,
			outbox.WithTopic(cfg.Kafka.Topic),
			outbox.WithWorkerMetrics(outboxmetrics.New()),
			outbox.WithWorkerLogger(log),
		)
		worker.Start()
		log.Info("audit outbox worker started", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}

	auditor := audit.NewPublisher(auditStore, auditOpts...)
	defer auditor.Close()

	// Nonce production strategy.
	var generator nonce.Generator
	switch cfg.Nonce.Strategy {
	case "codec":
		g, err := nonce.NewCodecGenerator([]byte(cfg.Nonce.CodecKey))
		if err != nil {
			return err
		}
		generator = g
	default:
		generator = nonce.NewRandomGenerator()
	}

	// Development against the memory backend starts with demo
	// organizations, so validate and list calls have something to chew on.
	// Persistent backends are never seeded.
	if cfg.Server.Environment == "development" && cfg.Store.Backend == "memory" {
		if err := seeder.New(idStore, auditStore, generator, log).SeedAll(context.Background()); err != nil {
			return err
		}
	}

	var spanner tracer.Tracer = tracer.NewNoop()
	if cfg.Tracing.Enabled {
		spanner = tracer.NewOTel()
	}

	engine := bindingservice.NewService(idStore, generator,
		bindingservice.WithLogger(log),
		bindingservice.WithMetrics(bindingmetrics.New()),
		bindingservice.WithAuditPublisher(auditor),
		bindingservice.WithTracer(spanner),
	)

	// Remote verifiers sit behind circuit breakers; health probes keep
	// reaching the collaborator while a circuit is open, so readiness
	// sweeps drive recovery. The manual verifier is in-process and needs
	// no breaker.
	registry := verifier.NewRegistry()
	if cfg.Verifiers.PaymentURL != "" {
		client := verifier.NewResilient(
			payment.NewHTTPClient(cfg.Verifiers.PaymentURL, cfg.Verifiers.PaymentAPIKey, cfg.Verifiers.Timeout),
			log,
		)
		if err := registry.Register(client); err != nil {
			return err
		}
		healthHandler.RegisterCheck("verifier_payment", client.Health)
	}
	if cfg.Verifiers.CodeHostURL != "" {
		client := verifier.NewResilient(
			codehost.NewHTTPClient(cfg.Verifiers.CodeHostURL, cfg.Verifiers.CodeHostName, cfg.Verifiers.CodeHostToken, cfg.Verifiers.Timeout),
			log,
		)
		if err := registry.Register(client); err != nil {
			return err
		}
		healthHandler.RegisterCheck("verifier_codehost", client.Health)
	}
	approvals := manual.TicketSource(manual.NewMemorySource())
	if redisClient != nil {
		approvals = manual.NewRedisSource(redisClient.Client)
	}
	if err := registry.Register(manual.NewVerifier(approvals)); err != nil {
		return err
	}
	log.Info("verification methods registered", "methods", registry.Methods())

	orchestrator := verification.NewService(idStore, registry, engine,
		verification.WithLogger(log),
		verification.WithMetrics(verificationmetrics.New()),
		verification.WithAuditPublisher(auditor),
		verification.WithTracer(spanner),
	)

	deriver, err := fingerprint.NewDeriver([]byte(cfg.Fingerprint.Pepper))
	if err != nil {
		return err
	}

	handler := httptransport.NewHandler(orchestrator, engine, deriver, auditor, log)
	router := httptransport.NewRouter(handler, healthHandler, metrics.NewHTTP(), log, httptransport.RouterConfig{
		OperatorTokenHash: cfg.Server.OperatorTokenHash,
		RequestTimeout:    cfg.Server.RequestTimeout,
		ValidateRate: ratelimit.Policy{
			Name:   "validate",
			Limit:  cfg.RateLimit.ValidateLimit,
			Window: cfg.RateLimit.ValidateWindow,
		},
		OperatorRate: ratelimit.Policy{
			Name:   "operator",
			Limit:  cfg.RateLimit.OperatorLimit,
			Window: cfg.RateLimit.OperatorWindow,
		},
	})

	srv := httpserver.New(cfg.Server.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}

	if worker != nil {
		workerCtx, cancelWorker := context.WithTimeout(context.Background(), workerStopTimeout)
		if err := worker.Stop(workerCtx); err != nil {
			log.Error("outbox worker drain incomplete", "error", err)
		}
		cancelWorker()
	}

	log.Info("fides stopped")
	return nil
}

// recordPoolStats feeds redis pool gauges on a fixed cadence.
func recordPoolStats(client *redis.Client) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for range ticker.C {
		client.RecordPoolStats()
	}
}
