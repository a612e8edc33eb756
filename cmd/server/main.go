// Command server runs the trust core: encryption service, circuit breaker
// registry, durable event bus with its dispatcher, hash-chained audit ledger,
// and the operator HTTP surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custodia/internal/encryption"
	encryptionmetrics "custodia/internal/encryption/metrics"
	"custodia/internal/encryption/store/keyring"
	"custodia/internal/eventbus"
	eventbusmetrics "custodia/internal/eventbus/metrics"
	"custodia/internal/eventbus/store/deadletter"
	"custodia/internal/eventbus/store/outbox"
	"custodia/internal/ledger"
	ledgermetrics "custodia/internal/ledger/metrics"
	"custodia/internal/ledger/store/entry"
	"custodia/internal/platform/config"
	"custodia/internal/platform/httpserver"
	"custodia/internal/platform/kafka"
	"custodia/internal/platform/logger"
	"custodia/internal/platform/postgres"
	platformredis "custodia/internal/platform/redis"
	httptransport "custodia/internal/transport/http"
	"custodia/pkg/platform/circuit"
)

// auditedEventTypes are the domain events the ledger subscribes to.
var auditedEventTypes = []string{
	"record.accessed",
	"record.updated",
	"consent.granted",
	"consent.revoked",
	"key.rotated",
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	// Stores: Postgres when configured, in-memory for development.
	var (
		keyStore    encryption.KeyStore
		outboxStore eventbus.OutboxStore
		dlStore     eventbus.DeadLetterStore
		entryStore  ledger.EntryStore
		txScope     httptransport.TxRunner
		health      []httptransport.HealthChecker
	)
	if cfg.PostgresURL != "" {
		db, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer db.Close()
		pool, err := postgres.OpenPool(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		keyStore = keyring.NewPostgres(db)
		outboxStore = outbox.NewPostgres(pool)
		dlStore = deadletter.NewPostgres(db)
		entryStore = entry.NewPostgres(db)

		// Publishers run through this scope so their state change and
		// the outbox write share one transaction.
		txScope = newOutboxPgxTx(pool)
	} else {
		log.Warn("no postgres configured, using in-memory stores")
		keyStore = keyring.NewMemoryStore()
		outboxStore = outbox.NewMemoryStore()
		dlStore = deadletter.NewMemoryStore()
		entryStore = entry.NewMemoryStore()
	}

	// Encryption service.
	crypto, err := encryption.New(cfg.MasterKey, keyStore,
		encryption.WithLogger(log),
		encryption.WithMetrics(encryptionmetrics.New()),
	)
	if err != nil {
		return err
	}
	if err := crypto.EnsureKeys(ctx); err != nil {
		return err
	}

	// Circuit breaker registry, persisted to Redis when configured.
	registryOpts := []circuit.RegistryOption{
		circuit.WithLogger(log),
		circuit.WithMetrics(circuit.NewMetrics()),
	}
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		registryOpts = append(registryOpts, circuit.WithStateStore(circuit.NewRedisStateStore(redisClient.Client)))
		health = append(health, redisClient)
	}
	breakers := circuit.NewRegistry(registryOpts...)

	// Event bus and ledger.
	bus := eventbus.New(outboxStore,
		eventbus.WithLogger(log),
		eventbus.WithMetrics(eventbusmetrics.New()),
	)
	ledgerSvc := ledger.New(entryStore, crypto,
		ledger.WithLogger(log),
		ledger.WithMetrics(ledgermetrics.New()),
		ledger.WithRetention(time.Duration(cfg.RetentionYears)*365*24*time.Hour),
	)
	ledger.NewSubscriber(ledgerSvc, log).Register(bus, auditedEventTypes...)

	// Optional Kafka mirror for delivered envelopes.
	dispatcherOpts := []eventbus.DispatcherOption{
		eventbus.WithDispatcherLogger(log),
		eventbus.WithAlertNotifier(logAlertNotifier{logger: log}),
	}
	producer, err := kafka.NewProducer(cfg.Kafka, log)
	if err != nil {
		return err
	}
	if producer != nil {
		defer producer.Close()
		if err := producer.EnsureTopic(ctx, 6); err != nil {
			return err
		}
		dispatcherOpts = append(dispatcherOpts, eventbus.WithMirror(producer))
	}

	dispatcher := eventbus.NewDispatcher(bus, dlStore, breakers, eventbus.DispatcherConfig{
		Workers:     cfg.Dispatcher.Workers,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		BaseBackoff: cfg.Dispatcher.BaseBackoff,
	}, dispatcherOpts...)

	dispatcherDone := make(chan error, 1)
	go func() {
		dispatcherDone <- dispatcher.Run(ctx)
	}()

	// Operator surface.
	handler := httptransport.New(ledgerSvc, crypto, bus, breakers, dlStore, txScope, []byte(cfg.JWTSigningKey), log, health...)
	srv := httpserver.New(cfg.Addr, handler.Router())

	serverDone := make(chan error, 1)
	go func() {
		log.Info("custodia server listening", "addr", cfg.Addr)
		serverDone <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverDone:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-dispatcherDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// logAlertNotifier surfaces dead-letter alerts in the logs. Deployments with
// a paging system replace this with a real notifier.
type logAlertNotifier struct {
	logger *slog.Logger
}

func (n logAlertNotifier) DeadLettered(_ context.Context, dl eventbus.DeadLetter) {
	n.logger.Error("OPERATOR ALERT: envelope dead-lettered",
		"envelope", dl.Envelope.ID,
		"type", dl.Envelope.Type,
		"partition", dl.Envelope.PartitionKey,
		"last_error", dl.LastError,
	)
}
