package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ptoc-relay/internal/acquisition"
	mqttsource "ptoc-relay/internal/acquisition/mqtt"
	"ptoc-relay/internal/audit"
	"ptoc-relay/internal/auth"
	"ptoc-relay/internal/config"
	"ptoc-relay/internal/goose"
	goosekafka "ptoc-relay/internal/goose/kafka"
	"ptoc-relay/internal/observability/logging"
	"ptoc-relay/internal/observability/metrics"
	"ptoc-relay/internal/protection/application"
	protection "ptoc-relay/internal/protection/domain"
	"ptoc-relay/internal/protection/infrastructure/memory"
	"ptoc-relay/internal/protection/infrastructure/postgres"
	protectionhttp "ptoc-relay/internal/protection/interfaces/http"
	"ptoc-relay/internal/protection/notify"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay with its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg config.SystemConfig, logger *zap.SugaredLogger) error {
	settings, err := cfg.Build()
	if err != nil {
		return err
	}
	if !cfg.Auth.Disabled && cfg.Auth.JWTSecret == "" {
		return errors.New("serve: AUTH_JWT_SECRET is required unless auth.disabled is set")
	}

	db, repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	metrics.Init(db, logger)

	fn, err := protection.NewPTOC(settings)
	if err != nil {
		return err
	}
	source, closeSource, err := buildSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()
	publisher, closeTransport, err := buildPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	broker := protectionhttp.NewSSEBroker()
	notifiers := notify.NewMultiNotifier(broker)
	service, err := application.NewService(fn, source,
		application.WithSinks(publisher),
		application.WithEventRepository(repo),
		application.WithNotifier(notifiers),
		application.WithLogger(logger),
		application.WithBuffers(cfg.Relay.SampleBuffer, cfg.Relay.OutputBuffer),
		application.WithSinkTimeout(cfg.Relay.SinkTimeout),
		application.WithHeartbeat(cfg.Relay.Heartbeat),
	)
	if err != nil {
		return err
	}
	if cfg.Alarm.WebhookURL != "" {
		webhook, err := buildWebhookNotifier(cfg, service, logger)
		if err != nil {
			return err
		}
		defer webhook.Close()
		notifiers.Add(webhook)
	}

	auditLogger, err := buildAuditLogger(ctx, db, logger)
	if err != nil {
		return err
	}
	handler, err := protectionhttp.NewHandler(service,
		protectionhttp.WithAuditLogger(auditLogger),
		protectionhttp.WithBroker(broker),
		protectionhttp.WithRelayName(cfg.Relay.Name),
		protectionhttp.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(handler, cfg.Auth, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serviceErr := make(chan error, 1)
	go func() {
		defer logging.Recover("protection service", logger)
		serviceErr <- service.Run(ctx)
	}()
	serverErr := make(chan error, 1)
	go func() {
		logger.Infow("http: listening", "addr", cfg.HTTP.Addr, "relay", cfg.Relay.Name)
		serverErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Infow("relay: shutting down")
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-serviceErr:
		runErr = err
		if runErr == nil {
			logger.Infow("relay: sample stream finished; api stays up until shutdown")
			<-ctx.Done()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http: shutdown failed", "error", err)
	}
	return runErr
}

func openRepository(ctx context.Context, cfg config.SystemConfig, logger *zap.SugaredLogger) (*sql.DB, protection.TripEventRepository, error) {
	if cfg.Database.URL == "" {
		logger.Infow("trip events: in memory", "capacity", cfg.Database.MemoryCapacity)
		return nil, memory.NewTripEventRepository(cfg.Database.MemoryCapacity), nil
	}
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	repo := postgres.NewTripEventRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Infow("trip events: postgres")
	return db, repo, nil
}

func buildAuditLogger(ctx context.Context, db *sql.DB, logger *zap.SugaredLogger) (audit.Logger, error) {
	if db == nil {
		return audit.NewZapLogger(logger), nil
	}
	repo := audit.NewRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return repo, nil
}

func buildSource(ctx context.Context, cfg config.SystemConfig, logger *zap.SugaredLogger) (application.SampleSource, func(), error) {
	switch cfg.SV.Source {
	case "mqtt":
		source, err := mqttsource.NewSource(mqttsource.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
			Buffer:   cfg.Relay.SampleBuffer * 4,
		}, mqttsource.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := source.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return source, source.Close, nil
	default:
		simCfg, err := cfg.SimulatorSettings(time.Now().UTC())
		if err != nil {
			return nil, nil, err
		}
		sim, err := acquisition.NewSimulator(simCfg)
		if err != nil {
			return nil, nil, err
		}
		logger.Infow("acquisition: simulator", "waveform", simCfg.Waveform, "sample_rate", simCfg.SampleRate,
			"segments", len(simCfg.Segments), "realtime", simCfg.Realtime, "loop", simCfg.Loop)
		return sim, func() {}, nil
	}
}

func buildPublisher(cfg config.SystemConfig, logger *zap.SugaredLogger) (*goose.Publisher, func(), error) {
	var (
		transport goose.Transport
		closeFn   = func() {}
	)
	switch cfg.GOOSE.Transport {
	case "kafka":
		kafkaTransport, err := goosekafka.NewTransport(cfg.Kafka.Brokers, cfg.GOOSE.Topic)
		if err != nil {
			return nil, nil, err
		}
		transport = kafkaTransport
		closeFn = func() {
			if err := kafkaTransport.Close(); err != nil {
				logger.Warnw("goose kafka: close failed", "error", err)
			}
		}
		logger.Infow("goose: kafka transport", "brokers", cfg.Kafka.Brokers, "topic", kafkaTransport.Topic())
	default:
		transport = goose.NewLogTransport(logger)
	}
	publisher, err := goose.NewPublisher(cfg.Identity(), transport, goose.WithLogger(logger))
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return publisher, closeFn, nil
}

func buildWebhookNotifier(cfg config.SystemConfig, service *application.Service, logger *zap.SugaredLogger) (*notify.Notifier, error) {
	channel, err := notify.NewWebhookChannel(cfg.Alarm.WebhookURL)
	if err != nil {
		return nil, err
	}
	return notify.NewNotifier(channel, nil,
		notify.WithRelayName(cfg.Relay.Name),
		notify.WithStatusReader(service),
		notify.WithEscalation(cfg.Alarm.Escalation),
		notify.WithCooldown(cfg.Alarm.Cooldown),
		notify.WithDedupeWindow(cfg.Alarm.DedupeWindow),
		notify.WithStatusURL(cfg.Alarm.StatusURL),
		notify.WithLogger(logger),
	)
}

func newRouter(handler *protectionhttp.Handler, authCfg config.AuthConfig, logger *zap.SugaredLogger) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	handler.Register(router)

	var next http.Handler = router
	if authCfg.Disabled {
		logger.Warnw("auth: disabled; api is open")
	} else {
		policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
		middleware := auth.NewMiddleware([]byte(authCfg.JWTSecret), policy)
		middleware.Logger = logger
		next = middleware.Wrap(router)
	}
	return loggingMiddleware(next, logger)
}

func loggingMiddleware(next http.Handler, logger *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debugw("http: request", "method", r.Method, "path", r.URL.Path, "status", resp.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the SSE stream working through the wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
