package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"helpdesk.org/internal/audit"
	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/cache"
	"helpdesk.org/internal/config"
	"helpdesk.org/internal/events"
	"helpdesk.org/internal/httpapi"
	"helpdesk.org/internal/notify"
	"helpdesk.org/internal/obs"
	"helpdesk.org/internal/session"
	"helpdesk.org/internal/store/pg"
	"helpdesk.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("HELPDESK_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []auth.ServiceOption{
		auth.WithHasher(auth.BcryptHasher{Cost: cfg.BcryptCost}),
		auth.WithTokenSigner(auth.NewTokenSigner(cfg.TokenSecret, cfg.Issuer)),
		auth.WithIssuer(cfg.Issuer),
		auth.WithDeliveryTimeout(cfg.SMTP.Timeout),
		httpapi.GateOption(),
	}

	// Хранилище: PostgreSQL, если задан DSN, иначе память процесса.
	var (
		store auth.Store
		db    *sql.DB
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = pgStore.DB()
		store = pgStore
	} else {
		obs.Info("store_memory", map[string]any{"reason": "HELPDESK_PG_DSN is empty"})
		store = auth.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer client.Close()
		opts = append(opts, auth.WithLimiter(cache.NewLimiter(client, "")))
	}

	activity := stream.New()
	sinks := events.Fanout{audit.Recorder{}, events.Metrics{}, activity}
	var publisher *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, nil)
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		sinks = append(sinks, publisher)
	}
	opts = append(opts, auth.WithDispatcher(sinks))

	if cfg.SMTP.Host != "" {
		mailer, err := notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			BaseURL:  cfg.SMTP.BaseURL,
			Timeout:  cfg.SMTP.Timeout,
		})
		if err != nil {
			log.Fatalf("smtp notifier: %v", err)
		}
		opts = append(opts, auth.WithNotifier(mailer))
	} else {
		opts = append(opts, auth.WithNotifier(notify.Log{Reveal: cfg.NotifyReveal}))
	}

	svc, err := auth.NewService(store, opts...)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	if err := svc.EnsureBuiltins(ctx); err != nil {
		log.Fatalf("seed builtins: %v", err)
	}

	sessions := session.NewStore(cfg.SessionIdleTTL, nil)
	go sessions.Run(ctx, time.Minute)

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(svc, sessions, probe, version,
		httpapi.WithRateLimit(cfg.RateLimitBurst, cfg.RateLimitRPS),
		httpapi.WithActivityStream(activity),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, httpapi.NewGRPCServer(probe))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Info("starting", map[string]any{
		"version":   version,
		"http_addr": srv.Addr,
		"grpc_addr": cfg.GRPCAddr,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting_down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			obs.Error("kafka_close_failed", map[string]any{"error": err.Error()})
		}
	}
	if db != nil {
		_ = db.Close()
	}
	obs.Info("stopped", nil)
}
