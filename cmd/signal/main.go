package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"guffrelay/internal/core/ports"
	"guffrelay/internal/core/services"
	"guffrelay/internal/infrastructure/distributed"
	"guffrelay/internal/infrastructure/middleware"
	"guffrelay/internal/infrastructure/monitoring"
	"guffrelay/internal/infrastructure/repositories"
	signalinfra "guffrelay/internal/infrastructure/signal"
	"guffrelay/pkg/config"
	"guffrelay/pkg/logger"
	"guffrelay/pkg/tracing"
	"guffrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		defaults := config.DefaultConfig()
		logger.New(defaults.Logging.Level, defaults.Logging.Format).Sugar().
			Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	if cfg.Instance.ID == "" {
		cfg.Instance.ID = utils.GenerateInstanceID()
	}
	log = log.With("instance", cfg.Instance.ID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	pool := repoFactory.CreateWaitingPool()

	// Metrics
	var metrics ports.RelayMetrics
	registry := prometheus.NewRegistry()
	if cfg.Monitoring.PrometheusEnabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = monitoring.NewPrometheusCollector(registry)
	}

	// Delivery: local sessions, or the Redis bus when the pool is shared
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := signalinfra.NewRegistry(log)
	var deliverer ports.Deliverer = sessions
	var instances *distributed.InstanceRegistry

	if repoFactory.UsingRedis() {
		bus := distributed.NewDeliveryBus(repoFactory.RedisClient(), cfg.Instance.ID, cfg.Redis.KeyPrefix, sessions, log)
		go func() {
			if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("delivery bus stopped", "error", err)
			}
		}()
		deliverer = bus

		purger := repoFactory.CreateInstancePurger()
		if n, err := purger.PurgeInstance(ctx, cfg.Instance.ID); err != nil {
			log.Warnw("failed to purge entries from a previous run", "error", err)
		} else if n > 0 {
			log.Infow("purged entries from a previous run", "count", n)
		}

		instances = distributed.NewInstanceRegistry(
			repoFactory.RedisClient(),
			cfg.Instance.ID,
			cfg.Redis.KeyPrefix,
			cfg.Redis.HeartbeatInterval,
			cfg.Redis.InstanceTTL,
			purger,
			log,
		)
	}

	// Services
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	identities := services.NewIdentityResolver(authService, cfg.Signal.IdentityParam, cfg.Signal.TokenParam, log)
	matchmaker := services.NewMatchmaker(pool, deliverer, metrics, log)
	router := services.NewSignalRouter(deliverer, metrics, cfg.Signal.VerifySender, log)

	wsServer := signalinfra.NewWebSocketServer(signalinfra.Options{
		InstanceID:     cfg.Instance.ID,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}, sessions, pool, matchmaker, router, identities, metrics, log)
	wsServer.SetConnectionGate(middleware.NewWebSocketLimiter(cfg))

	if instances != nil {
		// Peers may have swept our entries while the heartbeat was lapsed.
		instances.OnRecover(func(ctx context.Context) {
			wsServer.RequeueWaiting(ctx)
		})
		go func() {
			if err := instances.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("instance registry stopped", "error", err)
			}
		}()
	}

	health := monitoring.NewHealthChecker()
	health.AddPoolCheck(pool, cfg.Monitoring.HealthCheckTimeout)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, cfg.Monitoring.HealthCheckTimeout)
	}
	if instances != nil {
		health.AddCheck("instance_heartbeat", instances.CheckAlive, cfg.Monitoring.HealthCheckTimeout)
	}

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Fatalw("invalid server.trusted_proxies", "error", err)
	}
	engine.Use(middleware.RecoveryMiddleware(log))
	engine.Use(middleware.ErrorHandlerMiddleware(log))

	engine.GET(cfg.Signal.Path,
		middleware.ClientIPMiddleware(),
		middleware.TracingMiddleware(),
		middleware.OptionalAuthMiddleware(authService),
		gin.WrapF(wsServer.HandleWebSocket),
	)

	// Operational endpoints share the HTTP limiter; upgrades go through the
	// connection gate instead.
	ops := engine.Group("/", middleware.NewHTTPRateLimitMiddleware(cfg))
	ops.GET("/health", gin.WrapF(wsServer.HealthCheck))

	ops.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		ops.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	// WriteTimeout is left unset: it would cut long-lived WebSocket connections.
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     engine,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting guffrelay signaling server",
			"address", cfg.Server.Address,
			"path", cfg.Signal.Path,
			"redis", repoFactory.UsingRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig.String())
	}

	log.Info("shutting down guffrelay signaling server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not tracked by srv.Shutdown.
	wsServer.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	cancel()
	if instances != nil {
		if err := instances.Deregister(shutdownCtx); err != nil {
			log.Warnw("failed to deregister instance", "error", err)
		}
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Info("guffrelay signaling server stopped")
}
