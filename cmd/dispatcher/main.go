// cmd/dispatcher/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "task-dispatch/internal/api/http"
	"task-dispatch/internal/config"
	"task-dispatch/internal/dispatch"
	"task-dispatch/internal/domain"
	"task-dispatch/internal/infra/etcd"
	"task-dispatch/internal/infra/mysql"
	redisinfra "task-dispatch/internal/infra/redis"
	"task-dispatch/internal/presence"
	"task-dispatch/internal/ratelimit"
	"task-dispatch/internal/tracing"
	"task-dispatch/internal/usecase"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Initialize logger and tracer
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("task-dispatch")
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	log.Println("Starting task dispatch node...")

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.JwtSecret == "" {
		log.Fatal("jwt_secret is not configured")
	}

	nodeID := uuid.New().String()
	log.Printf("Node ID: %s", nodeID)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Setup graceful shutdown
	setupGracefulShutdown(cancel)

	// 5. Storage backend: etcd is the default system of record, MySQL the
	// relational alternative. Both implement the same repositories.
	var (
		taskRepo  domain.TaskRepository
		statsRepo domain.WorkerStatsRepository
	)
	var leaderManager domain.LeaderElectionManager

	switch cfg.StorageBackend {
	case "mysql":
		db, err := mysql.Open(cfg.MysqlDSN)
		if err != nil {
			log.Fatalf("Failed to connect to mysql: %v", err)
		}
		taskRepo = mysql.NewMysqlTaskRepository(db, logger)
		statsRepo = mysql.NewMysqlWorkerStatsRepository(db, logger)
		log.Println("Connected to MySQL.")

		// Leader election still runs on etcd even with relational storage.
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		leaderManager = etcd.NewEtcdLeaderElectionManager(etcdClient, nodeID, cfg.LeaderElectionTTL, logger)
	case "etcd":
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		log.Println("Connected to etcd.")

		taskRepo = etcd.NewEtcdTaskRepository(etcdClient, logger)
		statsRepo = etcd.NewEtcdWorkerStatsRepository(etcdClient, logger)
		leaderManager = etcd.NewEtcdLeaderElectionManager(etcdClient, nodeID, cfg.LeaderElectionTTL, logger)
	default:
		log.Fatalf("Unknown storage backend %q", cfg.StorageBackend)
	}

	// 6. Action limiter: Redis-backed when configured, otherwise in-memory.
	// The 3h re-alert cooldown is enforced per task by the broadcaster;
	// the limiter only debounces repeated requests from one poster.
	intervals := map[string]time.Duration{
		ratelimit.ActionAccept:  cfg.AcceptDebounce,
		ratelimit.ActionRealert: cfg.RealertDebounce,
	}
	var limiter domain.ActionLimiter
	if cfg.RedisAddr != "" {
		redisClient, err := redisinfra.NewClient(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		limiter = redisinfra.NewLimiter(redisClient, intervals, logger)
		log.Println("Connected to Redis.")
	} else {
		memLimiter := ratelimit.New(intervals)
		go memLimiter.SweepEvery(time.Minute, rootCtx.Done())
		limiter = memLimiter
	}

	// 7. Instantiate dispatch components
	registry := presence.NewRegistry(cfg.DefaultRadiusKm, cfg.MinRadiusKm, cfg.MaxRadiusKm, logger)
	hub := http_api.NewEventHub(registry, logger)
	broadcaster := dispatch.NewBroadcaster(registry, hub, taskRepo, cfg.FanoutCap, cfg.RealertCooldown, logger)

	taskService := usecase.NewTaskService(taskRepo, statsRepo, registry, broadcaster, hub, limiter, cfg.DailyCancelCap, logger)
	reclaimService := usecase.NewReclaimService(taskRepo, statsRepo, registry, broadcaster, hub, leaderManager,
		nodeID, cfg.ReclaimInterval, cfg.StartDeadline, logger)

	// 8. Register routes and metrics endpoint
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())

	api := router.NewRoute().Subrouter()
	api.Use(http_api.InstrumentMiddleware)
	api.Use(http_api.AuthMiddleware(cfg.JwtSecret))
	api.Handle("/events", hub).Methods(http.MethodGet)
	http_api.NewTaskHandler(taskService, logger).RegisterRoutes(api)
	http_api.NewPresenceHandler(registry, logger).RegisterRoutes(api)

	// 9. Start the reclaim sweep (leader-elected)
	go func() {
		if err := reclaimService.Run(rootCtx); err != nil && err != context.Canceled {
			log.Fatalf("Reclaim service stopped with error: %v", err)
		}
	}()

	// 10. Start HTTP API server
	log.Printf("Starting HTTP API server on %s", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 11. Block until shutdown
	<-rootCtx.Done()
	log.Println("Shutting down application gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("HTTP server shutdown failed: %v", err)
	}

	log.Println("Application shut down.")
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
