package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"

	"driply/config"
	"driply/middleware"
	"driply/routes"
	"driply/sequence"
	"driply/store"
	"driply/utils"
	"driply/worker"
)

func main() {
	logger := log.New(os.Stdout, "DRIPLY: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := &config.AppConfig

	// Initialize error reporting
	if err := config.InitSentry(); err != nil {
		logger.Printf("Sentry disabled: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := config.MigrateDB(config.DB); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	utils.SetTrackingSecret(cfg.TrackingSecret)

	// Optional Redis fast-path for webhook dedupe
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Printf("Redis unavailable, falling back to DB-only dedupe: %v", err)
			rdb = nil
		}
	}

	// Wire the engine
	st := store.New(config.DB)
	registry := sequence.NewRegistry(st)
	manager := sequence.NewManager(st, registry, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	tracker := sequence.NewTracker(st, manager, rdb, log.New(os.Stdout, "TRACKER: ", log.LstdFlags))

	mailer := utils.NewMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword,
		cfg.FromEmail, cfg.FromName, cfg.BaseURL)

	executor := worker.NewExecutor(st, manager, mailer,
		cfg.MaxSendAttempts, cfg.WorkerConcurrency, cfg.TransportTimeout, cfg.RetryBackoffBase)
	scheduler := worker.NewScheduler(st, registry, executor,
		cfg.SchedulerInterval, cfg.DispatchBatchSize, cfg.DailyNurtureCap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Start(ctx)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, cfg, st, registry, manager, tracker)

	// Shut the scheduler down cleanly on SIGINT/SIGTERM
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Println("Shutting down")
		cancel()
		_ = app.Shutdown()
	}()

	// Start server
	logger.Printf("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
