package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"driply/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`
	BaseURL     string `json:"base_url"` // public URL for tracking links

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
	FromEmail    string `json:"from_email"`
	FromName     string `json:"from_name"`

	// Engine tunables
	SchedulerInterval time.Duration `json:"scheduler_interval"`
	MaxSendAttempts   int           `json:"max_send_attempts"`
	WorkerConcurrency int           `json:"worker_concurrency"`
	DispatchBatchSize int           `json:"dispatch_batch_size"`
	TransportTimeout  time.Duration `json:"transport_timeout"`
	RetryBackoffBase  time.Duration `json:"retry_backoff_base"`
	DailyNurtureCap   bool          `json:"daily_nurture_cap"`

	// Shared secrets for the admin and webhook surfaces
	AdminAPIToken  string `json:"-"`
	WebhookSecret  string `json:"-"`
	TrackingSecret string `json:"-"`

	SentryDSN string `json:"-"`
	Redis     RedisConfig `json:"redis"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "driply"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		SMTPHost:     getEnv("SMTP_HOST", "localhost"),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("FROM_EMAIL", "hola@driply.app"),
		FromName:     getEnv("FROM_NAME", "Driply"),

		SchedulerInterval: getEnvAsDuration("SCHEDULER_INTERVAL", 5*time.Minute),
		MaxSendAttempts:   getEnvAsInt("MAX_SEND_ATTEMPTS", 3),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		DispatchBatchSize: getEnvAsInt("DISPATCH_BATCH_SIZE", 50),
		TransportTimeout:  getEnvAsDuration("TRANSPORT_TIMEOUT", 30*time.Second),
		RetryBackoffBase:  getEnvAsDuration("RETRY_BACKOFF_BASE", 15*time.Minute),
		DailyNurtureCap:   getEnvAsBool("DAILY_NURTURE_CAP", true),

		AdminAPIToken:  getEnv("ADMIN_API_TOKEN", ""),
		WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
		TrackingSecret: getEnv("TRACKING_SECRET", ""),

		SentryDSN: getEnv("SENTRY_DSN", ""),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.MaxSendAttempts < 1 {
		return fmt.Errorf("MAX_SEND_ATTEMPTS must be at least 1")
	}
	if AppConfig.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.AdminAPIToken == "" {
			return fmt.Errorf("ADMIN_API_TOKEN is required in production")
		}
		if AppConfig.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		if AppConfig.TrackingSecret == "" {
			return fmt.Errorf("TRACKING_SECRET is required in production")
		}
	}

	logConfig()
	return nil
}

// InitSentry wires error reporting when a DSN is configured.
func InitSentry() error {
	if AppConfig.SentryDSN == "" {
		log.Println("Sentry DSN not set, error reporting disabled")
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         AppConfig.SentryDSN,
		Environment: AppConfig.Environment,
	})
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Successfully connected to the database")
	log.Println("Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// MigrateDB creates/updates the engine tables, including the unique
// (enrollment_id, step_ordinal) index that backs at-most-once delivery.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Subscriber{},
		&models.SubscriberTag{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.Enrollment{},
		&models.ScheduledSend{},
		&models.ProcessedSignal{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Scheduler: every %s, %d workers, %d max attempts, batch %d",
		AppConfig.SchedulerInterval,
		AppConfig.WorkerConcurrency,
		AppConfig.MaxSendAttempts,
		AppConfig.DispatchBatchSize)
}
