package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/quatton/qagent/apps/worker/utils"
)

type EnvConfig struct {
	Port        string `envconfig:"PORT" default:"3000"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	AuthSecret  string `envconfig:"AUTH_SECRET" required:"true"`

	// InstanceID identifies this worker in lock ownership and control
	// channel names. Empty means one is generated at startup.
	InstanceID string `envconfig:"INSTANCE_ID"`

	// CacheBackend selects the shared cache: "valkey" or "memory".
	// Memory is single-process only and meant for local development.
	CacheBackend   string `envconfig:"CACHE_BACKEND" default:"valkey"`
	ValkeyAddr     string `envconfig:"VALKEY_ADDR" default:"localhost:6379"`
	ValkeyPassword string `envconfig:"VALKEY_PASSWORD"`

	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"qagent"`
	DBPassword string `envconfig:"DB_PASSWORD" default:"password"`
	DBName     string `envconfig:"DB_NAME" default:"qagent"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	// S3 transcript archive. Optional: when the endpoint is empty the
	// worker skips archival entirely.
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"qagent-transcripts"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`

	Concurrency      int `envconfig:"RUN_CONCURRENCY" default:"4"`
	LockTTLSeconds   int `envconfig:"LOCK_TTL_SECONDS" default:"60"`
	RetentionHours   int `envconfig:"RESPONSE_RETENTION_HOURS" default:"24"`
	AccessTokenTTL   int `envconfig:"ACCESS_TOKEN_TTL" default:"3600"`
	ShutdownWaitSecs int `envconfig:"SHUTDOWN_WAIT_SECONDS" default:"5"`
}

func ValidateEnv() (*EnvConfig, error) {
	if utils.IsDev() {
		if err := godotenv.Load(); err != nil {
			log.Println("ℹ No .env file found")
		} else {
			log.Println("✓ Loaded .env file")
		}
	}

	var cfg EnvConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var errors []string

	if len(cfg.AuthSecret) < 32 {
		errors = append(errors, "  ❌ AUTH_SECRET must be at least 32 characters")
	}

	switch cfg.CacheBackend {
	case "valkey", "memory":
	default:
		errors = append(errors, "  ❌ CACHE_BACKEND must be \"valkey\" or \"memory\"")
	}

	if cfg.CacheBackend == "memory" && !utils.IsDev() {
		errors = append(errors, "  ❌ CACHE_BACKEND=memory is development-only")
	}

	if cfg.S3Endpoint != "" && (cfg.S3AccessKey == "" || cfg.S3SecretKey == "") {
		errors = append(errors, "  ❌ S3_ACCESS_KEY and S3_SECRET_KEY must be set when S3_ENDPOINT is set")
	}

	if cfg.Concurrency < 1 {
		errors = append(errors, "  ❌ RUN_CONCURRENCY must be at least 1")
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return &cfg, nil
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (c *EnvConfig) Print(fmtr func(string, ...interface{})) {
	fmtr("📋 Configuration:\n")
	fmtr("  Environment: %s\n", c.Environment)
	fmtr("  Port: %s\n", c.Port)
	fmtr("  Cache: %s (%s)\n", c.CacheBackend, c.ValkeyAddr)
	fmtr("  Database: %s@%s:%d/%s\n", c.DBUser, c.DBHost, c.DBPort, c.DBName)
	fmtr("  Auth Secret: %s\n", MaskSecret(c.AuthSecret))
	fmtr("  Run Concurrency: %d\n", c.Concurrency)

	if c.S3Endpoint != "" {
		fmtr("  Transcript Archive: ✓ %s/%s\n", c.S3Endpoint, c.S3Bucket)
	} else {
		fmtr("  Transcript Archive: ✗ Disabled\n")
	}
}
