package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the full process configuration, loaded from the environment.
// Idle timeouts and cache TTLs are knobs here, never constants in the code.
type Config struct {
	Port        string `validate:"required"`
	Environment string

	UseMemoryStore bool

	// Database (ignored with the memory store)
	DBUser                 string
	DBPass                 string
	DBName                 string
	InstanceConnectionName string

	// Twilio
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioWhatsAppFrom string

	// InternalAuthSecret signs the trusted tenant bindings internal callers
	// attach to requests.
	InternalAuthSecret string `validate:"required,min=16"`

	// Session idle handling; WarnAfter must be below CloseAfter.
	SessionWarnAfter  time.Duration `validate:"required"`
	SessionCloseAfter time.Duration `validate:"required"`

	// Tenant routing-key cache
	TenantCacheTTL time.Duration `validate:"required"`

	// RoutingAllowlist names non-tenant routing keys (health checks, admin
	// console hosts). They never resolve to a business tenant.
	RoutingAllowlist []string

	DisableWebhookValidation bool
}

// Load reads .env (if present), builds the config and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		if err := godotenv.Load("environments/.env.development"); err != nil {
			log.Println("no .env file found - using environment variables")
		}
	}

	cfg := &Config{
		Port:                     envOr("PORT", "8080"),
		Environment:              envOr("ENVIRONMENT", "development"),
		UseMemoryStore:           os.Getenv("USE_MEMORY_STORE") == "true",
		DBUser:                   envOr("DB_USER", "postgres"),
		DBPass:                   os.Getenv("DB_PASS"),
		DBName:                   envOr("DB_NAME", "tiendabot"),
		InstanceConnectionName:   os.Getenv("INSTANCE_CONNECTION_NAME"),
		TwilioAccountSID:         os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:          os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioWhatsAppFrom:       os.Getenv("TWILIO_WHATSAPP_FROM"),
		InternalAuthSecret:       os.Getenv("INTERNAL_AUTH_SECRET"),
		SessionWarnAfter:         durationOr("SESSION_WARN_AFTER", 20*time.Minute),
		SessionCloseAfter:        durationOr("SESSION_CLOSE_AFTER", 30*time.Minute),
		TenantCacheTTL:           durationOr("TENANT_CACHE_TTL", 2*time.Minute),
		RoutingAllowlist:         []string{"www", "api", "health", "admin"},
		DisableWebhookValidation: os.Getenv("DISABLE_WEBHOOK_VALIDATION") == "true",
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.SessionWarnAfter >= cfg.SessionCloseAfter {
		return nil, fmt.Errorf("SESSION_WARN_AFTER (%s) must be below SESSION_CLOSE_AFTER (%s)",
			cfg.SessionWarnAfter, cfg.SessionCloseAfter)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("invalid duration for %s (%q), using default %s", key, value, fallback)
		return fallback
	}
	return d
}
