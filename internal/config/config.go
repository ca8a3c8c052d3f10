// Package config reads the server configuration from the environment,
// loading a .env file first when one is present.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Events   EventsConfig
	Tracing  TracingConfig
}

type ServerConfig struct {
	Port         string
	MetricsAddr  string
	RateLimitRPM int
	TLSCert      string
	TLSKey       string
	RequireTLS   bool
}

type DatabaseConfig struct {
	Store string // StoreMongo or StoreMemory
	URI   string
	Name  string
}

type JWTConfig struct {
	Keys      map[string]string // kid -> secret
	ActiveKid string
	ExpiresIn time.Duration
}

type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

type TracingConfig struct {
	OTLPEndpoint string
}

// Load reads a .env file if present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("could not load .env file: %v", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment alone.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvOrDefault("PORT", "50051"),
			MetricsAddr:  getEnvOrDefault("METRICS_ADDR", ":9090"),
			RateLimitRPM: getIntOrDefault("RATE_LIMIT_RPM", 10),
			TLSCert:      os.Getenv("TLS_CERT"),
			TLSKey:       os.Getenv("TLS_KEY"),
			RequireTLS:   os.Getenv("REQUIRE_TLS") == "true",
		},
		Database: DatabaseConfig{
			Store: strings.ToLower(getEnvOrDefault("STORE", StoreMongo)),
			URI:   os.Getenv("MONGODB_URI"),
			Name:  getEnvOrDefault("MONGODB_DATABASE", "huddle"),
		},
		Events: EventsConfig{
			AMQPURL:  os.Getenv("AMQP_URL"),
			Exchange: getEnvOrDefault("AMQP_EXCHANGE", "huddle.events"),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
	}

	expires, err := time.ParseDuration(getEnvOrDefault("JWT_EXPIRES_IN", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRES_IN: %w", err)
	}
	cfg.JWT.ExpiresIn = expires

	switch cfg.Database.Store {
	case StoreMongo:
		if cfg.Database.URI == "" {
			return nil, errors.New("MONGODB_URI must be set")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unknown STORE %q", cfg.Database.Store)
	}

	if err := loadJWTKeys(&cfg.JWT); err != nil {
		return nil, err
	}

	if cfg.Server.RequireTLS && (cfg.Server.TLSCert == "" || cfg.Server.TLSKey == "") {
		return nil, errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}
	return cfg, nil
}

// loadJWTKeys reads JWT_KEYS (kid:secret,kid2:secret2) with JWT_ACTIVE_KID,
// falling back to a single JWT_SECRET.
func loadJWTKeys(c *JWTConfig) error {
	keysEnv := os.Getenv("JWT_KEYS")
	secret := os.Getenv("JWT_SECRET")
	if keysEnv == "" && secret == "" {
		return errors.New("either JWT_SECRET or JWT_KEYS must be set")
	}

	if keysEnv == "" {
		c.Keys = map[string]string{"default": secret}
		c.ActiveKid = "default"
		return nil
	}

	c.Keys = map[string]string{}
	for _, p := range strings.Split(keysEnv, ",") {
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid JWT_KEYS entry: %s", p)
		}
		c.Keys[parts[0]] = parts[1]
	}

	c.ActiveKid = os.Getenv("JWT_ACTIVE_KID")
	if _, ok := c.Keys[c.ActiveKid]; !ok {
		return fmt.Errorf("JWT_ACTIVE_KID %q is not in JWT_KEYS", c.ActiveKid)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Printf("ignoring invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}
