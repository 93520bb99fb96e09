package config

import (
	"os"
	"strings"
	"time"
)

// Server captures process-level configuration.
type Server struct {
	Addr            string
	PostgresDSN     string
	RedisURL        string
	KafkaBrokers    []string
	KafkaAuditTopic string
	JWTSigningKey   string
	DefaultLanguage string
}

// RedisConfig tunes the salt-store client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := os.Getenv("CONSENTRY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	topic := os.Getenv("CONSENTRY_KAFKA_AUDIT_TOPIC")
	if topic == "" {
		topic = "consentry.audit"
	}

	jwtSigningKey := os.Getenv("CONSENTRY_JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	defaultLanguage := os.Getenv("CONSENTRY_DEFAULT_LANGUAGE")
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}

	var brokers []string
	if raw := os.Getenv("CONSENTRY_KAFKA_BROKERS"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}

	return Server{
		Addr:            addr,
		PostgresDSN:     os.Getenv("CONSENTRY_POSTGRES_DSN"),
		RedisURL:        os.Getenv("CONSENTRY_REDIS_URL"),
		KafkaBrokers:    brokers,
		KafkaAuditTopic: topic,
		JWTSigningKey:   jwtSigningKey,
		DefaultLanguage: defaultLanguage,
	}
}

// Redis derives the salt-store client config.
func (s Server) Redis() RedisConfig {
	return RedisConfig{
		URL:          s.RedisURL,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}
