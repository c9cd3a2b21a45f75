// Package config is the core's environment-driven configuration loader,
// a plain struct sourced from environment variables instead of a static
// default literal, extended with the MongoDB/Redis connection settings
// the server needs at startup.
package config

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/melvynkim/wildduck/internal/imapserver"
)

// IMAP holds the listener settings, including MaxMessage/ID for the
// listener configuration.
type IMAP struct {
	Host           string
	Port           int
	Secure         bool
	IgnoreSTARTTLS bool
	MaxMessage     int64 // bytes; teacher's MaxMB * 1<<20
	MaxStorage     int64 // bytes, default per-user quota
	KeyFile        string
	CertFile       string
	AuthTimeout    time.Duration
	ID             imapserver.ListenerID
}

// Mongo holds the document database connection settings.
type Mongo struct {
	URI      string
	Database string
}

// Redis holds the rate limiter's backing store connection settings.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Config is the full process configuration, loaded once at startup.
type Config struct {
	IMAP  IMAP
	Mongo Mongo
	Redis Redis
}

// Load reads the environment, falling back to sensible defaults for
// anything unset.
func Load() Config {
	return Config{
		IMAP: IMAP{
			Host:           envString("WILDDUCK_IMAP_HOST", "0.0.0.0"),
			Port:           envInt("WILDDUCK_IMAP_PORT", 143),
			Secure:         envBool("WILDDUCK_IMAP_SECURE", false),
			IgnoreSTARTTLS: envBool("WILDDUCK_IMAP_IGNORE_STARTTLS", false),
			MaxMessage:     envInt64("WILDDUCK_IMAP_MAX_MB", 25) * (1 << 20),
			MaxStorage:     envInt64("WILDDUCK_IMAP_MAX_STORAGE", 1073741824),
			KeyFile:        envString("WILDDUCK_IMAP_KEY_FILE", ""),
			CertFile:       envString("WILDDUCK_IMAP_CERT_FILE", ""),
			AuthTimeout:    time.Duration(envInt64("WILDDUCK_IMAP_AUTH_TIMEOUT_SECONDS", 30)) * time.Second,
			ID: imapserver.ListenerID{
				Name:    envString("WILDDUCK_IMAP_ID_NAME", "wildduck-core"),
				Version: envString("WILDDUCK_IMAP_ID_VERSION", "1.0"),
				Vendor:  envString("WILDDUCK_IMAP_ID_VENDOR", ""),
			},
		},
		Mongo: Mongo{
			URI:      envString("WILDDUCK_MONGO_URI", "mongodb://localhost:27017"),
			Database: envString("WILDDUCK_MONGO_DATABASE", "wildduck"),
		},
		Redis: Redis{
			Addr:     envString("WILDDUCK_REDIS_ADDR", "localhost:6379"),
			Password: envString("WILDDUCK_REDIS_PASSWORD", ""),
			DB:       envInt("WILDDUCK_REDIS_DB", 0),
		},
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// sugaredLogger adapts *zap.SugaredLogger's *f methods to the printf-style
// three-method Logger the dispatcher depends on.
type sugaredLogger struct{ s *zap.SugaredLogger }

func (l sugaredLogger) Info(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l sugaredLogger) Error(format string, args ...interface{}) { l.s.Errorf(format, args...) }
func (l sugaredLogger) Debug(format string, args ...interface{}) { l.s.Debugf(format, args...) }

// NewLogger builds the production structured logger, backed by zap.
func NewLogger() (imapserver.Logger, func(), error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return nil, nil, err
	}
	sync := func() { _ = zl.Sync() }
	return sugaredLogger{s: zl.Sugar()}, sync, nil
}
