package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "0.0.0.0", cfg.IMAP.Host)
	assert.Equal(t, 143, cfg.IMAP.Port)
	assert.Equal(t, int64(25<<20), cfg.IMAP.MaxMessage)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("WILDDUCK_IMAP_HOST", "127.0.0.1")
	t.Setenv("WILDDUCK_IMAP_PORT", "1143")
	t.Setenv("WILDDUCK_IMAP_SECURE", "true")

	cfg := Load()
	assert.Equal(t, "127.0.0.1", cfg.IMAP.Host)
	assert.Equal(t, 1143, cfg.IMAP.Port)
	assert.True(t, cfg.IMAP.Secure)
}
