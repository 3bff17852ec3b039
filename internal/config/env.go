package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides for secrets. They win over values in the config file.
const (
	EnvEncryptionKey = "REMINDD_ENCRYPTION_KEY"
	EnvDatabaseDSN   = "REMINDD_DATABASE_DSN"
	EnvRedisURL      = "REMINDD_REDIS_URL"
	EnvSMTPPassword  = "REMINDD_SMTP_PASSWORD"
)

// LoadDotEnv loads KEY=VALUE files into the process environment.
// Missing files are ignored; variables already set are kept.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv copies secret overrides from the environment into cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Channels.EncryptionKey, EnvEncryptionKey)
	set(&cfg.Storage.DSN, EnvDatabaseDSN)
	set(&cfg.Dedup.RedisURL, EnvRedisURL)
	set(&cfg.Channels.Email.Password, EnvSMTPPassword)
}
