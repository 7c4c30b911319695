package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over file values on every parse, so a hot
// reload never resurrects a secret that only lives in the environment.
const (
	EnvTelegramToken = "MOODPING_TELEGRAM_TOKEN"
	EnvStorageDriver = "MOODPING_STORAGE_DRIVER"
	EnvStorageDSN    = "MOODPING_STORAGE_DSN"
	EnvRedisAddr     = "MOODPING_REDIS_ADDR"
	EnvHTTPAddr      = "MOODPING_HTTP_ADDR"
	EnvLogLevel      = "MOODPING_LOG_LEVEL"
	EnvSystemdNotify = "MOODPING_SYSTEMD_NOTIFY"
)

// LoadEnv loads .env style files into the process environment. Missing files
// are ignored; variables already set are not overwritten.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays MOODPING_* variables onto cfg.
func ApplyEnv(cfg *Config) {
	applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvStorageDriver); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := get(EnvStorageDSN); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := get(EnvRedisAddr); ok {
		if cfg.Flags == nil {
			cfg.Flags = &FlagsConfig{Driver: "redis"}
		}
		cfg.Flags.Redis.Addr = v
	}
	if v, ok := get(EnvHTTPAddr); ok {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Addr = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvSystemdNotify); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Systemd.Notify = b
		}
	}
}
