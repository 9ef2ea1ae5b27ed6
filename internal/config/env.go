package config

import "strings"

// Environment variables that override secrets and endpoints from the file.
const (
	EnvDriverURL     = "INSTABOT_DRIVER_URL"
	EnvDriverToken   = "INSTABOT_DRIVER_TOKEN"
	EnvNotifierToken = "INSTABOT_TELEGRAM_TOKEN"
	EnvHTTPToken     = "INSTABOT_HTTP_TOKEN"
)

// ApplyEnv overwrites fields whose env var is set and non-empty.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	get := func(k string) (string, bool) {
		v := strings.TrimSpace(getenv(k))
		return v, v != ""
	}
	if v, ok := get(EnvDriverURL); ok {
		cfg.Driver.URL = v
	}
	if v, ok := get(EnvDriverToken); ok {
		cfg.Driver.Token = v
	}
	if v, ok := get(EnvNotifierToken); ok && cfg.Notifier != nil {
		cfg.Notifier.Token = v
	}
	if v, ok := get(EnvHTTPToken); ok {
		cfg.HTTP.Token = v
	}
}
