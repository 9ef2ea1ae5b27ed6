package app

import (
	"fmt"
	"strings"
	"time"

	"instabot/internal/config"
	"instabot/internal/executor"
	"instabot/internal/notifier"
	"instabot/internal/observability"
	"instabot/internal/storage"
	logx "instabot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationAt("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDriverConfig(cfg *config.Config) (executor.Config, error) {
	d := cfg.Driver
	timeout, err := config.DurationAt("driver.timeout", d.Timeout, executor.DefaultTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	interval, err := config.DurationAt("driver.ready_interval", d.ReadyInterval, executor.DefaultReadyInterval)
	if err != nil {
		return executor.Config{}, err
	}
	latency, err := config.DurationAt("driver.latency", d.Latency, 0)
	if err != nil {
		return executor.Config{}, err
	}
	attempts := d.ReadyAttempts
	if attempts == 0 {
		attempts = executor.DefaultReadyAttempts
	}
	return executor.Config{
		Mode:          strings.ToLower(strings.TrimSpace(d.Mode)),
		URL:           strings.TrimSpace(d.URL),
		Token:         d.Token,
		Timeout:       timeout,
		ReadyAttempts: attempts,
		ReadyInterval: interval,
		FailureRate:   d.FailureRate,
		BlockRate:     d.BlockRate,
		Latency:       latency,
		Seed:          d.Seed,
	}, nil
}

type notifierSettings struct {
	service  notifier.Config
	telegram notifier.TelegramConfig
	owners   []int64
	commands bool
}

func mapNotifierConfig(cfg *config.Config) (notifierSettings, error) {
	if cfg == nil || cfg.Notifier == nil || !cfg.Notifier.Enabled {
		return notifierSettings{}, nil
	}
	n := cfg.Notifier
	if strings.TrimSpace(n.Token) == "" {
		return notifierSettings{}, fmt.Errorf("notifier.token is required when notifier.enabled=true")
	}
	if n.ChatID == 0 {
		return notifierSettings{}, fmt.Errorf("notifier.chat_id is required when notifier.enabled=true")
	}
	if n.RatePerMin < 0 {
		return notifierSettings{}, fmt.Errorf("notifier.rate_per_min must be >= 0")
	}
	poll, err := config.DurationAt("notifier.poll_timeout", n.PollTimeout, 10*time.Second)
	if err != nil {
		return notifierSettings{}, err
	}
	return notifierSettings{
		service: notifier.Config{
			Enabled:    true,
			RatePerMin: n.RatePerMin,
		},
		telegram: notifier.TelegramConfig{
			Token:       n.Token,
			ChatID:      n.ChatID,
			PollTimeout: poll,
		},
		owners:   append([]int64(nil), n.OwnerUserIDs...),
		commands: n.Commands,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (observability.ServerConfig, error) {
	h := cfg.HTTP
	out := observability.ServerConfig{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	if out.Addr == "" {
		out.Addr = config.DefaultHTTPAddr
	}
	var err error
	if out.ReadTimeout, err = config.DurationAt("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.DurationAt("http.write_timeout", h.WriteTimeout, 0); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.DurationAt("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}
