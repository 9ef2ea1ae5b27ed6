package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	logx "instabot/pkg/logx"
)

// Validate checks the whole config and returns every problem found, each
// prefixed with its field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if r := cfg.Delays.Randomization; r.VariancePercentage < 0 || r.VariancePercentage > 100 {
		add(fmt.Errorf("delays.randomization.variance_percentage: must be within [0,100]"))
	}
	set, err := cfg.EngineSettings()
	add(err)
	add(set.Validate())

	add(validateDriver(cfg.Driver))
	add(validateStorage(cfg.Storage))

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			add(errors.New("notifier.token: required when notifier is enabled"))
		}
		if n.ChatID == 0 {
			add(errors.New("notifier.chat_id: required when notifier is enabled"))
		}
		if n.RatePerMin < 0 {
			add(errors.New("notifier.rate_per_min: must be >= 0"))
		}
		add(checkDurations(durationField{"notifier.poll_timeout", n.PollTimeout, true}))
	}
	add(validateHTTP(cfg.HTTP))

	return errors.Join(errs...)
}

func validateDriver(d DriverConfig) error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(d.Mode)) {
	case "http":
		u, err := url.Parse(strings.TrimSpace(d.URL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("driver.url: absolute http(s) URL required, got %q", d.URL))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("driver.url: unsupported scheme %q", u.Scheme))
		}
	case "simulate", "":
		if d.FailureRate < 0 || d.FailureRate > 1 {
			errs = append(errs, errors.New("driver.failure_rate: must be within [0,1]"))
		}
		if d.BlockRate < 0 || d.BlockRate > 1 {
			errs = append(errs, errors.New("driver.block_rate: must be within [0,1]"))
		}
	default:
		errs = append(errs, fmt.Errorf("driver.mode: unknown mode %q (want http|simulate)", d.Mode))
	}
	if d.ReadyAttempts < 0 {
		errs = append(errs, errors.New("driver.ready_attempts: must be >= 0"))
	}
	errs = append(errs, checkDurations(
		durationField{"driver.timeout", d.Timeout, true},
		durationField{"driver.ready_interval", d.ReadyInterval, true},
		durationField{"driver.latency", d.Latency, false},
	))
	return errors.Join(errs...)
}

func validateStorage(s *StorageConfig) error {
	if s == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "file", "sqlite", "none", "off", "disabled":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q (want file|sqlite|none)", s.Driver)
	}
	return checkDurations(durationField{"storage.busy_timeout", s.BusyTimeout, false})
}

func validateHTTP(h HTTPConfig) error {
	if !h.Enabled {
		return nil
	}
	var errs []error
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = DefaultHTTPAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		errs = append(errs, fmt.Errorf("http.addr: %w", err))
	} else if !IsLoopbackHost(host) && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
		errs = append(errs, fmt.Errorf("http.addr: %q is not loopback; set http.token or http.allow_insecure", addr))
	}
	errs = append(errs, checkDurations(
		durationField{"http.read_timeout", h.ReadTimeout, false},
		durationField{"http.write_timeout", h.WriteTimeout, false},
		durationField{"http.idle_timeout", h.IdleTimeout, false},
	))
	return errors.Join(errs...)
}

// durationField is one Go-duration key of the file. positive marks keys whose
// explicit zero would turn a required wait into a busy loop.
type durationField struct {
	path     string
	raw      string
	positive bool
}

func checkDurations(fields ...durationField) error {
	var errs []error
	for _, f := range fields {
		d, err := DurationAt(f.path, f.raw, -1)
		switch {
		case err != nil:
			errs = append(errs, err)
		case f.positive && d == 0:
			errs = append(errs, fmt.Errorf("%s: must be > 0", f.path))
		}
	}
	return errors.Join(errs...)
}

// DefaultHTTPAddr is used when http.addr is empty.
const DefaultHTTPAddr = "127.0.0.1:8089"

// IsLoopbackHost reports whether host only accepts local connections.
func IsLoopbackHost(host string) bool {
	h := strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
