package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownDrivers = map[string]bool{
	"": true, "memory": true, "mem": true,
	"file":   true,
	"sqlite": true, "sqlite3": true,
	"postgres": true, "postgresql": true, "pgx": true,
	"redis": true,
}

var knownLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// Validate checks cross-field constraints that the decoder cannot. All
// problems are reported together.
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

	if !knownLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch {
	case !knownDrivers[driver]:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	case (driver == "file" || strings.HasPrefix(driver, "sqlite")) && strings.TrimSpace(cfg.Storage.Path) == "":
		add(fmt.Errorf("storage.path: required for driver %q", driver))
	case (driver == "postgres" || driver == "postgresql" || driver == "pgx") && strings.TrimSpace(cfg.Storage.DSN) == "":
		add(fmt.Errorf("storage.dsn: required for driver %q", driver))
	case driver == "redis" && strings.TrimSpace(cfg.Storage.Addr) == "":
		add(fmt.Errorf("storage.addr: required for driver %q", driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	_, err = ParseDurationField("registry.refresh_every", cfg.Registry.RefreshEvery)
	add(err)

	if cfg.Composer.MaxBodyRunes < 0 {
		add(errors.New("composer.max_body_runes: must be >= 0"))
	}
	if cfg.Composer.RatePerSec < 0 {
		add(errors.New("composer.rate_per_sec: must be >= 0"))
	}
	if cfg.Composer.Burst < 0 {
		add(errors.New("composer.burst: must be >= 0"))
	}

	n := cfg.Notifier
	_, err = ParseDurationField("notifier.interval", n.Interval)
	add(err)
	_, err = ParseDurationField("notifier.dismiss_after", n.DismissAfter)
	add(err)
	if p := n.ProbabilityOrDefault(); p < 0 || p > 1 {
		add(fmt.Errorf("notifier.probability: %v is outside [0,1]", p))
	}
	if n.MaxVisible < 0 {
		add(errors.New("notifier.max_visible: must be >= 0"))
	}
	add(validatePeople("notifier.demo_senders", n.DemoSenders))
	add(validatePeople("identity.roster", cfg.Identity.Roster))

	_, err = ParseDurationField("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	add(err)

	return errors.Join(errs...)
}

func validatePeople(path string, people []PersonConfig) error {
	seen := map[string]bool{}
	var errs []error
	for i, p := range people {
		id := strings.TrimSpace(p.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("%s[%d].id: required", path, i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("%s[%d].id: duplicate %q", path, i, id))
		}
		seen[id] = true
		if r := strings.ToLower(strings.TrimSpace(p.Role)); r != "worker" && r != "employer" {
			errs = append(errs, fmt.Errorf("%s[%d].role: must be worker or employer, got %q", path, i, p.Role))
		}
	}
	return errors.Join(errs...)
}
