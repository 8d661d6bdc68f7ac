package app

import (
	"fmt"
	"strings"
	"time"

	"jobchat/internal/chat"
	"jobchat/internal/composer"
	"jobchat/internal/config"
	"jobchat/internal/notifier"
	"jobchat/internal/registry"
	"jobchat/internal/storage"
	logx "jobchat/pkg/logx"
)

const defaultRefreshEvery = 2 * time.Second

// MapLoggingConfig converts the logging section for logx.
func MapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// MapStorageConfig converts the storage section for storage.Open.
func MapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		Addr:        strings.TrimSpace(sc.Addr),
		Password:    sc.Password,
		DB:          sc.DB,
		Prefix:      sc.Prefix,
		BusyTimeout: busy,
	}, nil
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	if cfg == nil {
		return registry.Config{RefreshEvery: defaultRefreshEvery}, nil
	}
	d, err := config.ParseDurationAllowZero("registry.refresh_every", cfg.Registry.RefreshEvery, defaultRefreshEvery)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{RefreshEvery: d}, nil
}

func mapComposerConfig(cfg *config.Config) composer.Config {
	if cfg == nil {
		return composer.Config{}
	}
	return composer.Config{
		MaxBodyRunes: cfg.Composer.MaxBodyRunes,
		RatePerSec:   cfg.Composer.RatePerSec,
		Burst:        cfg.Composer.Burst,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg == nil {
		return notifier.Config{Probability: config.DefaultProbability}, nil
	}
	n := cfg.Notifier
	interval, err := config.ParseDurationOrDefault("notifier.interval", n.Interval, notifier.DefaultInterval)
	if err != nil {
		return notifier.Config{}, err
	}
	dismiss, err := config.ParseDurationOrDefault("notifier.dismiss_after", n.DismissAfter, notifier.DefaultDismissAfter)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:      n.Enabled,
		Interval:     interval,
		Probability:  n.ProbabilityOrDefault(),
		DismissAfter: dismiss,
		MaxVisible:   n.MaxVisible,
	}, nil
}

func mapPeople(path string, in []config.PersonConfig) ([]chat.Participant, error) {
	out := make([]chat.Participant, 0, len(in))
	for i, p := range in {
		role := chat.Role(strings.ToLower(strings.TrimSpace(p.Role)))
		if !role.Valid() {
			return nil, fmt.Errorf("%s[%d].role: invalid %q", path, i, p.Role)
		}
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = p.ID
		}
		out = append(out, chat.Participant{ID: strings.TrimSpace(p.ID), DisplayName: name, Role: role})
	}
	return out, nil
}
