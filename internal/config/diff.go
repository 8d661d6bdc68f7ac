package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobchat/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// structured fields safe to log. Secrets (token secret, storage DSN and
// password) are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled))
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if oldS.Driver != newS.Driver || oldS.Path != newS.Path || oldS.Addr != newS.Addr || oldS.DB != newS.DB ||
		oldS.Prefix != newS.Prefix || strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) ||
		oldS.DSN != newS.DSN || oldS.Password != newS.Password {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newS.DSN) != ""),
			logx.String("storage.addr", newS.Addr))
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs, logx.String("registry.refresh_every", newCfg.Registry.RefreshEvery))
	}

	if oldCfg.Composer != newCfg.Composer {
		changed = append(changed, "composer")
		attrs = append(attrs,
			logx.Int("composer.max_body_runes", newCfg.Composer.MaxBodyRunes),
			logx.Float64("composer.rate_per_sec", newCfg.Composer.RatePerSec),
			logx.Int("composer.burst", newCfg.Composer.Burst))
	}

	on, nn := oldCfg.Notifier, newCfg.Notifier
	if on.ProbabilityOrDefault() != nn.ProbabilityOrDefault() ||
		!reflect.DeepEqual(withoutProbability(on), withoutProbability(nn)) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.String("notifier.interval", nn.Interval),
			logx.Float64("notifier.probability", nn.ProbabilityOrDefault()),
			logx.String("notifier.dismiss_after", nn.DismissAfter),
			logx.Int("notifier.max_visible", nn.MaxVisible),
			logx.Int("notifier.demo_senders", len(nn.DemoSenders)))
	}

	if oldCfg.Identity.TokenSecret != newCfg.Identity.TokenSecret ||
		!reflect.DeepEqual(oldCfg.Identity.Roster, newCfg.Identity.Roster) {
		changed = append(changed, "identity")
		attrs = append(attrs,
			logx.Bool("identity.token_secret_set", newCfg.Identity.TokenSecret != ""),
			logx.Int("identity.roster", len(newCfg.Identity.Roster)))
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.AddrOrDefault()))
	}

	sort.Strings(changed)
	return changed, attrs
}

func withoutProbability(n NotifierConfig) NotifierConfig {
	n.Probability = nil
	return n
}

// RestartRequired lists the changed sections that only take effect after
// a restart. Logging, composer and notifier settings apply live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "registry", "http", "identity":
			out = append(out, s)
		}
	}
	return out
}
