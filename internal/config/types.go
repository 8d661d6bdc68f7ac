package config

// Config is the daemon configuration file. Durations are Go duration
// strings ("500ms", "5s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Registry RegistryConfig `json:"registry"`
	Composer ComposerConfig `json:"composer"`
	Notifier NotifierConfig `json:"notifier"`
	Identity IdentityConfig `json:"identity"`
	HTTP     HTTPConfig     `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/chat.db, busy_timeout: 5s }
//
// Drivers: memory, file, sqlite (path), postgres (dsn), redis (addr,
// password, db, prefix).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RegistryConfig controls the conversation read cache. "0s" disables it.
type RegistryConfig struct {
	RefreshEvery string `json:"refresh_every"`
}

// ComposerConfig bounds what a sender may write. A zero rate disables
// rate limiting.
type ComposerConfig struct {
	MaxBodyRunes int     `json:"max_body_runes,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
}

// NotifierConfig controls the per-session poller.
//
// Probability is a pointer so an omitted value (default 0.1) differs from
// an explicit 0.
type NotifierConfig struct {
	Enabled      bool           `json:"enabled"`
	Interval     string         `json:"interval,omitempty"`
	Probability  *float64       `json:"probability,omitempty"`
	DismissAfter string         `json:"dismiss_after,omitempty"`
	MaxVisible   int            `json:"max_visible,omitempty"`
	Seed         int64          `json:"seed,omitempty"`
	DemoSenders  []PersonConfig `json:"demo_senders,omitempty"`
}

// IdentityConfig holds the roster and the HS256 secret for bearer tokens
// (never logged).
type IdentityConfig struct {
	TokenSecret string         `json:"token_secret,omitempty"`
	Roster      []PersonConfig `json:"roster,omitempty"`
}

type PersonConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type HTTPConfig struct {
	Addr            string `json:"addr,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

const (
	DefaultProbability = 0.1
	DefaultHTTPAddr    = "127.0.0.1:8080"
)

// ProbabilityOrDefault resolves an omitted probability.
func (n NotifierConfig) ProbabilityOrDefault() float64 {
	if n.Probability == nil {
		return DefaultProbability
	}
	return *n.Probability
}

// AddrOrDefault resolves an empty listen address.
func (h HTTPConfig) AddrOrDefault() string {
	if h.Addr == "" {
		return DefaultHTTPAddr
	}
	return h.Addr
}
