// Package config loads and validates the service configuration. The
// configuration is read once at startup and is immutable for the lifetime
// of the process; reconfiguration is a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SourceKind enumerates the supported adapter kinds.
type SourceKind string

const (
	SourceKindFileSystem SourceKind = "filesystem"
	SourceKindWeb        SourceKind = "web"
	SourceKindGitHub     SourceKind = "github"
)

// Config is the root configuration object handed to the core.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Sources     []SourceConfig    `yaml:"sources" validate:"dive"`
	Cache       CacheConfig       `yaml:"cache"`
	Performance PerformanceConfig `yaml:"performance"`
	Feedback    FeedbackConfig    `yaml:"feedback"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	LogLevel    string            `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig holds the HTTP ingress settings.
type ServerConfig struct {
	Port         int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SourceConfig describes one configured source adapter.
type SourceConfig struct {
	Name     string     `yaml:"name" validate:"required"`
	Kind     SourceKind `yaml:"kind" validate:"required,oneof=filesystem web github"`
	Enabled  *bool      `yaml:"enabled"`
	Priority int        `yaml:"priority"`

	// Resilience knobs shared by every kind.
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Breaker        BreakerConfig   `yaml:"circuit_breaker"`
	MaxRetries     int             `yaml:"max_retries"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	MaxConcurrent  int64           `yaml:"max_concurrent"`

	// Kind-specific sections; exactly one is populated.
	FileSystem *FileSystemSourceConfig `yaml:"filesystem,omitempty"`
	Web        *WebSourceConfig        `yaml:"web,omitempty"`
	GitHub     *GitHubSourceConfig     `yaml:"github,omitempty"`
}

// IsEnabled reports whether the source participates in fan-out. Sources are
// enabled unless explicitly disabled.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// FileSystemSourceConfig configures a local document tree.
type FileSystemSourceConfig struct {
	BasePaths       []string `yaml:"base_paths" validate:"required,min=1"`
	MaxDepth        int      `yaml:"max_depth"`
	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
	WatchChanges    bool     `yaml:"watch_changes"`
}

// WebAuthMode enumerates web adapter authentication modes.
type WebAuthMode string

const (
	WebAuthNone   WebAuthMode = "none"
	WebAuthAPIKey WebAuthMode = "api_key"
	WebAuthBearer WebAuthMode = "bearer"
	WebAuthOAuth2 WebAuthMode = "oauth2"
)

// WebSourceConfig configures an HTTP documentation source.
type WebSourceConfig struct {
	RootURLs        []string      `yaml:"root_urls" validate:"required,min=1,dive,url"`
	MaxDepth        int           `yaml:"max_depth"`
	FollowLinks     bool          `yaml:"follow_links"`
	IncludePatterns []string      `yaml:"include_patterns"`
	ExcludePatterns []string      `yaml:"exclude_patterns"`
	RespectRobots   bool          `yaml:"respect_robots"`
	StripElements   []string      `yaml:"strip_elements"`
	PerHostRate     float64       `yaml:"per_host_rate"`
	PerHostBurst    int           `yaml:"per_host_burst"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`

	Auth WebAuthConfig `yaml:"auth"`
}

// WebAuthConfig configures authentication for the web adapter. Credentials
// are never inlined; they are resolved from the named environment variables.
type WebAuthConfig struct {
	Mode            WebAuthMode `yaml:"mode" validate:"omitempty,oneof=none api_key bearer oauth2"`
	HeaderName      string      `yaml:"header_name"`
	QueryParam      string      `yaml:"query_param"`
	APIKeyEnv       string      `yaml:"api_key_env"`
	BearerTokenEnv  string      `yaml:"bearer_token_env"`
	ClientIDEnv     string      `yaml:"client_id_env"`
	ClientSecretEnv string      `yaml:"client_secret_env"`
	TokenURL        string      `yaml:"token_url"`
}

// GitHubSourceConfig configures repository tree indexing.
type GitHubSourceConfig struct {
	Repositories []string `yaml:"repositories" validate:"required,min=1"`
	IncludePaths []string `yaml:"include_paths"`
	TokenEnv     string   `yaml:"token_env"`
	BaseURL      string   `yaml:"base_url"`
	QuotaMargin  int      `yaml:"quota_margin"`
}

// RateLimitConfig is a token bucket definition.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// BreakerConfig configures a circuit breaker key.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	CoolOff          time.Duration `yaml:"cool_off"`
	ProbeRequests    uint32        `yaml:"probe_requests"`
}

// CacheStrategy selects the cache topology.
type CacheStrategy string

const (
	CacheStrategyMemoryOnly CacheStrategy = "memory_only"
	CacheStrategyHybrid     CacheStrategy = "hybrid"
)

// CacheConfig configures the hybrid cache.
type CacheConfig struct {
	Enabled     bool                       `yaml:"enabled"`
	Strategy    CacheStrategy              `yaml:"strategy" validate:"omitempty,oneof=memory_only hybrid"`
	MaxItems    int                        `yaml:"max_items"`
	MaxMemory   int64                      `yaml:"max_memory_bytes"`
	MemoryTTL   time.Duration              `yaml:"memory_ttl"`
	RemoteURL   string                     `yaml:"remote_url"`
	RemoteTTL   time.Duration              `yaml:"remote_ttl"`
	ContentTTLs map[string]ContentTTLEntry `yaml:"content_ttls"`
}

// ContentTTLEntry is the per-content-type TTL policy.
type ContentTTLEntry struct {
	TTL         time.Duration `yaml:"ttl"`
	Warmup      bool          `yaml:"warmup"`
	CriticalIDs []string      `yaml:"critical_ids"`
}

// PerformanceConfig bounds the rolling monitoring windows and fan-out.
type PerformanceConfig struct {
	WindowSize         int           `yaml:"window_size"`
	MaxSamples         int           `yaml:"max_samples"`
	GlobalConcurrency  int64         `yaml:"global_concurrency"`
	AdapterTimeout     time.Duration `yaml:"adapter_timeout"`
	OverallTimeout     time.Duration `yaml:"overall_timeout"`
	QueueWait          time.Duration `yaml:"queue_wait"`
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`
}

// FeedbackConfig locates the append-only feedback log.
type FeedbackConfig struct {
	Path string `yaml:"path"`
}

// EscalationLevel is one rung of the escalation ladder. A level fires
// once the failed-attempt count or elapsed time reaches its threshold.
type EscalationLevel struct {
	Contact           string        `yaml:"contact" validate:"required"`
	Channel           string        `yaml:"channel"`
	Severities        []string      `yaml:"severities"`
	AfterAttempts     int           `yaml:"after_attempts"`
	AfterElapsed      time.Duration `yaml:"after_elapsed"`
	BusinessHoursOnly bool          `yaml:"business_hours_only"`
}

// EscalationConfig orders the escalation ladder. An empty ladder falls
// back to DefaultEscalationLevels.
type EscalationConfig struct {
	Levels []EscalationLevel `yaml:"levels" validate:"dive"`
}

// DefaultEscalationLevels is the ladder used when config omits one.
func DefaultEscalationLevels() []EscalationLevel {
	return []EscalationLevel{
		{Contact: "primary_oncall", Channel: "pager", Severities: []string{"critical", "high", "medium"}},
		{Contact: "secondary_oncall", Channel: "pager", Severities: []string{"critical", "high"}, AfterAttempts: 1, AfterElapsed: 15 * time.Minute},
		{Contact: "team_lead", Channel: "phone", Severities: []string{"critical", "high"}, AfterAttempts: 2, AfterElapsed: 30 * time.Minute},
		{Contact: "incident_commander", Channel: "phone", Severities: []string{"critical"}, AfterAttempts: 3, AfterElapsed: 45 * time.Minute},
		{Contact: "platform_team", Channel: "chat", Severities: []string{"medium", "low"}, BusinessHoursOnly: true},
		{Contact: "engineering_manager", Channel: "email", Severities: []string{"low"}, AfterElapsed: 4 * time.Hour, BusinessHoursOnly: true},
	}
}

// Defaults applied when the file omits a value.
const (
	DefaultPort              = 8080
	DefaultMaxItems          = 10_000
	DefaultMaxMemory         = 64 << 20
	DefaultMemoryTTL         = 5 * time.Minute
	DefaultRemoteTTL         = 30 * time.Minute
	DefaultGlobalConcurrency = 50
	DefaultAdapterTimeout    = 5 * time.Second
	DefaultOverallTimeout    = 15 * time.Second
	DefaultQueueWait         = 2 * time.Second
	DefaultHealthTimeout     = 2 * time.Second
	DefaultWindowSize        = 256
	DefaultFeedbackPath      = "feedback.log"
)

// Load reads, decodes, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes configuration from raw YAML bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	for i, src := range cfg.Sources {
		if err := src.validateKindSection(); err != nil {
			return nil, fmt.Errorf("source %d (%s): %w", i, src.Name, err)
		}
	}
	return &cfg, nil
}

func (s SourceConfig) validateKindSection() error {
	switch s.Kind {
	case SourceKindFileSystem:
		if s.FileSystem == nil {
			return fmt.Errorf("missing filesystem section")
		}
	case SourceKindWeb:
		if s.Web == nil {
			return fmt.Errorf("missing web section")
		}
	case SourceKindGitHub:
		if s.GitHub == nil {
			return fmt.Errorf("missing github section")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Cache.MaxItems == 0 {
		c.Cache.MaxItems = DefaultMaxItems
	}
	if c.Cache.MaxMemory == 0 {
		c.Cache.MaxMemory = DefaultMaxMemory
	}
	if c.Cache.MemoryTTL == 0 {
		c.Cache.MemoryTTL = DefaultMemoryTTL
	}
	if c.Cache.RemoteTTL == 0 {
		c.Cache.RemoteTTL = DefaultRemoteTTL
	}
	if c.Cache.Strategy == "" {
		c.Cache.Strategy = CacheStrategyMemoryOnly
	}
	if c.Performance.GlobalConcurrency == 0 {
		c.Performance.GlobalConcurrency = DefaultGlobalConcurrency
	}
	if c.Performance.AdapterTimeout == 0 {
		c.Performance.AdapterTimeout = DefaultAdapterTimeout
	}
	if c.Performance.OverallTimeout == 0 {
		c.Performance.OverallTimeout = DefaultOverallTimeout
	}
	if c.Performance.QueueWait == 0 {
		c.Performance.QueueWait = DefaultQueueWait
	}
	if c.Performance.HealthCheckTimeout == 0 {
		c.Performance.HealthCheckTimeout = DefaultHealthTimeout
	}
	if c.Performance.WindowSize == 0 {
		c.Performance.WindowSize = DefaultWindowSize
	}
	if c.Feedback.Path == "" {
		c.Feedback.Path = DefaultFeedbackPath
	}
	if len(c.Escalation.Levels) == 0 {
		c.Escalation.Levels = DefaultEscalationLevels()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.RateLimit.Rate == 0 {
			src.RateLimit.Rate = 10
		}
		if src.RateLimit.Burst == 0 {
			src.RateLimit.Burst = 20
		}
		if src.Breaker.FailureThreshold == 0 {
			src.Breaker.FailureThreshold = 5
		}
		if src.Breaker.CoolOff == 0 {
			src.Breaker.CoolOff = 30 * time.Second
		}
		if src.Breaker.ProbeRequests == 0 {
			src.Breaker.ProbeRequests = 3
		}
		if src.MaxRetries == 0 {
			src.MaxRetries = 3
		}
		if src.RequestTimeout == 0 {
			src.RequestTimeout = c.Performance.AdapterTimeout
		}
		if src.MaxConcurrent == 0 {
			src.MaxConcurrent = 10
		}
	}
}

// ResolveEnv returns the value of the named environment variable, or an
// error naming the variable when it is unset. Credentials are always
// resolved through this helper so config files stay free of secrets.
func ResolveEnv(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("credential env var name is empty")
	}
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("credential env var %s is not set", name)
	}
	return value, nil
}

// GetEnv reads an environment variable with a fallback default.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
