package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the answer service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Inference  InferenceConfig  `mapstructure:"inference"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Synth      SynthConfig      `mapstructure:"synth"`
	Validation ValidationConfig `mapstructure:"validate"`
	ACE        ACEConfig        `mapstructure:"ace"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug      bool          `mapstructure:"debug"`
	LogLevel   string        `mapstructure:"log_level"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains generator providers, role routing and the fallback chain.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	// Roles maps a role (synthesizer, reflector, planner) to an ordered
	// list of "provider/model" references tried in sequence.
	Roles map[string][]string `mapstructure:"roles"`
	Retry RetryConfig         `mapstructure:"retry"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type        string        `mapstructure:"type"` // openai, gemini, echo
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"` // requests per second, 0 = unlimited
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
}

// RetryConfig is the explicit retry policy applied per generator or backend call.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
}

// Normalize applies defaults for unset retry values.
func (r RetryConfig) Normalize() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = 300 * time.Millisecond
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = 5 * time.Second
	}
	if r.Multiplier < 1 {
		r.Multiplier = 2
	}
	if r.CallTimeout <= 0 {
		r.CallTimeout = 30 * time.Second
	}
	return r
}

func (l LLMConfig) Validate() error {
	for role, refs := range l.Roles {
		if len(refs) == 0 {
			return fmt.Errorf("llm.roles.%s must list at least one provider", role)
		}
		for _, ref := range refs {
			name, _, _ := strings.Cut(ref, "/")
			p, ok := l.Providers[name]
			if !ok {
				return fmt.Errorf("llm.roles.%s references unknown provider %q", role, name)
			}
			switch p.Type {
			case "openai", "gemini", "echo":
			default:
				return fmt.Errorf("llm.providers.%s.type %q unsupported", name, p.Type)
			}
		}
	}
	return nil
}

// InferenceConfig selects the recall embedder and precision reranker backends.
type InferenceConfig struct {
	Embedder    EmbedderConfig `mapstructure:"embedder"`
	Reranker    RerankerConfig `mapstructure:"reranker"`
	BatchSize   int            `mapstructure:"batch_size"`
	Concurrency int            `mapstructure:"concurrency"`
	CacheTTL    time.Duration  `mapstructure:"cache_ttl"`
	Retry       RetryConfig    `mapstructure:"retry"`
}

// EmbedderConfig configures the embedding backend.
type EmbedderConfig struct {
	Type       string        `mapstructure:"type"` // openai, gemini, hash
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"`
}

// RerankerConfig configures the cross-encoder backend.
type RerankerConfig struct {
	Type      string        `mapstructure:"type"` // http, lexical
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
}

// Normalize applies defaults for unset inference values.
func (c InferenceConfig) Normalize() InferenceConfig {
	if c.Embedder.Type == "" {
		c.Embedder.Type = "hash"
	}
	if c.Embedder.Dimensions <= 0 {
		c.Embedder.Dimensions = 384
	}
	if c.Reranker.Type == "" {
		c.Reranker.Type = "lexical"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	c.Retry = c.Retry.Normalize()
	return c
}

func (c InferenceConfig) Validate() error {
	switch c.Embedder.Type {
	case "openai", "gemini", "hash":
	default:
		return fmt.Errorf("inference.embedder.type %q unsupported", c.Embedder.Type)
	}
	switch c.Reranker.Type {
	case "http":
		if strings.TrimSpace(c.Reranker.BaseURL) == "" {
			return fmt.Errorf("inference.reranker.base_url required for http reranker")
		}
	case "lexical":
	default:
		return fmt.Errorf("inference.reranker.type %q unsupported", c.Reranker.Type)
	}
	return nil
}

// RetrievalConfig controls chunking and two-stage ranking.
type RetrievalConfig struct {
	MaxTokens       int `mapstructure:"max_tokens"`
	Stride          int `mapstructure:"stride"`
	RecallTopN      int `mapstructure:"recall_top_n"`
	TopK            int `mapstructure:"top_k"`
	MaxWindowTokens int `mapstructure:"max_window_tokens"`
}

func (r RetrievalConfig) Validate() error {
	if r.MaxTokens <= 0 {
		return fmt.Errorf("retrieval.max_tokens must be > 0")
	}
	if r.Stride < 0 || r.Stride >= r.MaxTokens {
		return fmt.Errorf("retrieval.stride must be in [0, max_tokens)")
	}
	if r.TopK <= 0 || r.RecallTopN < r.TopK {
		return fmt.Errorf("retrieval.recall_top_n must be >= top_k > 0")
	}
	return nil
}

// SynthConfig controls chain-of-density synthesis.
type SynthConfig struct {
	MaxBullets       int     `mapstructure:"max_bullets"`
	MinBullets       int     `mapstructure:"min_bullets"`
	DensityThreshold float64 `mapstructure:"density_threshold"`
	MaxRefinements   int     `mapstructure:"max_refinements"`
	SnippetChars     int     `mapstructure:"snippet_chars"`
}

// ValidationConfig controls citation coverage validation.
type ValidationConfig struct {
	MinCoverage  float64 `mapstructure:"min_coverage"`
	SupportFloor float64 `mapstructure:"support_floor"`
}

func (v ValidationConfig) Validate() error {
	if v.MinCoverage < 0 || v.MinCoverage > 1 {
		return fmt.Errorf("validate.min_coverage must be within [0,1]")
	}
	if v.SupportFloor < 0 || v.SupportFloor > 1 {
		return fmt.Errorf("validate.support_floor must be within [0,1]")
	}
	return nil
}

// ACEConfig controls the reflect/curate loop.
type ACEConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	FreshnessDays       map[string]int `mapstructure:"freshness_days"`
	FreshnessBufferDays int            `mapstructure:"freshness_buffer_days"`
	FreshnessThreshold  float64        `mapstructure:"freshness_threshold"`
	MinSourceTypes      int            `mapstructure:"min_source_types"`
	DedupThreshold      float64        `mapstructure:"dedup_threshold"`
	DensityGain         float64        `mapstructure:"density_gain"`
	UseLLM              bool           `mapstructure:"use_llm"`
	HintLimit           int            `mapstructure:"hint_limit"`
}

func (a ACEConfig) Validate() error {
	if a.DedupThreshold <= 0 || a.DedupThreshold > 1 {
		return fmt.Errorf("ace.dedup_threshold must be within (0,1]")
	}
	if a.MinSourceTypes < 1 {
		return fmt.Errorf("ace.min_source_types must be >= 1")
	}
	return nil
}

// SourcesConfig contains web search settings and per-type query bases.
type SourcesConfig struct {
	Provider     string                      `mapstructure:"provider"` // brave, serper, static
	BraveAPIKey  string                      `mapstructure:"brave_api_key"`
	SerperAPIKey string                      `mapstructure:"serper_api_key"`
	MaxResults   int                         `mapstructure:"max_results"`
	Timeout      time.Duration               `mapstructure:"timeout"`
	RateLimit    float64                     `mapstructure:"rate_limit"`
	Types        map[string]SourceTypeConfig `mapstructure:"types"`
}

// SourceTypeConfig holds the query prefix used when searching one source type.
type SourceTypeConfig struct {
	QueryBase     string `mapstructure:"query_base"`
	FreshnessDays int    `mapstructure:"freshness_days"`
}

// FetchConfig controls document fetching.
type FetchConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxChars        int           `mapstructure:"max_chars"`
	Concurrency     int           `mapstructure:"concurrency"`
	BrowserFallback bool          `mapstructure:"browser_fallback"`
	UserAgent       string        `mapstructure:"user_agent"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	// MinChars is the extracted length below which a page counts as thin
	// and the browser fallback is tried.
	MinChars int `mapstructure:"min_chars"`
	// ReaderProxy renders pages from hosts that block direct fetching.
	ReaderProxy string      `mapstructure:"reader_proxy"`
	Retry       RetryConfig `mapstructure:"retry"`
	// DenyHosts are never fetched; their search snippets stand in.
	DenyHosts []string `mapstructure:"deny_hosts"`
	// ProxyHosts are always fetched through the reader proxy.
	ProxyHosts []string `mapstructure:"proxy_hosts"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // postgres, sqlite, memory
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

func (s StorageConfig) Validate() error {
	switch s.Driver {
	case "postgres":
		return s.Postgres.Validate()
	case "sqlite":
		if strings.TrimSpace(s.SQLite.Path) == "" {
			return fmt.Errorf("storage.sqlite.path required")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q unsupported", s.Driver)
	}
	return nil
}

// RedisConfig contains Redis connection settings. An empty host disables redis.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether redis is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds the connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// SQLiteConfig contains the local database path.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig lists recurring digest questions.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Digests  []DigestEntry `mapstructure:"digests"`
}

// DigestEntry is one scheduled question.
type DigestEntry struct {
	ID       string `mapstructure:"id"`
	Cron     string `mapstructure:"cron"`
	Question string `mapstructure:"question"`
}

func (s SchedulerConfig) Validate() error {
	seen := map[string]struct{}{}
	for _, d := range s.Digests {
		if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Question) == "" {
			return fmt.Errorf("scheduler.digests entries require id and question")
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("scheduler.digests id %q duplicated", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// SetDefaults registers every tunable with viper.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.run_timeout", 90*time.Second)
	v.SetDefault("server.address", ":10001")

	v.SetDefault("llm.providers.echo.type", "echo")
	v.SetDefault("llm.roles.synthesizer", []string{"echo"})
	v.SetDefault("llm.roles.reflector", []string{"echo"})
	v.SetDefault("llm.roles.planner", []string{"echo"})

	v.SetDefault("inference.embedder.type", "hash")
	v.SetDefault("inference.embedder.dimensions", 384)
	v.SetDefault("inference.reranker.type", "lexical")
	v.SetDefault("inference.batch_size", 32)
	v.SetDefault("inference.concurrency", 4)
	v.SetDefault("inference.cache_ttl", 24*time.Hour)

	v.SetDefault("retrieval.max_tokens", 220)
	v.SetDefault("retrieval.stride", 60)
	v.SetDefault("retrieval.recall_top_n", 40)
	v.SetDefault("retrieval.top_k", 8)
	v.SetDefault("retrieval.max_window_tokens", 400)

	v.SetDefault("synth.max_bullets", 7)
	v.SetDefault("synth.min_bullets", 3)
	v.SetDefault("synth.density_threshold", 0.12)
	v.SetDefault("synth.max_refinements", 1)
	v.SetDefault("synth.snippet_chars", 900)

	v.SetDefault("validate.min_coverage", 0.95)
	v.SetDefault("validate.support_floor", 0.2)

	v.SetDefault("ace.enabled", true)
	v.SetDefault("ace.freshness_days", map[string]int{"twitter": 5, "reddit": 5, "news": 10, "other": 14})
	v.SetDefault("ace.freshness_buffer_days", 2)
	v.SetDefault("ace.freshness_threshold", 0.5)
	v.SetDefault("ace.min_source_types", 2)
	v.SetDefault("ace.dedup_threshold", 0.8)
	v.SetDefault("ace.density_gain", 0.1)
	v.SetDefault("ace.hint_limit", 5)

	v.SetDefault("sources.provider", "brave")
	v.SetDefault("sources.max_results", 10)
	v.SetDefault("sources.timeout", 10*time.Second)
	v.SetDefault("sources.rate_limit", 1.0)
	v.SetDefault("sources.types", map[string]any{
		"arxiv":       map[string]any{"query_base": "site:arxiv.org", "freshness_days": 30},
		"github":      map[string]any{"query_base": "site:github.com", "freshness_days": 30},
		"huggingface": map[string]any{"query_base": "site:huggingface.co", "freshness_days": 30},
		"news":        map[string]any{"query_base": "AI news", "freshness_days": 10},
		"blogs":       map[string]any{"query_base": "blog OR newsletter", "freshness_days": 14},
		"twitter":     map[string]any{"query_base": "site:x.com OR site:twitter.com", "freshness_days": 5},
		"reddit":      map[string]any{"query_base": "site:reddit.com", "freshness_days": 5},
	})

	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.max_chars", 20000)
	v.SetDefault("fetch.concurrency", 6)
	v.SetDefault("fetch.user_agent", "askace/1.0 (+https://github.com/mohammad-safakhou/askace)")
	v.SetDefault("fetch.cache_ttl", 6*time.Hour)
	v.SetDefault("fetch.min_chars", 200)
	v.SetDefault("fetch.reader_proxy", "https://r.jina.ai")
	v.SetDefault("fetch.retry.max_attempts", 2)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "askace.db")

	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("telemetry.service_name", "askace")
}

// Normalize fills derived defaults after unmarshalling.
func (c *Config) Normalize() {
	c.LLM.Retry = c.LLM.Retry.Normalize()
	c.Inference = c.Inference.Normalize()
	if c.Retrieval.MaxWindowTokens < c.Retrieval.MaxTokens {
		c.Retrieval.MaxWindowTokens = c.Retrieval.MaxTokens
	}
	if c.Synth.MaxBullets <= 0 || c.Synth.MaxBullets > 7 {
		c.Synth.MaxBullets = 7
	}
	if c.Synth.MaxRefinements < 0 {
		c.Synth.MaxRefinements = 0
	}
	if c.Fetch.Concurrency <= 0 {
		c.Fetch.Concurrency = 4
	}
	c.Fetch.Retry = c.Fetch.Retry.Normalize()
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []func() error{
		c.LLM.Validate,
		c.Inference.Validate,
		c.Retrieval.Validate,
		c.Validation.Validate,
		c.ACE.Validate,
		c.Storage.Validate,
		c.Scheduler.Validate,
	}
	for _, fn := range validators {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads configuration from path (or the default search paths) and
// returns it normalized and validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	SetDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("ASKACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (ASKACE_*)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads config and panics on error, for command entrypoints.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
