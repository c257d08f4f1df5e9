// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Oracle() OracleConfig
	Resolver() ResolverConfig
	Classifier() ClassifierConfig
	FormMapper() FormMapperConfig
	Submitter() SubmitterConfig
	Profile() ProfileConfig

	// Engine Setters
	SetEngineWorkerConcurrency(int)
	SetEngineMaxAttempts(int)

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserNavigationTimeout(time.Duration)

	// Database Setters
	SetDatabaseURL(string)
}

// Config holds the entire application configuration. Sections are exported so
// viper can decode into them; callers should go through Interface.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	EngineCfg     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	OracleCfg     OracleConfig     `mapstructure:"oracle" yaml:"oracle"`
	ResolverCfg   ResolverConfig   `mapstructure:"resolver" yaml:"resolver"`
	ClassifierCfg ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	FormMapperCfg FormMapperConfig `mapstructure:"formmapper" yaml:"formmapper"`
	SubmitterCfg  SubmitterConfig  `mapstructure:"submitter" yaml:"submitter"`
	ProfileCfg    ProfileConfig    `mapstructure:"profile" yaml:"profile"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig         { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Oracle() OracleConfig         { return c.OracleCfg }
func (c *Config) Resolver() ResolverConfig     { return c.ResolverCfg }
func (c *Config) Classifier() ClassifierConfig { return c.ClassifierCfg }
func (c *Config) FormMapper() FormMapperConfig { return c.FormMapperCfg }
func (c *Config) Submitter() SubmitterConfig   { return c.SubmitterCfg }
func (c *Config) Profile() ProfileConfig       { return c.ProfileCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }
func (c *Config) SetEngineMaxAttempts(n int)       { c.EngineCfg.MaxAttempts = n }
func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserNavigationTimeout(d time.Duration) {
	c.BrowserCfg.NavigationTimeout = d
}
func (c *Config) SetDatabaseURL(u string) { c.DatabaseCfg.URL = u }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL selects
// the in-memory store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// EngineConfig configures the task queue worker pool and retry policy.
type EngineConfig struct {
	WorkerConcurrency  int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout" yaml:"default_task_timeout"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
}

// BrowserConfig holds settings for the headless browser sessions.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache      bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	PostLoadWait      time.Duration  `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	ScreenshotQuality int            `mapstructure:"screenshot_quality" yaml:"screenshot_quality"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// OracleConfig bounds the cost and latency of decision oracle calls.
type OracleConfig struct {
	LLM                  LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	APIKey               string          `mapstructure:"api_key" yaml:"-"`
	CallTimeout          time.Duration   `mapstructure:"call_timeout" yaml:"call_timeout"`
	RateLimit            float64         `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst                int             `mapstructure:"burst" yaml:"burst"`
	MaxDOMChars          int             `mapstructure:"max_dom_chars" yaml:"max_dom_chars"`
	MaxScreenshotBytes   int             `mapstructure:"max_screenshot_bytes" yaml:"max_screenshot_bytes"`
	RetryInitialInterval time.Duration   `mapstructure:"retry_initial_interval" yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration   `mapstructure:"retry_max_interval" yaml:"retry_max_interval"`
}

// ResolverConfig tunes the obstruction resolver.
type ResolverConfig struct {
	MaxRounds           int           `mapstructure:"max_rounds" yaml:"max_rounds"`
	OracleMinConfidence float64       `mapstructure:"oracle_min_confidence" yaml:"oracle_min_confidence"`
	SettleWait          time.Duration `mapstructure:"settle_wait" yaml:"settle_wait"`
}

// ClassifierConfig tunes the page classifier.
type ClassifierConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
}

// FormMapperConfig tunes the auto-fill decision.
type FormMapperConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
	// TargetSettleWait is how long to wait after clicking an apply control
	// for the form to render.
	TargetSettleWait time.Duration `mapstructure:"target_settle_wait" yaml:"target_settle_wait"`
}

// SubmitterConfig tunes the submission stage.
type SubmitterConfig struct {
	MinConfidence    float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	TargetSettleWait time.Duration `mapstructure:"target_settle_wait" yaml:"target_settle_wait"`
	PostSubmitWait   time.Duration `mapstructure:"post_submit_wait" yaml:"post_submit_wait"`
}

// ProfileConfig locates candidate profiles on disk.
type ProfileConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autoapply")
	v.SetDefault("logger.log_file", "autoapply.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", 4)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.poll_interval", "500ms")
	v.SetDefault("engine.default_task_timeout", "5m")
	v.SetDefault("engine.retry_base_delay", "2s")
	v.SetDefault("engine.retry_max_delay", "1m")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.post_load_wait", "1500ms")
	v.SetDefault("browser.screenshot_quality", 70)

	// -- Oracle --
	v.SetDefault("oracle.llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("oracle.llm.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("oracle.call_timeout", "60s")
	v.SetDefault("oracle.rate_limit", 1.0)
	v.SetDefault("oracle.burst", 2)
	v.SetDefault("oracle.max_dom_chars", 6000)
	v.SetDefault("oracle.max_screenshot_bytes", 4*1024*1024)
	v.SetDefault("oracle.retry_initial_interval", "1s")
	v.SetDefault("oracle.retry_max_interval", "5s")

	// -- Pipeline thresholds --
	v.SetDefault("resolver.max_rounds", 3)
	v.SetDefault("resolver.oracle_min_confidence", 0.5)
	v.SetDefault("resolver.settle_wait", "500ms")
	v.SetDefault("classifier.min_confidence", 0.5)
	v.SetDefault("formmapper.min_confidence", 0.7)
	v.SetDefault("formmapper.target_settle_wait", "2s")
	v.SetDefault("submitter.min_confidence", 0.6)
	v.SetDefault("submitter.target_settle_wait", "2s")
	v.SetDefault("submitter.post_submit_wait", "3s")

	// -- Profile --
	v.SetDefault("profile.dir", "profiles")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("oracle.api_key", "AUTOAPPLY_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("database.url", "AUTOAPPLY_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up
	if cfg.OracleCfg.APIKey == "" {
		cfg.OracleCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.EngineCfg.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be at least 1")
	}
	if c.EngineCfg.RetryMaxDelay < c.EngineCfg.RetryBaseDelay {
		return fmt.Errorf("engine.retry_max_delay must not be shorter than engine.retry_base_delay")
	}
	if c.BrowserCfg.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if q := c.BrowserCfg.ScreenshotQuality; q < 1 || q > 100 {
		return fmt.Errorf("browser.screenshot_quality must be between 1 and 100")
	}
	if c.OracleCfg.MaxDOMChars <= 0 {
		return fmt.Errorf("oracle.max_dom_chars must be a positive integer")
	}
	if c.OracleCfg.RateLimit <= 0 || c.OracleCfg.Burst <= 0 {
		return fmt.Errorf("oracle.rate_limit and oracle.burst must be positive")
	}
	if c.ResolverCfg.MaxRounds < 1 {
		return fmt.Errorf("resolver.max_rounds must be at least 1")
	}
	thresholds := map[string]float64{
		"resolver.oracle_min_confidence": c.ResolverCfg.OracleMinConfidence,
		"classifier.min_confidence":      c.ClassifierCfg.MinConfidence,
		"formmapper.min_confidence":      c.FormMapperCfg.MinConfidence,
		"submitter.min_confidence":       c.SubmitterCfg.MinConfidence,
	}
	for key, val := range thresholds {
		if val < 0.0 || val > 1.0 {
			return fmt.Errorf("%s must be between 0.0 and 1.0", key)
		}
	}
	return nil
}
