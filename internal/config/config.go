// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Oracle() OracleConfig
	Exploration() ExplorationConfig
	Stability() StabilityConfig
	Recovery() RecoveryConfig
	Snapshot() SnapshotConfig
	Output() OutputConfig

	SetBrowserHeadless(bool)
	SetExplorationMaxDepth(int)
	SetExplorationSeed(int64)
	SetOracleScript(path string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	OracleCfg      OracleConfig      `mapstructure:"oracle" yaml:"oracle"`
	ExplorationCfg ExplorationConfig `mapstructure:"exploration" yaml:"exploration"`
	StabilityCfg   StabilityConfig   `mapstructure:"stability" yaml:"stability"`
	RecoveryCfg    RecoveryConfig    `mapstructure:"recovery" yaml:"recovery"`
	SnapshotCfg    SnapshotConfig    `mapstructure:"snapshot" yaml:"snapshot"`
	OutputCfg      OutputConfig      `mapstructure:"output" yaml:"output"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Oracle() OracleConfig           { return c.OracleCfg }
func (c *Config) Exploration() ExplorationConfig { return c.ExplorationCfg }
func (c *Config) Stability() StabilityConfig     { return c.StabilityCfg }
func (c *Config) Recovery() RecoveryConfig       { return c.RecoveryCfg }
func (c *Config) Snapshot() SnapshotConfig       { return c.SnapshotCfg }
func (c *Config) Output() OutputConfig           { return c.OutputCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }
func (c *Config) SetExplorationMaxDepth(d int) { c.ExplorationCfg.MaxDepth = d }
func (c *Config) SetExplorationSeed(s int64)   { c.ExplorationCfg.Seed = s }
func (c *Config) SetOracleScript(path string)  { c.OracleCfg.Script = path }

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

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the connection string for run persistence. Empty disables it.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig configures the rendering driver.
// Concurrency bounds how many URLs are mapped at once, one browser session each.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Stealth           bool           `mapstructure:"stealth" yaml:"stealth"`
	Concurrency       int            `mapstructure:"concurrency" yaml:"concurrency"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// LLMProvider identifies a language-model backend.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
)

// LLMModelConfig configures one model endpoint.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// OracleConfig configures snapshot interpretation and error analysis.
type OracleConfig struct {
	// Interpret serves the powerful tier, Analyze the fast tier.
	Interpret         LLMModelConfig `mapstructure:"interpret" yaml:"interpret"`
	Analyze           LLMModelConfig `mapstructure:"analyze" yaml:"analyze"`
	Timeout           time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute int            `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxSnapshotTokens int            `mapstructure:"max_snapshot_tokens" yaml:"max_snapshot_tokens"`
	TokenEncoding     string         `mapstructure:"token_encoding" yaml:"token_encoding"`
	ArtifactTail      int            `mapstructure:"artifact_tail" yaml:"artifact_tail"`
	Script            string         `mapstructure:"script" yaml:"script"` // YAML rule file replacing the language model.
}

// Exploration strategies.
const (
	StrategyBFS = "bfs"
	StrategyDFS = "dfs"
)

// Selection policies for the order in which branch options are explored.
const (
	SelectionOrdered = "ordered"
	SelectionSeeded  = "seeded"
)

// ExplorationConfig bounds and orders the branch search.
type ExplorationConfig struct {
	MaxDepth             int    `mapstructure:"max_depth" yaml:"max_depth"`
	MaxStates            int    `mapstructure:"max_states" yaml:"max_states"`
	MaxIterations        int    `mapstructure:"max_iterations" yaml:"max_iterations"`
	Strategy             string `mapstructure:"strategy" yaml:"strategy"`
	SelectionPolicy      string `mapstructure:"selection_policy" yaml:"selection_policy"`
	Seed                 int64  `mapstructure:"seed" yaml:"seed"`
	MaxBranchOptions     int    `mapstructure:"max_branch_options" yaml:"max_branch_options"`
	LocalBranchDiscovery bool   `mapstructure:"local_branch_discovery" yaml:"local_branch_discovery"`
}

// StabilityConfig controls how the mapper waits for the page to settle.
type StabilityConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	// ActionSettle is the fixed wait after an action, keyed by action type.
	// The "default" key covers types without an entry.
	ActionSettle map[string]time.Duration `mapstructure:"action_settle" yaml:"action_settle"`
}

// SettleFor returns the settle wait for an action type.
func (s StabilityConfig) SettleFor(a schemas.ActionType) time.Duration {
	if d, ok := s.ActionSettle[string(a)]; ok {
		return d
	}
	return s.ActionSettle["default"]
}

// RecoveryConfig holds the retry ceilings per failure class. StructuralChange is never retried.
type RecoveryConfig struct {
	LocatorStale int `mapstructure:"locator_stale" yaml:"locator_stale"`
	Transient    int `mapstructure:"transient" yaml:"transient"`
	StepLogic    int `mapstructure:"step_logic" yaml:"step_logic"`
}

// SnapshotConfig tunes extraction and normalization.
type SnapshotConfig struct {
	MaxContextDepth    int      `mapstructure:"max_context_depth" yaml:"max_context_depth"`
	MaxTextLength      int      `mapstructure:"max_text_length" yaml:"max_text_length"`
	VolatileAttributes []string `mapstructure:"volatile_attributes" yaml:"volatile_attributes"`
	VolatileValues     []string `mapstructure:"volatile_values" yaml:"volatile_values"`
}

// OutputConfig controls where artifacts land.
type OutputConfig struct {
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Indent bool   `mapstructure:"indent" yaml:"indent"`
}

// NewDefaultConfig creates a new configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers default values with a viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "formmapper")
	v.SetDefault("logger.log_file", "formmapper.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.concurrency", 2)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.navigation_timeout", "60s")

	// -- Oracle --
	v.SetDefault("oracle.interpret.provider", string(ProviderGemini))
	v.SetDefault("oracle.interpret.model", "gemini-2.5-pro")
	v.SetDefault("oracle.interpret.api_timeout", "120s")
	v.SetDefault("oracle.interpret.temperature", 0.2)
	v.SetDefault("oracle.interpret.max_tokens", 8192)
	v.SetDefault("oracle.analyze.provider", string(ProviderGemini))
	v.SetDefault("oracle.analyze.model", "gemini-2.5-flash")
	v.SetDefault("oracle.analyze.api_timeout", "60s")
	v.SetDefault("oracle.analyze.temperature", 0.1)
	v.SetDefault("oracle.analyze.max_tokens", 2048)
	v.SetDefault("oracle.timeout", "90s")
	v.SetDefault("oracle.requests_per_minute", 30)
	v.SetDefault("oracle.max_snapshot_tokens", 12000)
	v.SetDefault("oracle.token_encoding", "cl100k_base")
	v.SetDefault("oracle.artifact_tail", 20)

	// -- Exploration --
	v.SetDefault("exploration.max_depth", 5)
	v.SetDefault("exploration.max_states", 200)
	v.SetDefault("exploration.max_iterations", 500)
	v.SetDefault("exploration.strategy", StrategyBFS)
	v.SetDefault("exploration.selection_policy", SelectionOrdered)
	v.SetDefault("exploration.seed", 1)
	v.SetDefault("exploration.max_branch_options", 4)
	v.SetDefault("exploration.local_branch_discovery", true)

	// -- Stability --
	v.SetDefault("stability.poll_interval", "250ms")
	v.SetDefault("stability.timeout", "10s")
	v.SetDefault("stability.action_timeout", "15s")
	v.SetDefault("stability.action_settle", map[string]string{
		string(schemas.ActionChooseOption): "2s",
		"default":                          "1s",
	})

	// -- Recovery --
	v.SetDefault("recovery.locator_stale", 2)
	v.SetDefault("recovery.transient", 1)
	v.SetDefault("recovery.step_logic", 2)

	// -- Snapshot --
	v.SetDefault("snapshot.max_context_depth", 8)
	v.SetDefault("snapshot.max_text_length", 120)
	v.SetDefault("snapshot.volatile_attributes", []string{
		"data-react*", "data-v-*", "ng-*", "_ngcontent*", "jsaction", "nonce", "style",
		"aria-describedby", "aria-controls", "aria-activedescendant",
	})
	v.SetDefault("snapshot.volatile_values", []string{"*:r[0-9]*:*", "ember[0-9]*", "mui-*", "react-select-*"})

	// -- Output --
	v.SetDefault("output.dir", ".")
	v.SetDefault("output.indent", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment.
	_ = v.BindEnv("oracle.interpret.api_key", "FORMMAPPER_INTERPRET_API_KEY")
	_ = v.BindEnv("oracle.analyze.api_key", "FORMMAPPER_ANALYZE_API_KEY")
	_ = v.BindEnv("database.url", "FORMMAPPER_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// A shared key is the common case.
	if shared := os.Getenv("GEMINI_API_KEY"); shared != "" {
		if cfg.OracleCfg.Interpret.APIKey == "" && cfg.OracleCfg.Interpret.Provider == ProviderGemini {
			cfg.OracleCfg.Interpret.APIKey = shared
		}
		if cfg.OracleCfg.Analyze.APIKey == "" && cfg.OracleCfg.Analyze.Provider == ProviderGemini {
			cfg.OracleCfg.Analyze.APIKey = shared
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BrowserCfg.Concurrency <= 0 {
		return fmt.Errorf("browser.concurrency must be a positive integer")
	}
	if err := c.ExplorationCfg.Validate(); err != nil {
		return fmt.Errorf("exploration configuration invalid: %w", err)
	}
	if err := c.StabilityCfg.Validate(); err != nil {
		return fmt.Errorf("stability configuration invalid: %w", err)
	}
	if err := c.RecoveryCfg.Validate(); err != nil {
		return fmt.Errorf("recovery configuration invalid: %w", err)
	}
	if c.OracleCfg.Timeout <= 0 {
		return fmt.Errorf("oracle.timeout must be a positive duration")
	}
	if c.SnapshotCfg.MaxContextDepth <= 0 {
		return fmt.Errorf("snapshot.max_context_depth must be a positive integer")
	}
	return nil
}

// Validate checks the exploration bounds.
func (e *ExplorationConfig) Validate() error {
	if e.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative")
	}
	if e.MaxStates <= 0 || e.MaxIterations <= 0 {
		return fmt.Errorf("max_states and max_iterations must be positive")
	}
	switch strings.ToLower(e.Strategy) {
	case StrategyBFS, StrategyDFS:
	default:
		return fmt.Errorf("unknown strategy %q", e.Strategy)
	}
	switch strings.ToLower(e.SelectionPolicy) {
	case SelectionOrdered, SelectionSeeded:
	default:
		return fmt.Errorf("unknown selection_policy %q", e.SelectionPolicy)
	}
	if e.MaxBranchOptions < 2 {
		return fmt.Errorf("max_branch_options must be at least 2")
	}
	return nil
}

// Validate checks the stability timings.
func (s *StabilityConfig) Validate() error {
	if s.PollInterval <= 0 || s.Timeout <= 0 || s.ActionTimeout <= 0 {
		return fmt.Errorf("poll_interval, timeout and action_timeout must be positive durations")
	}
	if s.PollInterval > s.Timeout {
		return fmt.Errorf("poll_interval (%s) exceeds timeout (%s)", s.PollInterval, s.Timeout)
	}
	for k, d := range s.ActionSettle {
		if d < 0 {
			return fmt.Errorf("action_settle.%s must not be negative", k)
		}
	}
	return nil
}

// Validate checks the retry ceilings.
func (r *RecoveryConfig) Validate() error {
	if r.LocatorStale < 0 || r.Transient < 0 || r.StepLogic < 0 {
		return fmt.Errorf("retry ceilings must not be negative")
	}
	return nil
}
