package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Parser     ParserConfig     `yaml:"parser" mapstructure:"parser"`
	Reducto    ReductoConfig    `yaml:"reducto" mapstructure:"reducto"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Query      QueryConfig      `yaml:"query" mapstructure:"query"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Seed       SeedConfig       `yaml:"seed" mapstructure:"seed"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// StorageConfig configures where uploaded bytes live.
type StorageConfig struct {
	Root        string `yaml:"root" mapstructure:"root"`
	MaxFileSize int64  `yaml:"max_file_size" mapstructure:"max_file_size"`
}

// ParserConfig selects the document parsing provider.
type ParserConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	ChunkMaxChars int    `yaml:"chunk_max_chars" mapstructure:"chunk_max_chars"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// ReductoConfig holds the remote parse/extract API settings.
type ReductoConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ExtractionConfig configures the extraction engine and confidence routing.
type ExtractionConfig struct {
	Provider               string  `yaml:"provider" mapstructure:"provider"`
	ConfidenceThreshold    float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	TemplateMatchThreshold float64 `yaml:"template_match_threshold" mapstructure:"template_match_threshold"`
	ProviderTimeoutSecs    int     `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs"`
	MaxConcurrent          int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RatePerSec             float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	RetryAttempts          int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	BreakerThreshold       int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
}

// ProviderTimeout returns the per-call provider timeout.
func (c ExtractionConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSecs) * time.Second
}

// QueryConfig configures the natural-language query cache.
type QueryConfig struct {
	CacheTTLHours  int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	MinSuccessRate float64 `yaml:"min_success_rate" mapstructure:"min_success_rate"`
	SuccessDecay   float64 `yaml:"success_decay" mapstructure:"success_decay"`
}

// CacheTTL returns the exact-cache lifetime.
func (c QueryConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// SearchConfig points at the external search engine.
type SearchConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Index   string `yaml:"index" mapstructure:"index"`
	Key     string `yaml:"key" mapstructure:"key"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SeedConfig points at the templates/canonical mappings seed file.
type SeedConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DOCVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "docvault.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("storage.root", "data/blobs")
	v.SetDefault("storage.max_file_size", 100<<20)
	v.SetDefault("parser.provider", "local")
	v.SetDefault("parser.chunk_max_chars", 4000)
	v.SetDefault("reducto.base_url", "https://platform.reducto.ai")
	v.SetDefault("reducto.timeout_secs", 120)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("extraction.provider", "anthropic")
	v.SetDefault("extraction.confidence_threshold", 0.8)
	v.SetDefault("extraction.template_match_threshold", 0.6)
	v.SetDefault("extraction.provider_timeout_secs", 300)
	v.SetDefault("extraction.max_concurrent", 4)
	v.SetDefault("extraction.rate_per_sec", 2.0)
	v.SetDefault("extraction.retry_attempts", 3)
	v.SetDefault("extraction.breaker_threshold", 5)
	v.SetDefault("query.cache_ttl_hours", 24)
	v.SetDefault("query.min_success_rate", 0.5)
	v.SetDefault("query.success_decay", 0.8)
	v.SetDefault("search.index", "extractions")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "extract":
		if c.Storage.Root == "" {
			errs = append(errs, "storage.root is required")
		}
		switch c.Extraction.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required for the anthropic extraction provider")
			}
		case "reducto":
			if c.Reducto.Key == "" {
				errs = append(errs, "reducto.key is required for the reducto extraction provider")
			}
		default:
			errs = append(errs, fmt.Sprintf("extraction.provider %q is not supported", c.Extraction.Provider))
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "query":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Extraction.ConfidenceThreshold < 0 || c.Extraction.ConfidenceThreshold > 1 {
		errs = append(errs, "extraction.confidence_threshold must be between 0 and 1")
	}
	if c.Extraction.TemplateMatchThreshold < 0 || c.Extraction.TemplateMatchThreshold > 1 {
		errs = append(errs, "extraction.template_match_threshold must be between 0 and 1")
	}
	if c.Extraction.MaxConcurrent < 1 || c.Extraction.MaxConcurrent > 64 {
		errs = append(errs, "extraction.max_concurrent must be between 1 and 64")
	}
	if c.Query.SuccessDecay <= 0 || c.Query.SuccessDecay >= 1 {
		errs = append(errs, "query.success_decay must be between 0 and 1 (exclusive)")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
