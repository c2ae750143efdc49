package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Principal PrincipalConfig `yaml:"principal" mapstructure:"principal"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds inference provider settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// ExtractConfig configures document-to-text extraction.
type ExtractConfig struct {
	Root          string `yaml:"root" mapstructure:"root"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// EngineConfig configures the evaluation workflow engine.
type EngineConfig struct {
	// MaxDocumentChars caps the portion of the document sent to the
	// inference provider. Text beyond the cap is deliberately dropped to
	// bound prompt cost; this is lossy truncation, not an error.
	MaxDocumentChars int `yaml:"max_document_chars" mapstructure:"max_document_chars"`

	// ClarificationThreshold is the fallback routing rule: when the mean of
	// the three analysis scores is strictly below it, the workflow suspends
	// for clarification.
	ClarificationThreshold float64 `yaml:"clarification_threshold" mapstructure:"clarification_threshold"`

	// ClarificationTTLHours bounds how long unanswered questions block a
	// resume. After expiry, Resume proceeds to scoring without the missing
	// answers.
	ClarificationTTLHours int `yaml:"clarification_ttl_hours" mapstructure:"clarification_ttl_hours"`
}

// PrincipalConfig names the system principal recorded as the author of
// AI-generated rows, resolved once per deployment.
type PrincipalConfig struct {
	SystemUserID string `yaml:"system_user_id" mapstructure:"system_user_id"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OVERLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.requests_per_minute", 50)
	v.SetDefault("extract.root", ".")
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("engine.max_document_chars", 8000)
	v.SetDefault("engine.clarification_threshold", 70)
	v.SetDefault("engine.clarification_ttl_hours", 72)
	v.SetDefault("principal.system_user_id", "system")
	v.SetDefault("server.port", 8080)
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
