package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration. Non-secret settings come
// from the YAML file; credentials are environment-only so they never
// end up in a checked-in config.
type Config struct {
	Server ServerConfig `yaml:"server"`
	ASR    ASRConfig    `yaml:"asr"`
	LLM    LLMConfig    `yaml:"llm"`
	TTS    TTSConfig    `yaml:"tts"`
	Mongo  MongoConfig  `yaml:"mongo"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	StaticDir    string `yaml:"static_dir"`
	ModelsDir    string `yaml:"models_dir"`
	SystemPrompt string `yaml:"system_prompt"`
}

type ASRConfig struct {
	Provider       string `yaml:"provider"`
	Cluster        string `yaml:"cluster"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	DrainTimeoutMS int    `yaml:"drain_timeout_ms"`

	// Environment-only
	AppID string `yaml:"-"`
	Token string `yaml:"-"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`

	// Environment-only
	ArkAPIKey    string `yaml:"-"`
	GeminiAPIKey string `yaml:"-"`
}

type TTSConfig struct {
	Voice   string `yaml:"voice"`
	Cluster string `yaml:"cluster"`

	// Environment-only
	AppID string `yaml:"-"`
	Token string `yaml:"-"`
}

type MongoConfig struct {
	Database string `yaml:"database"`

	// Environment-only
	URI string `yaml:"-"`
}

// Load reads the YAML config at path and overlays environment
// variables. A missing file is not an error; defaults apply.
func Load(path string, logger *zap.Logger) (*Config, error) {
	config := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		logger.Info("Config file not found, using defaults", zap.String("path", path))
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	config.applyEnvironment()
	config.applyDefaults(logger)
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnvironment() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	c.ASR.AppID = os.Getenv("VOLC_APP_ID")
	c.ASR.Token = os.Getenv("VOLC_ACCESS_TOKEN")
	c.LLM.ArkAPIKey = os.Getenv("ARK_API_KEY")
	c.LLM.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	c.TTS.AppID = os.Getenv("VOLC_APP_ID")
	c.TTS.Token = os.Getenv("VOLC_ACCESS_TOKEN")
	c.Mongo.URI = os.Getenv("MONGODB_URI")
}

func (c *Config) applyDefaults(logger *zap.Logger) {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "static"
	}
	if c.Server.ModelsDir == "" {
		c.Server.ModelsDir = "models"
	}
	if c.ASR.Provider == "" {
		c.ASR.Provider = "volcengine"
		logger.Info("Using default ASR provider", zap.String("provider", c.ASR.Provider))
	}
	if c.ASR.Language == "" {
		c.ASR.Language = "zh-CN"
	}
	if c.ASR.SampleRate == 0 {
		c.ASR.SampleRate = 16000
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "ark"
		logger.Info("Using default LLM provider", zap.String("provider", c.LLM.Provider))
	}
}

func (c *Config) validate() error {
	switch c.ASR.Provider {
	case "volcengine", "google":
	default:
		return fmt.Errorf("unknown ASR provider %q", c.ASR.Provider)
	}
	switch c.LLM.Provider {
	case "ark", "gemini":
	default:
		return fmt.Errorf("unknown LLM provider %q", c.LLM.Provider)
	}
	if c.LLM.Provider == "gemini" && c.LLM.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
	}
	return nil
}
