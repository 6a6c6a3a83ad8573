package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"intentspace/internal/classifier"
)

// OpenAIConfig holds configuration for the remote embeddings featurizer.
type OpenAIConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// FeaturizerConfig selects and configures the message featurizer.
type FeaturizerConfig struct {
	Type      string        `yaml:"type"`
	Lowercase bool          `yaml:"lowercase"`
	Sequence  bool          `yaml:"sequence"`
	OpenAI    *OpenAIConfig `yaml:"openai,omitempty"`
}

// DataConfig points at the training data and the model directory.
type DataConfig struct {
	TrainFile string `yaml:"train_file"`
	ModelDir  string `yaml:"model_dir"`
}

// LoggingConfig controls the log level and an optional rotating file sink.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Classifier classifier.Options `yaml:"classifier"`
	Featurizer FeaturizerConfig   `yaml:"featurizer"`
	Data       DataConfig         `yaml:"data"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// Load reads a config from a specified path. If the file does not exist,
// returns defaults. Fields absent from the file keep their defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(cfg)
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then
// ~/.config/intentspace/config.yaml. If neither exists, it writes
// defaults to the user path and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "intentspace", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Classifier: classifier.DefaultOptions(),
		Featurizer: FeaturizerConfig{Type: "countvec", Lowercase: true},
		Data:       DataConfig{TrainFile: "data/train.json", ModelDir: "models"},
		Logging:    LoggingConfig{Level: "info"},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Featurizer.Type == "" {
		cfg.Featurizer.Type = "countvec"
	}
	if cfg.Featurizer.Type == "openai" {
		if cfg.Featurizer.OpenAI == nil {
			cfg.Featurizer.OpenAI = &OpenAIConfig{}
		}
		o := cfg.Featurizer.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
	}
	if cfg.Data.TrainFile == "" {
		cfg.Data.TrainFile = "data/train.json"
	}
	if cfg.Data.ModelDir == "" {
		cfg.Data.ModelDir = "models"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
