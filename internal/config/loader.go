package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir         = ".vigil"
	defaultFile    = "vigil.json"
	envPrefix      = "VIGIL"
	defaultLogFile = "vigil.log"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		v := newViper(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := l.applyDefaults(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (l *Loader) applyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDir)
	}

	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = filepath.Join(cfg.DataDir, "workspace")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, defaultLogFile)
	}

	// Agents listed in the file replace the default agent wholesale, so
	// zero-valued limits fall back to the defaults here.
	def := DefaultAgentConfig()
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.MaxModelCalls == 0 {
			a.MaxModelCalls = def.MaxModelCalls
		}
		if a.MaxTokens == 0 {
			a.MaxTokens = def.MaxTokens
		}
		if a.RunTimeout == 0 {
			a.RunTimeout = def.RunTimeout
		}
		if len(a.Chain) == 0 {
			a.Chain = def.Chain
		}
		if a.Sandbox.Isolation == "" {
			a.Sandbox.Isolation = def.Sandbox.Isolation
		}
		if a.Sandbox.Filesystem == "" {
			a.Sandbox.Filesystem = def.Sandbox.Filesystem
		}
		if a.Sandbox.Network == "" {
			a.Sandbox.Network = def.Sandbox.Network
		}
		if a.Sandbox.Image == "" {
			a.Sandbox.Image = def.Sandbox.Image
		}
		if a.Sandbox.Timeout == 0 {
			a.Sandbox.Timeout = def.Sandbox.Timeout
		}
		if a.Context == (ContextConfig{}) {
			a.Context = def.Context
		}
	}

	if cfg.Scheduler.StateFile == "" {
		cfg.Scheduler.StateFile = filepath.Join(cfg.DataDir, "cron-state.json")
	}
	if cfg.Approvals.AllowlistFile == "" {
		cfg.Approvals.AllowlistFile = filepath.Join(cfg.DataDir, "exec-allowlist.json")
	}
	if cfg.Scheduler.MainSessionKey == "" {
		cfg.Scheduler.MainSessionKey = "main"
	}

	for i := range cfg.Scheduler.Jobs {
		if cfg.Scheduler.Jobs[i].Delivery == "" {
			cfg.Scheduler.Jobs[i].Delivery = "internal"
		}
	}

	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := newViper(configPath)

	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace_path", cfg.WorkspacePath)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("agents", cfg.Agents)
	v.Set("ai", cfg.AI)
	v.Set("scheduler", cfg.Scheduler)
	v.Set("approvals", cfg.Approvals)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDir, defaultFile)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}
