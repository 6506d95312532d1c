package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the gateway's runtime configuration.
type Config struct {
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Log         LogConfig         `mapstructure:"log"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`

	// ConfigFilePath is the file viper actually loaded, empty if none was
	// found (defaults/env only). Used by Watcher to know what to watch;
	// not a mapstructure-bound section, set directly by Load.
	ConfigFilePath string `mapstructure:"-"`
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug | production
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// CredentialsConfig locates the on-disk credentials files.
type CredentialsConfig struct {
	// AppFile is this system's own credentials file. Defaults to
	// "<home>/.config/app.json" per spec.
	AppFile string `mapstructure:"app_file"`
	// ForeignFile is a co-installed tool's credentials file, read-only.
	ForeignFile string `mapstructure:"foreign_file"`
	// AppID is this system's OAuth application identifier, used as the
	// key suffix "<host>:<app-id>" in both credential files.
	AppID string `mapstructure:"app_id"`
	// Host is the key prefix ("github.com") used when scanning for any
	// entry under this provider.
	Host string `mapstructure:"host"`
}

// UpstreamConfig configures the identity provider and LLM backend endpoints.
type UpstreamConfig struct {
	IdentityBaseURL string `mapstructure:"identity_base_url"`
	APIBaseURL      string `mapstructure:"api_base_url"` // default, overwritten on first token fetch
	ClientID        string `mapstructure:"client_id"`
}

// Load reads gateway configuration the way the rest of this codebase's
// tools do: defaults, then an optional YAML file (./config.yaml or
// <home>/.config/llm-gateway/config.yaml), then PORT/HOST environment
// overrides (the only two environment variables this system names).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	home, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(home, ".config", "llm-gateway"))
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// PORT/HOST are bound explicitly (not via SetEnvPrefix) because spec
	// names them bare, with no application prefix.
	if err := v.BindEnv("gateway.port", "PORT"); err != nil {
		return nil, fmt.Errorf("bind PORT: %w", err)
	}
	if err := v.BindEnv("gateway.host", "HOST"); err != nil {
		return nil, fmt.Errorf("bind HOST: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Credentials.AppFile == "" {
		cfg.Credentials.AppFile = filepath.Join(home, ".config", "app.json")
	}
	if cfg.Credentials.ForeignFile == "" {
		cfg.Credentials.ForeignFile = filepath.Join(home, ".config", "github-copilot", "apps.json")
	}

	cfg.ConfigFilePath = v.ConfigFileUsed()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.mode", "production")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("credentials.app_id", "github-copilot-gateway")
	v.SetDefault("credentials.host", "github.com")

	v.SetDefault("upstream.identity_base_url", "https://api.github.com")
	v.SetDefault("upstream.api_base_url", "https://api.individual.githubcopilot.com")
	v.SetDefault("upstream.client_id", "Iv1.b507a08c87ecfe98")
}
