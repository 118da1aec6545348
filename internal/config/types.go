package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/l0p7/purgectl/internal/settings"
)

// Config holds every server-level option plus the purger definitions once they are loaded.
type Config struct {
	Server  ServerConfig                       `koanf:"server"`
	Purgers map[string]settings.PurgerSettings `koanf:"purgers"`

	InlinePurgers map[string]settings.PurgerSettings `koanf:"-"`

	// PurgerSources records which files contributed purger definitions.
	PurgerSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or invalid purger definitions the
	// loader disabled so health checks can report them.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs of the purgectl process.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Templates TemplatesConfig `koanf:"templates"`
	Settings  SettingsConfig  `koanf:"settings"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Purgers   PurgersConfig   `koanf:"purgers"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TemplatesConfig controls which environment variables token templates may read.
type TemplatesConfig struct {
	AllowEnv   bool     `koanf:"allowEnv"`
	AllowedEnv []string `koanf:"allowedEnv"`
}

// SettingsConfig selects the repository backing purger settings.
type SettingsConfig struct {
	Backend string              `koanf:"backend"`
	Redis   SettingsRedisConfig `koanf:"redis"`
	LevelDB SettingsLevelConfig `koanf:"leveldb"`
}

type SettingsRedisConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	KeyPrefix string         `koanf:"keyPrefix"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type SettingsLevelConfig struct {
	Path string `koanf:"path"`
}

// SecretsConfig selects where purger password references are resolved.
type SecretsConfig struct {
	Backend   string `koanf:"backend"`
	EnvPrefix string `koanf:"envPrefix"`
	Root      string `koanf:"root"`
}

// PurgersConfig announces how purger definition documents are sourced.
type PurgersConfig struct {
	PurgersFolder string `koanf:"purgersFolder"`
	PurgersFile   string `koanf:"purgersFile"`
}

// DefinitionSkip describes a purger definition that the loader ignored
// because it violated invariants.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Purgers.PurgersFolder != "" && c.Server.Purgers.PurgersFile != "" {
		return errors.New("config: purgersFolder and purgersFile are mutually exclusive")
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Settings.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Settings.Redis.Address) == "" {
			return errors.New("config: server.settings.redis.address required for redis backend")
		}
	case "leveldb":
		if strings.TrimSpace(c.Server.Settings.LevelDB.Path) == "" {
			return errors.New("config: server.settings.leveldb.path required for leveldb backend")
		}
	default:
		return fmt.Errorf("config: server.settings.backend unsupported: %s", c.Server.Settings.Backend)
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Secrets.Backend)) {
	case "", "env":
	case "file":
		if strings.TrimSpace(c.Server.Secrets.Root) == "" {
			return errors.New("config: server.secrets.root required for file backend")
		}
	default:
		return fmt.Errorf("config: server.secrets.backend unsupported: %s", c.Server.Secrets.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Settings: SettingsConfig{
				Backend: "memory",
			},
			Secrets: SecretsConfig{
				Backend:   "env",
				EnvPrefix: "PURGECTL_SECRET_",
			},
		},
	}
}
