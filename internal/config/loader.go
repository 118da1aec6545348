package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.templates.allowenv":        "server.templates.allowEnv",
			"server.templates.allowedenv":      "server.templates.allowedEnv",
			"server.settings.redis.keyprefix":  "server.settings.redis.keyPrefix",
			"server.settings.redis.tls.cafile": "server.settings.redis.tls.caFile",
			"server.secrets.envprefix":         "server.secrets.envPrefix",
			"server.purgers.purgersfolder":     "server.purgers.purgersFolder",
			"server.purgers.purgersfile":       "server.purgers.purgersFile",
		}
		secretPrefix := defaultCfg.Server.Secrets.EnvPrefix
		transform := func(s string) string {
			// Secret values share the prefix but are not configuration keys.
			if strings.HasPrefix(s, secretPrefix) {
				return ""
			}
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlinePurgers = clonePurgerMap(cfg.Purgers)

	bundle, err := buildPurgerBundle(ctx, cfg.InlinePurgers, cfg.Server.Purgers)
	if err != nil {
		return Config{}, err
	}
	cfg.Purgers = bundle.Purgers
	cfg.PurgerSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"templates": map[string]any{
				"allowEnv":   cfg.Server.Templates.AllowEnv,
				"allowedEnv": cfg.Server.Templates.AllowedEnv,
			},
			"settings": map[string]any{
				"backend": cfg.Server.Settings.Backend,
				"redis": map[string]any{
					"address":   cfg.Server.Settings.Redis.Address,
					"username":  cfg.Server.Settings.Redis.Username,
					"password":  cfg.Server.Settings.Redis.Password,
					"db":        cfg.Server.Settings.Redis.DB,
					"keyPrefix": cfg.Server.Settings.Redis.KeyPrefix,
					"tls": map[string]any{
						"enabled": cfg.Server.Settings.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Settings.Redis.TLS.CAFile,
					},
				},
				"leveldb": map[string]any{
					"path": cfg.Server.Settings.LevelDB.Path,
				},
			},
			"secrets": map[string]any{
				"backend":   cfg.Server.Secrets.Backend,
				"envPrefix": cfg.Server.Secrets.EnvPrefix,
				"root":      cfg.Server.Secrets.Root,
			},
			"purgers": map[string]any{
				"purgersFolder": cfg.Server.Purgers.PurgersFolder,
				"purgersFile":   cfg.Server.Purgers.PurgersFile,
			},
		},
	}
}
