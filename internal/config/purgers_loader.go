package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/purgectl/internal/expr"
	"github.com/l0p7/purgectl/internal/settings"
)

const inlineSourceName = "inline-config"

// PurgerBundle captures the merged purger definitions after loading every
// configured source, with defaults applied.
type PurgerBundle struct {
	Purgers map[string]settings.PurgerSettings
	Sources []string
	Skipped []DefinitionSkip
}

type purgerDocument struct {
	Purgers map[string]settings.PurgerSettings `koanf:"purgers"`
}

type purgerAggregator struct {
	purgers map[string]settings.PurgerSettings
	origins map[string]string
	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newPurgerAggregator() *purgerAggregator {
	return &purgerAggregator{
		purgers: make(map[string]settings.PurgerSettings),
		origins: make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		sources: make(map[string]struct{}),
	}
}

func (a *purgerAggregator) addDocument(doc purgerDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Purgers {
		a.addPurger(name, cfg, source)
	}
}

func (a *purgerAggregator) addPurger(name string, cfg settings.PurgerSettings, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.purgers, name)
		return
	}
	a.origins[name] = source
	a.purgers[name] = cfg
}

// validate applies defaults and quarantines definitions that cannot dispatch.
func (a *purgerAggregator) validate(env *expr.Environment) {
	for name, cfg := range a.purgers {
		cfg = cfg.WithDefaults()
		err := cfg.Validate()
		if err == nil && strings.TrimSpace(cfg.AcceptWhen) != "" {
			if _, compileErr := env.Compile(cfg.AcceptWhen); compileErr != nil {
				err = fmt.Errorf("acceptWhen: %w", compileErr)
			}
		}
		if err != nil {
			a.recordSkip(name, fmt.Sprintf("invalid purger settings: %v", err), a.origins[name])
			delete(a.origins, name)
			delete(a.purgers, name)
			continue
		}
		a.purgers[name] = cfg
	}
}

func (a *purgerAggregator) recordSkip(name, reason string, sources ...string) {
	if skip, ok := a.skips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "purger",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[name] = skip
}

func (a *purgerAggregator) bundle() PurgerBundle {
	purgers := make(map[string]settings.PurgerSettings, len(a.purgers))
	for name, cfg := range a.purgers {
		purgers[name] = cfg
	}
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return PurgerBundle{Purgers: purgers, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildPurgerBundle(ctx context.Context, inline map[string]settings.PurgerSettings, purgersCfg PurgersConfig) (PurgerBundle, error) {
	agg := newPurgerAggregator()
	if len(inline) > 0 {
		agg.addDocument(purgerDocument{Purgers: inline}, inlineSourceName)
	}

	files, err := collectPurgerSources(ctx, purgersCfg)
	if err != nil {
		return PurgerBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return PurgerBundle{}, ctx.Err()
		default:
		}
		doc, err := loadPurgerDocument(path)
		if err != nil {
			return PurgerBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return PurgerBundle{}, err
	}
	agg.validate(env)
	return agg.bundle(), nil
}

func collectPurgerSources(ctx context.Context, purgersCfg PurgersConfig) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if purgersCfg.PurgersFile != "" {
		if err := ensureFileExists(purgersCfg.PurgersFile); err != nil {
			return nil, err
		}
		return []string{purgersCfg.PurgersFile}, nil
	}
	if purgersCfg.PurgersFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(purgersCfg.PurgersFolder)
	if err != nil {
		return nil, fmt.Errorf("config: purgers folder %s: %w", purgersCfg.PurgersFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: purgers folder %s is not a directory", purgersCfg.PurgersFolder)
	}
	var files []string
	err = filepath.WalkDir(purgersCfg.PurgersFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedPurgersFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk purgers folder %s: %w", purgersCfg.PurgersFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: purgers file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: purgers file %s: expected a file, found directory", path)
	}
	return nil
}

func loadPurgerDocument(path string) (purgerDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return purgerDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return purgerDocument{}, fmt.Errorf("config: load purgers from %s: %w", path, err)
	}
	var doc purgerDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return purgerDocument{}, fmt.Errorf("config: decode purgers from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported purgers file extension %s", ext)
	}
}

func isSupportedPurgersFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func clonePurgerMap(in map[string]settings.PurgerSettings) map[string]settings.PurgerSettings {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
