package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvConfigPath selects the config file when --config is not given.
	EnvConfigPath     = "HISTFETCH_CONFIG"
	DefaultConfigPath = "configs/config.yaml"
)

// secretEnv lets credentials stay out of the YAML files.
var secretEnv = map[string]string{
	"provider.api_key":      "HISTFETCH_API_KEY",
	"provider.access_token": "HISTFETCH_ACCESS_TOKEN",
}

// ResolvePath picks flag, then $HISTFETCH_CONFIG, then the default path.
func ResolvePath(flagValue string) string {
	for _, p := range []string{flagValue, os.Getenv(EnvConfigPath)} {
		if p = strings.TrimSpace(p); p != "" {
			return p
		}
	}
	return DefaultConfigPath
}

// Load reads path and every file it includes, applies defaults to keys no
// file set, and validates. Included files are merged before the file that
// includes them, so the including file wins.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := includeResolver{done: map[string]bool{}, active: map[string]bool{}}
	if err := r.walk(root); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range r.order {
		settings, err := readSettings(file)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", file, err)
		}
		delete(settings, "include")
		if err := v.MergeConfigMap(settings); err != nil {
			return nil, fmt.Errorf("config %s: %w", file, err)
		}
	}
	for key, env := range secretEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	var cfg Config
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	keys := make(keySet)
	markKeys("", v.AllSettings(), keys)
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readSettings(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

// includeResolver orders config files depth first. active holds the files on
// the current include chain; done holds files already placed in order.
type includeResolver struct {
	order  []string
	done   map[string]bool
	active map[string]bool
}

func (r *includeResolver) walk(path string) error {
	path = filepath.Clean(path)
	switch {
	case r.active[path]:
		return fmt.Errorf("include cycle detected: %s", path)
	case r.done[path]:
		return nil
	}
	r.active[path] = true
	settings, err := readSettings(path)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	includes, err := includeList(settings["include"])
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.walk(inc); err != nil {
			return err
		}
	}
	delete(r.active, path)
	r.done[path] = true
	r.order = append(r.order, path)
	return nil
}

func includeList(raw any) ([]string, error) {
	var items []any
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		items = []any{val}
	case []any:
		items = val
	case []string:
		for _, s := range val {
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("include must be a list of paths")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include entries must be strings, got %T", item)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// markKeys records every dotted leaf path present in settings. List entries
// mark the list key itself.
func markKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, child := range val {
			markKeys(joinKey(prefix, k), child, dest)
		}
	case map[any]any:
		for k, child := range val {
			if s, ok := k.(string); ok {
				markKeys(joinKey(prefix, s), child, dest)
			}
		}
	default:
		if prefix != "" {
			dest.mark(prefix)
		}
	}
}

func joinKey(prefix, key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if prefix == "" || key == "" {
		return prefix + key
	}
	return prefix + "." + key
}
