package config

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const keyDelimiter = "::"

// Definition describes one configured sink or source.
type Definition struct {
	Name     string         `mapstructure:"name"`
	Mapper   string         `mapstructure:"mapper"`
	Listener string         `mapstructure:"listener"`
	Options  map[string]any `mapstructure:"options"`
}

// Defaults holds global option values applied under every definition of a kind.
type Defaults struct {
	Sink   map[string]any `mapstructure:"sink"`
	Source map[string]any `mapstructure:"source"`
}

// Definitions is the parsed definitions file.
type Definitions struct {
	Defaults Defaults     `mapstructure:"defaults"`
	Sinks    []Definition `mapstructure:"sinks"`
	Sources  []Definition `mapstructure:"sources"`
}

// SinkOptions merges the sink defaults with def's own options.
func (d *Definitions) SinkOptions(def Definition) Options {
	return NewOptions(d.Defaults.Sink, def.Options)
}

// SourceOptions merges the source defaults with def's own options.
func (d *Definitions) SourceOptions(def Definition) Options {
	return NewOptions(d.Defaults.Source, def.Options)
}

// Sink returns the sink definition called name.
func (d *Definitions) Sink(name string) (Definition, bool) {
	return find(d.Sinks, name)
}

// Source returns the source definition called name.
func (d *Definitions) Source(name string) (Definition, bool) {
	return find(d.Sources, name)
}

// Validate checks structural rules. Option semantics are validated by each sink and source.
func (d *Definitions) Validate() error {
	if err := uniqueNames("sink", d.Sinks); err != nil {
		return err
	}
	return uniqueNames("source", d.Sources)
}

func find(defs []Definition, name string) (Definition, bool) {
	for _, def := range defs {
		if strings.EqualFold(def.Name, name) {
			return def, true
		}
	}
	return Definition{}, false
}

func uniqueNames(kind string, defs []Definition) error {
	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		name := strings.ToLower(strings.TrimSpace(def.Name))
		if name == "" {
			return fmt.Errorf("%s definition #%d has no name", kind, i+1)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate %s definition %q", kind, def.Name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Loader reads the definitions file through viper.
type Loader struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// NewLoader prepares a loader for the YAML file at path.
func NewLoader(path string) *Loader {
	return &Loader{v: newViper(), path: path}
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads and validates the definitions file.
func (l *Loader) Load() (*Definitions, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.v.SetConfigFile(l.path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read definitions %s: %w", l.path, err)
	}
	return decode(l.v)
}

// Watch invokes fn with the re-parsed definitions whenever the file changes.
func (l *Loader) Watch(fn func(*Definitions, error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		l.mu.Lock()
		defs, err := decode(l.v)
		l.mu.Unlock()
		fn(defs, err)
	})
	l.v.WatchConfig()
}

// Parse decodes definitions from r; used by tooling and tests.
func Parse(r io.Reader) (*Definitions, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Definitions, error) {
	defs := &Definitions{}
	if err := v.Unmarshal(defs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definitions: %w", err)
	}
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	return defs, nil
}
