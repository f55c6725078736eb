package config

import (
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// Options is the merged, flat option set of one sink or source definition.
// Keys are case-insensitive; values are kept verbatim.
type Options struct {
	values map[string]string
}

// NewOptions merges overrides on top of defaults. Later layers win.
func NewOptions(layers ...map[string]any) Options {
	values := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			key := normalizeKey(k)
			if key == "" || v == nil {
				continue
			}
			values[key] = cast.ToString(v)
		}
	}
	return Options{values: values}
}

// OptionsFromStrings is a convenience for callers that already hold string values.
func OptionsFromStrings(values map[string]string) Options {
	layer := make(map[string]any, len(values))
	for k, v := range values {
		layer[k] = v
	}
	return NewOptions(layer)
}

// Get returns the raw value for key and whether it was set.
func (o Options) Get(key string) (string, bool) {
	v, ok := o.values[normalizeKey(key)]
	return v, ok
}

// String returns the trimmed value for key, or def when unset or blank.
func (o Options) String(key, def string) string {
	v, ok := o.Get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// Has reports whether key carries a non-blank value.
func (o Options) Has(key string) bool {
	v, ok := o.Get(key)
	return ok && strings.TrimSpace(v) != ""
}

// Require fails with a configuration error naming every missing key.
func (o Options) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if !o.Has(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return mailerr.Configurationf("missing mandatory option(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

// Bool accepts only "true" or "false" (any case).
func (o Options) Bool(key string, def bool) (bool, error) {
	if !o.Has(key) {
		return def, nil
	}
	switch strings.ToLower(o.String(key, "")) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, mailerr.Configurationf("option %q must be true or false, got %q", key, o.String(key, ""))
	}
}

// Int parses a base-10 integer option.
func (o Options) Int(key string, def int) (int, error) {
	if !o.Has(key) {
		return def, nil
	}
	n, err := strconv.Atoi(o.String(key, ""))
	if err != nil {
		return 0, mailerr.Configurationf("option %q must be an integer, got %q", key, o.String(key, ""))
	}
	return n, nil
}

// WithPrefix returns every option whose key starts with prefix, keyed by the full key.
func (o Options) WithPrefix(prefixes ...string) map[string]string {
	out := make(map[string]string)
	for k, v := range o.values {
		for _, p := range prefixes {
			if strings.HasPrefix(k, normalizeKey(p)) {
				out[k] = v
				break
			}
		}
	}
	return out
}

// Keys lists the option names in sorted order.
func (o Options) Keys() []string {
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Redacted returns a copy of the options safe to log.
func (o Options) Redacted() map[string]string {
	out := make(map[string]string, len(o.values))
	for k, v := range o.values {
		if k == "password" || strings.HasSuffix(k, ".password") {
			v = "******"
		}
		out[k] = v
	}
	return out
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
