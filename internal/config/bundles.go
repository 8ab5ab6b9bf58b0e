package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	bundlesDefaultKey = "default"
	bundlesDevicesKey = "devices"
	bundlesGroupsKey  = "groups"
	// serials contain dots, so viper nests on a delimiter they never use
	bundlesKeyDelimiter = "::"
)

// Bundles holds the per-device parameter bundles: thresholds, loop counts
// and delays handed to routines at task start. Values stay opaque here.
type Bundles struct {
	path     string
	defaults map[string]any
	devices  map[string]map[string]any
	groups   map[string][]string
}

// LoadBundles reads bundles.yaml. An empty path searches EMUAGENT_BUNDLES,
// the working directory and ~/.emuagent. A missing file yields empty
// bundles; EMUAGENT_DEFAULT_* variables override default values.
func LoadBundles(path string) (*Bundles, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(bundlesKeyDelimiter))
	v.SetConfigType("yaml")
	if path == "" {
		path = String(EnvBundlesPath, "")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bundles")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".emuagent"))
		}
	}
	v.SetEnvPrefix("EMUAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(bundlesKeyDelimiter, "_", ".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read parameter bundles")
		}
		log.Debug().Msg("no parameter bundles file, using empty bundles")
	}

	b := &Bundles{
		path:     v.ConfigFileUsed(),
		defaults: flatten(v.GetStringMap(bundlesDefaultKey)),
		devices:  make(map[string]map[string]any),
		groups:   make(map[string][]string),
	}
	for serial, raw := range v.GetStringMap(bundlesDevicesKey) {
		nested, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.Errorf("bundle for device %s is not a mapping", serial)
		}
		b.devices[strings.ToLower(strings.TrimSpace(serial))] = flatten(nested)
	}
	for name, members := range v.GetStringMapStringSlice(bundlesGroupsKey) {
		b.groups[strings.TrimSpace(name)] = members
	}
	if b.path != "" {
		log.Info().Str("path", b.path).Int("devices", len(b.devices)).Msg("parameter bundles loaded")
	}
	return b, nil
}

// Path returns the file the bundles came from, if any.
func (b *Bundles) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

// For returns the defaults overlaid with the serial's own bundle.
func (b *Bundles) For(serial string) map[string]any {
	out := make(map[string]any)
	if b == nil {
		return out
	}
	for k, v := range b.defaults {
		out[k] = v
	}
	for k, v := range b.devices[strings.ToLower(strings.TrimSpace(serial))] {
		out[k] = v
	}
	return out
}

// Serials lists devices with an explicit bundle.
func (b *Bundles) Serials() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.devices))
	for serial := range b.devices {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}

// Groups returns the named device groups declared under "groups".
func (b *Bundles) Groups() map[string][]string {
	if b == nil {
		return nil
	}
	out := make(map[string][]string, len(b.groups))
	for name, members := range b.groups {
		out[name] = append([]string(nil), members...)
	}
	return out
}

// flatten turns nested mappings into dotted keys: {sweep: {loops: 3}}
// becomes sweep.loops.
func flatten(in map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := strings.ToLower(k)
			if prefix != "" {
				key = prefix + "." + key
			}
			if nested, ok := v.(map[string]any); ok {
				walk(key, nested)
				continue
			}
			out[key] = v
		}
	}
	walk("", in)
	return out
}
