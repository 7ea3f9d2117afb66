package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// TUNSTACK_POOLS_TCP_PCB=2048.
const EnvPrefix = "TUNSTACK"

// Load builds Options from the platform defaults, an optional config file
// and TUNSTACK_* environment variables, then validates the result. An empty
// path skips the file.
func Load(path string) (*Options, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, "", reflect.ValueOf(*Default()))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	opts := &Options{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeHook,
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(opts, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// setDefaults registers every leaf of o under its mapstructure key so that
// environment variables can override keys absent from the file.
func setDefaults(v *viper.Viper, prefix string, o reflect.Value) {
	t := o.Type()
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		f := o.Field(i)
		if f.Kind() == reflect.Struct {
			setDefaults(v, key, f)
			continue
		}
		v.SetDefault(key, f.Interface())
	}
}

var byteSizeType = reflect.TypeOf(ByteSize(0))

// byteSizeHook accepts human sizes ("512KiB", "2m") for ByteSize fields.
func byteSizeHook(from, to reflect.Type, data any) (any, error) {
	if to != byteSizeType || from.Kind() != reflect.String {
		return data, nil
	}
	n, err := units.RAMInBytes(data.(string))
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", data, err)
	}
	return ByteSize(n), nil
}
