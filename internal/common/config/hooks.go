package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"
)

// CustomHooks are passed to viper.Unmarshal.
// viper keeps only the last DecodeHook option, so every hook is composed into one.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		SecondsToDurationHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		StringToMapHookFunc(),
	)),
}

// SecondsToDurationHookFunc accepts bare numbers for durations and reads them as seconds.
func SecondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// StringToMapHookFunc decodes a YAML or JSON document held in a string into a string keyed map,
// so that structured values such as a device filter can be given on the command line.
func StringToMapHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Map || t.Key().Kind() != reflect.String {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		result := map[string]interface{}{}
		if raw == "" {
			return result, nil
		}
		if err := yaml.Unmarshal([]byte(raw), &result); err != nil {
			return nil, errors.Wrapf(err, "cannot parse %q as a map", raw)
		}
		return result, nil
	}
}
