package config

import (
	"reflect"
	"time"

	"github.com/knadh/koanf/maps"
)

var durationType = reflect.TypeOf(time.Duration(0))

// ToMap converts cfg into nested maps keyed by koanf names. Durations are
// rendered as strings, so the result loads back through the loader.
func ToMap(cfg *Config) map[string]any {
	return structToMap(reflect.ValueOf(cfg).Elem())
}

// Flat returns ToMap with dotted keys, e.g. "export.window_size".
func Flat(cfg *Config) map[string]any {
	flat, _ := maps.Flatten(ToMap(cfg), nil, ".")
	return flat
}

func structToMap(v reflect.Value) map[string]any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("koanf")
		if key == "" || !field.IsExported() {
			continue
		}

		fv := v.Field(i)
		switch {
		case fv.Type() == durationType:
			out[key] = time.Duration(fv.Int()).String()
		case fv.Kind() == reflect.Struct:
			out[key] = structToMap(fv)
		case fv.Kind() == reflect.Slice:
			out[key] = reflect.ValueOf(fv.Interface()).Interface()
		default:
			out[key] = fv.Interface()
		}
	}
	return out
}
