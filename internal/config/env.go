package config

import (
	"os"
	"reflect"
	"strings"
)

// EnvOverrides maps dot-separated keys to the environment variable that is
// currently overriding them. Unset and empty variables are not reported,
// matching how Load applies them.
func EnvOverrides() map[string]string {
	out := make(map[string]string)
	collectEnv("", reflect.TypeFor[Config](), out)
	return out
}

func collectEnv(prefix string, t reflect.Type, out map[string]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			collectEnv(key, f.Type, out)
			continue
		}
		if v := f.Tag.Get("env"); v != "" && os.Getenv(v) != "" {
			out[key] = v
		}
	}
}

// EnvVar returns the environment variable bound to key, if any.
func EnvVar(key string) (string, bool) {
	t := reflect.TypeFor[Config]()
	parts := strings.Split(key, ".")
	for i, part := range parts {
		f, ok := fieldByJSON(t, part)
		if !ok {
			return "", false
		}
		if i == len(parts)-1 {
			v := f.Tag.Get("env")
			return v, v != ""
		}
		if f.Type.Kind() != reflect.Struct {
			return "", false
		}
		t = f.Type
	}
	return "", false
}

func fieldByJSON(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if n, _, _ := strings.Cut(f.Tag.Get("json"), ","); n == name {
			return f, true
		}
	}
	return reflect.StructField{}, false
}
