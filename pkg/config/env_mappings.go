package config

import (
	"reflect"
	"sync"
)

// EnvMapping binds an environment variable to a koanf path.
type EnvMapping struct {
	EnvVar     string
	ConfigPath string
}

var (
	envMappings     []EnvMapping
	envMappingsOnce sync.Once
)

// GenerateEnvMappings derives the mappings from the env struct tags of Config.
func GenerateEnvMappings() []EnvMapping {
	envMappingsOnce.Do(func() {
		envMappings = collectEnvMappings(reflect.TypeOf(Config{}), "")
	})
	return envMappings
}

func collectEnvMappings(t reflect.Type, prefix string) []EnvMapping {
	var out []EnvMapping
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("koanf")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		path := tag
		if prefix != "" {
			path = prefix + "." + tag
		}
		if envVar := field.Tag.Get("env"); envVar != "" && envVar != "-" {
			out = append(out, EnvMapping{EnvVar: envVar, ConfigPath: path})
		}
		if field.Type.Kind() == reflect.Struct && field.Type.PkgPath() != "time" {
			out = append(out, collectEnvMappings(field.Type, path)...)
		}
	}
	return out
}

// GenerateEnvToConfigMap indexes the mappings by variable name.
func GenerateEnvToConfigMap() map[string]string {
	mappings := GenerateEnvMappings()
	out := make(map[string]string, len(mappings))
	for _, m := range mappings {
		out[m.EnvVar] = m.ConfigPath
	}
	return out
}
