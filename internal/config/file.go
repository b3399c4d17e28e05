package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// readFileLayer loads a yaml, json, or toml file. Keys are the env var names
// without the AERO_VIDCONF_ prefix, in any case: log_level, conference_id,
// ice_servers_json, and so on.
func readFileLayer(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return v, nil
}

// layered resolves env first and falls back to the file. Flags are applied on
// top by the flag set.
func layered(env func(string) (string, bool), file *viper.Viper) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		return fileValue(file, fileKey(key))
	}
}

func fileKey(envKey string) string {
	return strings.ToLower(strings.TrimPrefix(envKey, envPrefix))
}

func fileValue(v *viper.Viper, key string) (string, bool) {
	if !v.IsSet(key) {
		return "", false
	}
	switch raw := v.Get(key).(type) {
	case nil:
		return "", false
	case string:
		return raw, true
	case []any:
		// Scalar lists become comma-separated; anything structured (ICE server
		// objects) is handed over as JSON.
		parts := make([]string, 0, len(raw))
		for _, item := range raw {
			switch item.(type) {
			case string, bool, int, int64, float64:
				parts = append(parts, fmt.Sprint(item))
			default:
				b, err := json.Marshal(raw)
				if err != nil {
					return "", false
				}
				return string(b), true
			}
		}
		return strings.Join(parts, ","), true
	case map[string]any:
		b, err := json.Marshal(raw)
		if err != nil {
			return "", false
		}
		return string(b), true
	default:
		return fmt.Sprint(raw), true
	}
}
