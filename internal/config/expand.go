package config

import (
	"fmt"
	"os"
	"regexp"
)

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv resolves ${VAR} references in source settings so secrets stay out
// of the config file. A reference to an unset variable is a load error, not a
// silent empty string.
func expandEnv(cfg *Config) error {
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		expanded, err := expandValue(src.Settings)
		if err != nil {
			return fmt.Errorf("source %s %q: %w", src.Kind, src.Identifier, err)
		}
		if expanded != nil {
			src.Settings = expanded.(map[string]any)
		}
	}
	return nil
}

func expandValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return expandString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			expanded, err := expandValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			expanded, err := expandValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

func expandString(s string) (string, error) {
	var missing string
	expanded := envRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRefRe.FindStringSubmatch(ref)[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = name
			return ref
		}
		return value
	})
	if missing != "" {
		return "", fmt.Errorf("environment variable %s is not set", missing)
	}
	return expanded, nil
}
