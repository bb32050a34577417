package config

import (
	"fmt"
	"strings"
)

// KeyInfo is one row of "deflect config show". Secret values are never
// included; Value only says whether the secret is set.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		info := KeyInfo{Key: s.key, EnvVar: s.env, Secret: s.secret}
		switch {
		case !s.secret:
			info.Value = fmt.Sprintf("%v", s.extract(cfg))
		case s.extract(cfg) != "":
			info.Value = "(set)"
		default:
			info.Value = "(not set)"
		}
		result = append(result, info)
	}
	return result
}

// SetKey validates value and writes it to the config file. Secrets are
// rejected; they belong in the environment or the secrets file.
func SetKey(key, value string) error {
	return setKey(openJSONFile(configFilePath()), key, value)
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func setKey(b Backend, key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}

	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	// Durations stay in their text form so the file remains hand-editable.
	if s.typ == kDuration {
		v = value
	}
	return b.Set(key, v)
}

// ValidKeys lists the keys SetKey accepts.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
