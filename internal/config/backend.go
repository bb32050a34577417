package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Backend is where "deflect config set" persists non-secret keys.
type Backend interface {
	// Lookup returns the raw text of a key. ok is false when the key is unset.
	Lookup(key string) (raw string, ok bool, err error)
	Set(key string, value any) error
}

func xdgDir(env string, fallback ...string) (string, bool) {
	if dir := os.Getenv(env); dir != "" {
		return dir, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(append([]string{home}, fallback...)...), true
}

func defaultDataDir() string {
	dir, ok := xdgDir("XDG_DATA_HOME", ".local", "share")
	if !ok {
		return "deflect-data"
	}
	return filepath.Join(dir, "deflect")
}

func configFilePath() string {
	dir, ok := xdgDir("XDG_CONFIG_HOME", ".config")
	if !ok {
		dir = "."
	}
	return filepath.Join(dir, "deflect", "config.json")
}

// jsonFile keeps config as one flat JSON object keyed by dotted names,
// e.g. {"server.port": 4100}. Numbers are kept as json.Number so integer
// keys round-trip exactly.
type jsonFile struct {
	path   string
	values map[string]any
}

// openJSONFile reads path. A missing or unreadable file yields an empty
// backend; nothing is written until Set.
func openJSONFile(path string) *jsonFile {
	f := &jsonFile{path: path, values: map[string]any{}}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return f
	case err != nil:
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
		return f
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f.values); err != nil {
		slog.Warn("config file is not a JSON object, using defaults", "path", path, "error", err)
		f.values = map[string]any{}
	}
	return f
}

func (f *jsonFile) Lookup(key string) (string, bool, error) {
	v, ok := f.values[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case json.Number:
		return val.String(), true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	case int, float64:
		return fmt.Sprint(val), true, nil
	}
	return "", true, fmt.Errorf("%s holds a %T, want a scalar", key, v)
}

func (f *jsonFile) Set(key string, value any) error {
	f.values[key] = value
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(f.path, append(data, '\n'), 0o600)
}
