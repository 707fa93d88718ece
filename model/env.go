package model

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"

	"github.com/joho/godotenv"
)

// Environment is an immutable snapshot of configuration values: the process
// environment captured at start-up with the harness env file laid over it.
// Components read from it instead of os.Getenv.
type Environment struct {
	values map[string]string
	source string
	loaded bool
}

// NewEnvironment builds an environment from KEY=VALUE pairs (as returned by
// os.Environ) with overrides taking precedence.
func NewEnvironment(base []string, overrides map[string]string) Environment {
	values := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		values[key] = value
	}
	for key, value := range overrides {
		values[key] = value
	}
	return Environment{values: values}
}

// LoadEnvironment reads the env file at path and overlays it on base. A
// missing file is not an error: the returned environment is just base and
// Loaded reports false.
func LoadEnvironment(path string, base []string) (Environment, error) {
	if path == "" {
		return NewEnvironment(base, nil), nil
	}

	fileValues, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			env := NewEnvironment(base, nil)
			env.source = path
			return env, nil
		}
		return Environment{}, fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	env := NewEnvironment(base, fileValues)
	env.source = path
	env.loaded = true
	return env, nil
}

func (e Environment) Get(key string) string {
	return e.values[key]
}

func (e Environment) Lookup(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Source is the env file path that was consulted, if any.
func (e Environment) Source() string { return e.source }

// Loaded reports whether the env file existed and was applied.
func (e Environment) Loaded() bool { return e.loaded }

func (e Environment) Len() int { return len(e.values) }

// Map returns a copy of all values, suitable as a template context.
func (e Environment) Map() map[string]string {
	return maps.Clone(e.values)
}

// Pairs returns sorted KEY=VALUE pairs for a subprocess environment.
func (e Environment) Pairs() []string {
	keys := slices.Sorted(maps.Keys(e.values))
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+e.values[k])
	}
	return pairs
}
