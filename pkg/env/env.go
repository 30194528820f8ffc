// Package env abstracts environment variable access so every resolution step
// can run against the real process environment or a fixed map in tests.
package env

import (
	"os"
	"sort"
	"strings"
)

// Lookup reports the value of a variable and whether it is set.
type Lookup func(key string) (string, bool)

// OS reads the real process environment.
func OS() Lookup {
	return os.LookupEnv
}

// FromMap returns a Lookup backed by a fixed map.
func FromMap(vars map[string]string) Lookup {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

// Get returns the value of key, or "" when unset. A nil Lookup behaves like an
// empty environment.
func (l Lookup) Get(key string) string {
	if l == nil {
		return ""
	}
	v, _ := l(key)
	return v
}

// NonEmpty returns the value of key only when it is set to something other
// than whitespace.
func (l Lookup) NonEmpty(key string) (string, bool) {
	if l == nil {
		return "", false
	}
	v, ok := l(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Environ lists every variable as KEY=VALUE pairs.
type Environ func() []string

// OSEnviron lists the real process environment.
func OSEnviron() Environ {
	return os.Environ
}

// EnvironFromMap lists a fixed map in key order.
func EnvironFromMap(vars map[string]string) Environ {
	return func() []string {
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, k+"="+vars[k])
		}
		return out
	}
}
