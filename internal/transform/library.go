// Package transform holds the named value transformations applied to field
// values after a mapping strategy has produced them, and the registry of
// custom functions used by the custom_function strategy.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

// Step is a compiled transformation. It returns the input unchanged when the
// value is not of a kind the transformation handles.
type Step func(value any) (any, error)

// Factory compiles a transformation from its raw JSON config.
type Factory func(raw json.RawMessage) (Step, error)

// ErrUnknown is returned when a transformation or function name is not registered.
var ErrUnknown = errors.New("unknown transformation")

// Library is a registry of named transformations.
type Library struct {
	log       logr.Logger
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewLibrary returns a library with the built-in transformations registered.
func NewLibrary(log logr.Logger) *Library {
	l := &Library{log: log, factories: map[string]Factory{}}
	l.Register("string.uppercase", func(json.RawMessage) (Step, error) { return upper, nil })
	l.Register("string.lowercase", func(json.RawMessage) (Step, error) { return lower, nil })
	l.Register("string.trim", func(json.RawMessage) (Step, error) { return trim, nil })
	l.Register("string.replace", compileReplace)
	l.Register("number.format", compileNumberFormat)
	l.Register("number.multiply", compileMultiply)
	l.Register("date.format", compileDateFormat)
	l.Register("value.map", compileValueMap)
	return l
}

// Register adds or replaces a transformation.
func (l *Library) Register(name string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = f
}

// Names lists registered transformations in order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.factories))
	for n := range l.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Compile resolves name and validates its config.
func (l *Library) Compile(name string, raw json.RawMessage) (Step, error) {
	l.mu.RLock()
	f, ok := l.factories[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknown, name)
	}
	step, err := f(raw)
	if err != nil {
		return nil, fmt.Errorf("transformation %s: %w", name, err)
	}
	return guard(name, step), nil
}

// Apply runs one transformation. It never fails: unknown names, bad configs
// and failing steps are logged and the value is returned unchanged.
func (l *Library) Apply(value any, name string, raw json.RawMessage) any {
	step, err := l.Compile(name, raw)
	if err != nil {
		l.log.Info("skipping transformation", "type", name, "reason", err.Error())
		return value
	}
	return l.Run(name, step, value)
}

// Run executes a compiled step with the same fallback rules as Apply.
func (l *Library) Run(name string, step Step, value any) any {
	out, err := step(value)
	if err != nil {
		l.log.Info("transformation failed, keeping value", "type", name, "error", err.Error())
		return value
	}
	return out
}

// Absent stands in for a value the mapping strategy could not resolve. Steps
// pass it through unchanged unless they can supply a value of their own.
var Absent any = absentValue{}

type absentValue struct{}

// IsAbsent reports whether v is Absent.
func IsAbsent(v any) bool {
	_, ok := v.(absentValue)
	return ok
}

// Passthrough is the step used for transformations that could not be compiled.
func Passthrough(value any) (any, error) { return value, nil }

func guard(name string, step Step) Step {
	return func(value any) (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				out, err = value, fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return step(value)
	}
}

func decodeConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func hasKey(raw json.RawMessage, key string) bool {
	if len(raw) == 0 {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}
