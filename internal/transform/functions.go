package transform

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/spf13/cast"

	"syncbridge/internal/record"
)

// Func is a custom function invoked by the custom_function mapping strategy.
type Func func(value any, params map[string]any) (any, error)

// Functions is a registry of custom functions.
type Functions struct {
	log   logr.Logger
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewFunctions returns a registry with the built-in functions.
func NewFunctions(log logr.Logger) *Functions {
	f := &Functions{log: log, funcs: map[string]Func{}}
	f.Register("formatPhoneNumber", formatPhoneNumber)
	f.Register("calculateTax", calculateTax)
	f.Register("concatenate", concatenate)
	return f
}

func (f *Functions) Register(name string, fn Func) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

func (f *Functions) Has(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.funcs[name]
	return ok
}

func (f *Functions) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.funcs))
	for n := range f.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call invokes name. Unknown functions and failures are logged and the
// original value is returned.
func (f *Functions) Call(name string, value any, params map[string]any) (out any) {
	f.mu.RLock()
	fn, ok := f.funcs[name]
	f.mu.RUnlock()
	if !ok {
		f.log.Info("unknown function, keeping value", "function", name)
		return value
	}
	defer func() {
		if r := recover(); r != nil {
			f.log.Info("function panicked, keeping value", "function", name, "panic", fmt.Sprint(r))
			out = value
		}
	}()
	res, err := fn(value, params)
	if err != nil {
		f.log.Info("function failed, keeping value", "function", name, "error", err.Error())
		return value
	}
	return res
}

// formatPhoneNumber renders ten-digit numbers as (XXX) XXX-XXXX.
func formatPhoneNumber(value any, _ map[string]any) (any, error) {
	phone, ok := value.(string)
	if !ok || phone == "" {
		return value, nil
	}
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) != 10 {
		return phone, nil
	}
	return fmt.Sprintf("(%s) %s-%s", d[:3], d[3:6], d[6:]), nil
}

func calculateTax(value any, params map[string]any) (any, error) {
	amount, ok := record.AsNumber(value)
	if !ok {
		return value, nil
	}
	rate := 0.1
	if raw, ok := params["rate"]; ok && raw != nil {
		r, err := cast.ToFloat64E(raw)
		if err != nil {
			return value, fmt.Errorf("invalid rate %v: %w", raw, err)
		}
		rate = r
	}
	return amount * (1 + rate), nil
}

func concatenate(value any, params map[string]any) (any, error) {
	s, ok := value.(string)
	if !ok {
		s = record.String(value)
	}
	return cast.ToString(params["prefix"]) + s + cast.ToString(params["suffix"]), nil
}
