package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"syncbridge/internal/record"
)

func upper(v any) (any, error) {
	if s, ok := v.(string); ok {
		return strings.ToUpper(s), nil
	}
	return v, nil
}

func lower(v any) (any, error) {
	if s, ok := v.(string); ok {
		return strings.ToLower(s), nil
	}
	return v, nil
}

func trim(v any) (any, error) {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return v, nil
}

type replaceConfig struct {
	Search      string  `json:"search"`
	Replacement string  `json:"replacement"`
	Flags       *string `json:"flags"`
}

func compileReplace(raw json.RawMessage) (Step, error) {
	var cfg replaceConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Search == "" {
		return nil, errors.New("search is required")
	}
	flags := "g"
	if cfg.Flags != nil {
		flags = *cfg.Flags
	}
	var inline string
	global := false
	for _, f := range flags {
		switch f {
		case 'g':
			global = true
		case 'i', 'm', 's':
			if !strings.ContainsRune(inline, f) {
				inline += string(f)
			}
		}
	}
	pattern := cfg.Search
	if inline != "" {
		pattern = "(?" + inline + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid search pattern: %w", err)
	}
	tmpl := replacementTemplate(cfg.Replacement)
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		if global {
			return re.ReplaceAllString(s, tmpl), nil
		}
		loc := re.FindStringSubmatchIndex(s)
		if loc == nil {
			return s, nil
		}
		expanded := re.ExpandString(nil, tmpl, s, loc)
		return s[:loc[0]] + string(expanded) + s[loc[1]:], nil
	}, nil
}

// replacementTemplate rewrites "$1", "$&" and "$<name>" references into the
// braced form regexp.Expand understands, and escapes lone dollars.
func replacementTemplate(repl string) string {
	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		c := repl[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(repl) {
			b.WriteString("$$")
			continue
		}
		next := repl[i+1]
		switch {
		case next == '$':
			b.WriteString("$$")
			i++
		case next == '&':
			b.WriteString("${0}")
			i++
		case next >= '0' && next <= '9':
			j := i + 1
			for j < len(repl) && repl[j] >= '0' && repl[j] <= '9' {
				j++
			}
			b.WriteString("${" + repl[i+1:j] + "}")
			i = j - 1
		case next == '<':
			end := strings.IndexByte(repl[i:], '>')
			if end < 0 {
				b.WriteString("$$")
				continue
			}
			b.WriteString("${" + repl[i+2:i+end] + "}")
			i += end
		default:
			b.WriteString("$$")
		}
	}
	return b.String()
}

type numberFormatConfig struct {
	Decimals *int `json:"decimals"`
}

func compileNumberFormat(raw json.RawMessage) (Step, error) {
	var cfg numberFormatConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	decimals := 2
	if cfg.Decimals != nil {
		decimals = *cfg.Decimals
	}
	if decimals < 0 || decimals > 100 {
		return nil, fmt.Errorf("decimals must be between 0 and 100, got %d", decimals)
	}
	return func(v any) (any, error) {
		f, ok := record.AsNumber(v)
		if !ok {
			return v, nil
		}
		return strconv.FormatFloat(f, 'f', decimals, 64), nil
	}, nil
}

type multiplyConfig struct {
	Factor *float64 `json:"factor"`
}

func compileMultiply(raw json.RawMessage) (Step, error) {
	var cfg multiplyConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Factor == nil {
		return nil, errors.New("factor is required")
	}
	factor := *cfg.Factor
	return func(v any) (any, error) {
		f, ok := record.AsNumber(v)
		if !ok {
			return v, nil
		}
		return f * factor, nil
	}, nil
}

type valueMapConfig struct {
	Mapping      map[string]any `json:"mapping"`
	DefaultValue any            `json:"defaultValue"`
}

func compileValueMap(raw json.RawMessage) (Step, error) {
	var cfg valueMapConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	hasDefault := hasKey(raw, "defaultValue")
	return func(v any) (any, error) {
		if IsAbsent(v) {
			if hasDefault {
				return cfg.DefaultValue, nil
			}
			return v, nil
		}
		if mapped, ok := cfg.Mapping[record.String(v)]; ok {
			return mapped, nil
		}
		if hasDefault {
			return cfg.DefaultValue, nil
		}
		return v, nil
	}, nil
}
