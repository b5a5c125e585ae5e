package mapping

import (
	"math"
	"regexp"
	"strings"

	"github.com/go-logr/logr"

	"syncbridge/internal/record"
)

type comparison struct {
	re   *regexp.Regexp
	eval func(actual any, present bool, operand string) bool
}

// Tried in order; the first syntactic match decides.
var comparisons = []comparison{
	{regexp.MustCompile(`^([\w.]+)=(.+)$`), func(actual any, present bool, operand string) bool {
		return display(actual, present) == operand
	}},
	{regexp.MustCompile(`^([\w.]+):(.+)$`), func(actual any, _ bool, operand string) bool {
		switch v := actual.(type) {
		case []any:
			for _, el := range v {
				if s, ok := el.(string); ok && s == operand {
					return true
				}
			}
		case []string:
			for _, el := range v {
				if el == operand {
					return true
				}
			}
		case string:
			return strings.Contains(v, operand)
		}
		return false
	}},
	{regexp.MustCompile(`^([\w.]+)>(.+)$`), func(actual any, present bool, operand string) bool {
		return numeric(actual, present) > record.Number(operand)
	}},
	{regexp.MustCompile(`^([\w.]+)<(.+)$`), func(actual any, present bool, operand string) bool {
		return numeric(actual, present) < record.Number(operand)
	}},
}

// Evaluate reports whether cond holds for rec. Supported forms are
// field=value, field:value, field>number and field<number. Anything else is
// logged and evaluates to false.
func Evaluate(log logr.Logger, cond string, rec record.Record) bool {
	for _, c := range comparisons {
		m := c.re.FindStringSubmatch(cond)
		if m == nil {
			continue
		}
		actual, present := record.Get(rec, m[1])
		return c.eval(actual, present, m[2])
	}
	log.Info("warning: unsupported condition format", "condition", cond)
	return false
}

// display renders a value for equality checks; an absent field reads as
// "undefined" so it never equals a real operand by accident.
func display(v any, present bool) string {
	if !present {
		return "undefined"
	}
	return record.String(v)
}

func numeric(v any, present bool) float64 {
	if !present {
		return math.NaN()
	}
	return record.Number(v)
}
