package mapping

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"syncbridge/internal/domain"
	"syncbridge/internal/transform"
)

type CompositeConfig struct {
	SourceFields []string `json:"sourceFields"`
	Separator    string   `json:"separator"`
}

type Condition struct {
	When string `json:"when"`
	Then any    `json:"then"`
	Else any    `json:"else"`

	// hasThen is set when "then" is present, so an explicit null is a result.
	hasThen bool
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	type plain Condition
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Condition(p)
	c.hasThen = hasKey(data, "then")
	return nil
}

type ConditionalConfig struct {
	Conditions []Condition `json:"conditions"`
}

// LookupConfig is accepted and stored; lookups currently pass the source
// value through.
type LookupConfig struct {
	LookupEntity string `json:"lookupEntity"`
	LookupField  string `json:"lookupField"`
	TargetField  string `json:"targetField"`
}

type DefaultValueConfig struct {
	DefaultValue any `json:"defaultValue"`
	// set when defaultValue is present in the config, even as null
	hasDefault bool
}

type CustomFunctionConfig struct {
	Function string         `json:"function"`
	Params   map[string]any `json:"params"`
}

type step struct {
	name string
	run  transform.Step
}

// Rule is a compiled field mapping.
type Rule struct {
	FieldMapping domain.FieldMapping

	strategy    string
	composite   CompositeConfig
	conditional ConditionalConfig
	lookup      LookupConfig
	defaults    DefaultValueConfig
	function    CustomFunctionConfig
	steps       []step
	// broken holds the reason a rule cannot run; it is skipped.
	broken error
}

// Err reports why the rule will be skipped, if it will.
func (r Rule) Err() error { return r.broken }

var knownStrategies = map[string]bool{
	domain.StrategyDirect:         true,
	domain.StrategyComposite:      true,
	domain.StrategyConditional:    true,
	domain.StrategyLookup:         true,
	domain.StrategyDefaultValue:   true,
	domain.StrategyCustomFunction: true,
}

// Strategies lists the supported mapping strategies.
func Strategies() []string {
	return []string{
		domain.StrategyDirect,
		domain.StrategyComposite,
		domain.StrategyConditional,
		domain.StrategyLookup,
		domain.StrategyDefaultValue,
		domain.StrategyCustomFunction,
	}
}

func decodeStrategyConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func hasKey(raw json.RawMessage, key string) bool {
	var m map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// Compile turns field mappings into rules. It never fails: problems are
// logged and the affected part degrades the way it would at run time.
func (e *Engine) Compile(fms []domain.FieldMapping) []Rule {
	rules := make([]Rule, 0, len(fms))
	for _, fm := range fms {
		r, problems := e.compile(fm)
		for _, p := range multierr.Errors(problems) {
			e.log.Info("warning: field mapping problem", "fieldMapping", fm.ID, "problem", p.Error())
		}
		rules = append(rules, r)
	}
	return rules
}

// Validate reports every problem of a field mapping at once. It is used when
// a field mapping is configured, before it is saved.
func (e *Engine) Validate(fm domain.FieldMapping) error {
	r, problems := e.compile(fm)
	if fm.SourceFieldPath == "" {
		problems = multierr.Append(problems, errors.New("source_field_path is required"))
	}
	if fm.TargetFieldPath == "" {
		problems = multierr.Append(problems, errors.New("target_field_path is required"))
	}
	if !knownStrategies[fm.Strategy] {
		problems = multierr.Append(problems, fmt.Errorf("unknown strategy %q", fm.Strategy))
	}
	if r.broken != nil {
		return problems
	}
	switch r.strategy {
	case domain.StrategyConditional:
		for i, c := range r.conditional.Conditions {
			if !supportedCondition(c.When) {
				problems = multierr.Append(problems, fmt.Errorf("conditions[%d]: unsupported condition %q", i, c.When))
			}
		}
	case domain.StrategyCustomFunction:
		if r.function.Function != "" && !e.funcs.Has(r.function.Function) {
			problems = multierr.Append(problems, fmt.Errorf("unknown function %q", r.function.Function))
		}
	}
	return problems
}

func supportedCondition(cond string) bool {
	for _, c := range comparisons {
		if c.re.MatchString(cond) {
			return true
		}
	}
	return false
}

// compile builds the rule and returns the problems found on the way. Only
// strategy config errors mark the rule broken; a transformation that fails to
// compile becomes a pass-through step.
func (e *Engine) compile(fm domain.FieldMapping) (Rule, error) {
	r := Rule{FieldMapping: fm, strategy: fm.Strategy}
	var problems error
	if !knownStrategies[r.strategy] {
		r.strategy = domain.StrategyDirect
	}
	var err error
	switch r.strategy {
	case domain.StrategyComposite:
		err = decodeStrategyConfig(fm.Config, &r.composite)
	case domain.StrategyConditional:
		err = decodeStrategyConfig(fm.Config, &r.conditional)
		if err == nil && r.conditional.Conditions != nil && len(r.conditional.Conditions) == 0 {
			err = errors.New("conditions must not be empty")
		}
	case domain.StrategyLookup:
		err = decodeStrategyConfig(fm.Config, &r.lookup)
	case domain.StrategyDefaultValue:
		err = decodeStrategyConfig(fm.Config, &r.defaults)
		r.defaults.hasDefault = hasKey(fm.Config, "defaultValue")
	case domain.StrategyCustomFunction:
		err = decodeStrategyConfig(fm.Config, &r.function)
	}
	if err != nil {
		r.broken = fmt.Errorf("%s: %w", r.strategy, err)
		problems = multierr.Append(problems, r.broken)
	}
	for i, t := range fm.Transformations {
		s, err := e.lib.Compile(t.Type, t.Config)
		if err != nil {
			problems = multierr.Append(problems, fmt.Errorf("transformations[%d]: %w", i, err))
			s = transform.Passthrough
		}
		r.steps = append(r.steps, step{name: t.Type, run: s})
	}
	return r, problems
}
