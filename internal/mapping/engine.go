// Package mapping converts source records into target-shaped records by
// applying field mapping rules.
package mapping

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"syncbridge/internal/connector"
	"syncbridge/internal/domain"
	"syncbridge/internal/record"
	"syncbridge/internal/transform"
)

// Engine applies compiled rules to records. It is safe for concurrent use.
type Engine struct {
	log   logr.Logger
	lib   *transform.Library
	funcs *transform.Functions
}

func New(log logr.Logger, lib *transform.Library, funcs *transform.Functions) *Engine {
	return &Engine{log: log, lib: lib, funcs: funcs}
}

// Transform builds a fresh target record from source. Rules run in order and
// a failing rule is logged and skipped without affecting the others. The
// source record is never modified. The only error is a cancelled context.
func (e *Engine) Transform(ctx context.Context, source record.Record, rules []Rule, sourceFields, targetFields []connector.Field) (record.Record, error) {
	src := fieldIDs(sourceFields)
	tgt := fieldIDs(targetFields)
	out := record.Record{}
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fm := r.FieldMapping
		if !src[fm.SourceFieldID] || !tgt[fm.TargetFieldID] {
			e.log.Info("warning: missing field definition, skipping mapping",
				"fieldMapping", fm.ID, "sourceFieldId", fm.SourceFieldID, "targetFieldId", fm.TargetFieldID)
			continue
		}
		if r.broken != nil {
			e.log.Info("warning: skipping invalid mapping", "fieldMapping", fm.ID, "error", r.broken.Error())
			continue
		}
		value, defined, err := e.apply(r, source)
		if err != nil {
			e.log.Error(err, "mapping failed, skipping", "fieldMapping", fm.ID)
			continue
		}
		if !defined {
			continue
		}
		record.Set(out, fm.TargetFieldPath, value)
	}
	return out, nil
}

// apply evaluates one rule. defined is false when the rule produced no value,
// in which case the target field is left unset.
func (e *Engine) apply(r Rule, source record.Record) (value any, defined bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			value, defined, err = nil, false, fmt.Errorf("panic: %v", p)
		}
	}()
	fm := r.FieldMapping
	sourceValue, present := record.Get(source, fm.SourceFieldPath)
	// values leaving the engine must not alias the source record
	sourceValue = cloneValue(sourceValue)

	switch r.strategy {
	case domain.StrategyDirect:
		if fm.Strategy != domain.StrategyDirect {
			e.log.Info("warning: unsupported mapping strategy, using direct", "fieldMapping", fm.ID, "strategy", fm.Strategy)
		}
		value, defined = sourceValue, present

	case domain.StrategyComposite:
		if r.composite.SourceFields == nil {
			value, defined = sourceValue, present
			break
		}
		parts := make([]string, len(r.composite.SourceFields))
		for i, p := range r.composite.SourceFields {
			if v, ok := record.Get(source, p); ok && v != nil {
				parts[i] = record.String(v)
			}
		}
		sep := r.composite.Separator
		if sep == "" {
			sep = " "
		}
		value, defined = strings.Join(parts, sep), true

	case domain.StrategyConditional:
		conds := r.conditional.Conditions
		if conds == nil {
			value, defined = sourceValue, present
			break
		}
		for _, c := range conds {
			if Evaluate(e.log, c.When, source) {
				value, defined = cloneValue(c.Then), c.hasThen || c.Then != nil
				break
			}
		}
		// The fallback is read from the first entry only. A null else is no
		// fallback; falsy values such as "" or 0 are.
		if !defined && conds[0].Else != nil {
			value, defined = cloneValue(conds[0].Else), true
		}

	case domain.StrategyLookup:
		e.log.V(1).Info("lookup mapping not implemented, passing value through", "fieldMapping", fm.ID, "lookupEntity", r.lookup.LookupEntity)
		value, defined = sourceValue, present

	case domain.StrategyDefaultValue:
		if present {
			value, defined = sourceValue, true
		} else if r.defaults.hasDefault {
			value, defined = cloneValue(r.defaults.DefaultValue), true
		}

	case domain.StrategyCustomFunction:
		value, defined = sourceValue, present
		if r.function.Function != "" && present {
			value = e.funcs.Call(r.function.Function, sourceValue, r.function.Params)
		}
	}
	if !defined {
		value = transform.Absent
	}
	out := e.pipeline(r, value)
	if transform.IsAbsent(out) {
		return nil, false, nil
	}
	return out, true, nil
}

// pipeline feeds value through the rule's transformations in order.
func (e *Engine) pipeline(r Rule, value any) any {
	for _, s := range r.steps {
		value = e.lib.Run(s.name, s.run, value)
	}
	return value
}

func fieldIDs(fields []connector.Field) map[string]bool {
	ids := make(map[string]bool, len(fields))
	for _, f := range fields {
		ids[f.ID] = true
	}
	return ids
}

func cloneValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		return record.Clone(map[string]any{"v": v})["v"]
	}
	return v
}
