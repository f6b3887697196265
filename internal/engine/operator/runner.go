package operator

import (
	"context"
	"fmt"
	"strings"

	"dataflow-engine/internal/common/errors"
	"dataflow-engine/internal/engine/definition"
	"dataflow-engine/internal/engine/expression"
	"dataflow-engine/internal/engine/record"
)

// Func transforms one record. Returning (nil, nil) drops the record from
// the stream without reporting an error, which is how filters work.
type Func func(ctx context.Context, args map[string]interface{}, rec record.Record) (record.Record, error)

// Runner applies TRANSFORM operator chains record by record. Built-in
// operators cover field shaping and expression-driven computation; adapter
// packages register their own under additional codes.
type Runner struct {
	evaluator *expression.Evaluator
	funcs     map[string]Func
}

func NewRunner(evaluator *expression.Evaluator) *Runner {
	r := &Runner{
		evaluator: evaluator,
		funcs:     make(map[string]Func),
	}

	r.Register("setField", r.setField)
	r.Register("renameField", r.renameField)
	r.Register("dropField", r.dropField)
	r.Register("uppercase", r.caseOp(strings.ToUpper))
	r.Register("lowercase", r.caseOp(strings.ToLower))
	r.Register("computeField", r.computeField)
	r.Register("filter", r.filter)
	r.Register("requireFields", r.requireFields)

	return r
}

// Register adds or replaces an operator. Codes are case-insensitive.
func (r *Runner) Register(code string, fn Func) {
	r.funcs[strings.ToLower(code)] = fn
}

// Apply runs the chain left to right. The first operator error fails the
// record; a filter dropping the record short-circuits the rest of the
// chain.
func (r *Runner) Apply(ctx context.Context, operators []definition.OperatorSpec, rec record.Record) (record.Record, error) {
	current := rec
	for _, op := range operators {
		fn, ok := r.funcs[strings.ToLower(op.Op)]
		if !ok {
			return nil, errors.RecordFailure("", fmt.Sprintf("unknown operator %q", op.Op), nil)
		}

		next, err := fn(ctx, op.Args, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required arg %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("arg %q must be a non-empty string", key)
	}
	return s, nil
}

func (r *Runner) setField(_ context.Context, args map[string]interface{}, rec record.Record) (record.Record, error) {
	field, err := stringArg(args, "field")
	if err != nil {
		return nil, err
	}
	if err := record.SetPath(rec, field, args["value"]); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Runner) renameField(_ context.Context, args map[string]interface{}, rec record.Record) (record.Record, error) {
	from, err := stringArg(args, "from")
	if err != nil {
		return nil, err
	}
	to, err := stringArg(args, "to")
	if err != nil {
		return nil, err
	}

	value, ok := record.GetPath(rec, from)
	if !ok {
		return rec, nil
	}
	delete(rec, from)
	if err := record.SetPath(rec, to, value); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Runner) dropField(_ context.Context, args map[string]interface{}, rec record.Record) (record.Record, error) {
	field, err := stringArg(args, "field")
	if err != nil {
		return nil, err
	}
	delete(rec, field)
	return rec, nil
}

func (r *Runner) caseOp(apply func(string) string) Func {
	return func(_ context.Context, args map[string]interface{}, rec record.Record) (record.Record, error) {
		field, err := stringArg(args, "field")
		if err != nil {
			return nil, err
		}

		value, ok := record.GetPath(rec, field)
		if !ok {
			return rec, nil
		}
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("field %q is not a string", field)
		}
		if err := record.SetPath(rec, field, apply(s)); err != nil {
			return nil, err
		}
		return rec, nil
	}
}

// computeField evaluates an expression against the record and stores the
// result. Evaluation failures fail the record so the retry policy applies.
func (r *Runner) computeField(ctx context.Context, args map[string]interface{}, rec record.Record) (record.Record, error) {
	field, err := stringArg(args, "field")
	if err != nil {
		return nil, err
	}
	expr, err := stringArg(args, "expression")
	if err != nil {
		return nil, err
	}
	if r.evaluator == nil {
		return nil, fmt.Errorf("no expression evaluator configured")
	}

	value, err := r.evaluator.Evaluate(ctx, expr, map[string]interface{}{"record": map[string]interface{}(rec)})
	if err != nil {
		return nil, err
	}
	if err := record.SetPath(rec, field, value); err != nil {
		return nil, err
	}
	return rec, nil
}

// filter keeps the record when the condition holds. An evaluation failure
// fails closed: the record is dropped.
func (r *Runner) filter(ctx context.Context, args map[string]interface{}, rec record.Record) (record.Record, error) {
	condition, err := stringArg(args, "when")
	if err != nil {
		return nil, err
	}
	if r.evaluator == nil {
		return nil, fmt.Errorf("no expression evaluator configured")
	}

	keep := r.evaluator.EvaluateWithFallback(ctx, condition,
		map[string]interface{}{"record": map[string]interface{}(rec)}, false)
	if keepBool, ok := keep.(bool); ok && keepBool {
		return rec, nil
	}
	return nil, nil
}

func (r *Runner) requireFields(_ context.Context, args map[string]interface{}, rec record.Record) (record.Record, error) {
	raw, ok := args["fields"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("arg \"fields\" must be a non-empty array")
	}

	var missing []string
	for _, f := range raw {
		field, ok := f.(string)
		if !ok {
			return nil, fmt.Errorf("arg \"fields\" must contain strings")
		}
		if _, found := record.GetPath(rec, field); !found {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return rec, nil
}
