// Package policy gates deletions with Rego policies. Every module
// contributes reasons to the data.sunset.deny set; an empty set allows the
// deletion.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/sunset/telemetry"
	"github.com/yairfalse/sunset/types"
)

// DenyQuery is the rule every module contributes to
const DenyQuery = "data.sunset.deny"

// ProtectProductionModule refuses to delete anything tagged as production
const ProtectProductionModule = `package sunset

import rego.v1

deny contains msg if {
	input.resource.environment in {"production", "prod"}
	msg := sprintf("resource %s is tagged environment=%s", [input.resource.id, input.resource.environment])
}
`

// Engine evaluates the deny rule against deletion candidates
type Engine struct {
	mu      sync.RWMutex
	modules map[string]string
	query   *rego.PreparedEvalQuery
	logger  *telemetry.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewEngine creates an engine with no policies; it allows everything
func NewEngine() *Engine {
	return &Engine{
		modules: make(map[string]string),
		logger:  telemetry.NewLogger("policy"),
		tracer:  otel.Tracer("sunset/policy"),
		now:     time.Now,
	}
}

// LoadPolicy adds or replaces a module and recompiles the deny query
func (e *Engine) LoadPolicy(ctx context.Context, name, module string) error {
	ctx, span := e.tracer.Start(ctx, "policy.load",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	modules := make(map[string]string, len(e.modules)+1)
	for k, v := range e.modules {
		modules[k] = v
	}
	modules[name] = module

	query, err := compile(ctx, modules)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	e.modules = modules
	e.query = query

	e.logger.WithContext(ctx).Info().
		Str("policy_name", name).
		Int("modules", len(modules)).
		Msg("policy loaded")
	return nil
}

// Policies returns the loaded module names, sorted
func (e *Engine) Policies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deny returns the reasons the deletion of res is refused, sorted.
// It implements executor.Guard.
func (e *Engine) Deny(ctx context.Context, res types.Resource, rec types.LifecycleRecord) ([]string, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()
	if query == nil {
		return nil, nil
	}

	ctx, span := e.tracer.Start(ctx, "policy.deny",
		trace.WithAttributes(attribute.String("resource.id", res.ID)))
	defer span.End()

	input := BuildInput(res, rec, e.now().UTC())
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("policy evaluation failed for %s: %w", res.ID, err)
	}

	reasons := parseReasons(results)
	span.SetAttributes(attribute.Int("policy.denials", len(reasons)))
	if len(reasons) > 0 {
		e.logger.WithContext(ctx).Info().
			Str("resource_id", res.ID).
			Strs("reasons", reasons).
			Msg("deletion denied by policy")
	}
	return reasons, nil
}

func compile(ctx context.Context, modules map[string]string) (*rego.PreparedEvalQuery, error) {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(DenyQuery)}
	for _, name := range names {
		opts = append(opts, rego.Module(name+".rego", modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &prepared, nil
}

// parseReasons flattens the deny set. Non-string members are formatted.
func parseReasons(results rego.ResultSet) []string {
	var reasons []string
	for _, res := range results {
		for _, expr := range res.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range set {
				if s, ok := v.(string); ok {
					reasons = append(reasons, s)
				} else {
					reasons = append(reasons, fmt.Sprint(v))
				}
			}
		}
	}
	sort.Strings(reasons)
	return reasons
}
