// Package policy implements the optional CEL-based transport-selection
// policy SPEC_FULL.md §1.2 assigns to github.com/google/cel-go: an
// expression over connection attributes (remote address, requested
// channels) that picks the active transport kind and fallback order,
// enriching spec.md §4.1's static fallback list without replacing it as
// the default (§4.3: "the client owns a list of tried transports").
//
// Grounded on the teacher's internal/adapter/outbound/cel/evaluator.go:
// same compile-once/evaluate-many shape, cost budget, and per-evaluation
// timeout, adapted from a boolean policy-allow decision to a
// string-valued transport name.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/dap-stream/dap-stream/internal/transport"
)

// maxExpressionLength bounds the CEL expression source size, mirroring
// the teacher's evaluator.go SECU-05 limit.
const maxExpressionLength = 1024

// maxCostBudget bounds CEL runtime cost, mirroring evaluator.go's
// cost-exhaustion guard.
const maxCostBudget = 100_000

// evalTimeout bounds a single evaluation.
const evalTimeout = 2 * time.Second

// Attrs carries the connection attributes a transport_policy expression
// may reference.
type Attrs struct {
	RemoteAddr string
	Channels   string
}

// Selector compiles a single CEL expression once and evaluates it per
// connection attempt, returning the chosen transport.Kind name.
type Selector struct {
	env *cel.Env
	prg cel.Program
}

// NewSelector compiles expr, which must evaluate to a string naming a
// transport.ParseKind-recognized transport (e.g. "http", "websocket",
// "udp_basic"). It is compiled once; Select is safe for concurrent use.
func NewSelector(expr string) (*Selector, error) {
	if len(expr) == 0 {
		return nil, errors.New("policy: expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("policy: expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	env, err := cel.NewEnv(
		cel.Variable("remote_addr", cel.StringType),
		cel.Variable("channels", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build cel environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.StringType {
		return nil, fmt.Errorf("policy: expression must evaluate to a string, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize), cel.CostLimit(maxCostBudget))
	if err != nil {
		return nil, fmt.Errorf("policy: build program: %w", err)
	}

	return &Selector{env: env, prg: prg}, nil
}

// Select runs the compiled expression against attrs and returns the
// chosen transport kind.
func (s *Selector) Select(ctx context.Context, attrs Attrs) (transport.Kind, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	out, _, err := s.prg.ContextEval(ctx, map[string]any{
		"remote_addr": attrs.RemoteAddr,
		"channels":    attrs.Channels,
	})
	if err != nil {
		return 0, fmt.Errorf("policy: evaluate: %w", err)
	}
	name, ok := out.Value().(string)
	if !ok {
		return 0, fmt.Errorf("policy: expression did not return a string, got %T", out.Value())
	}
	return transport.ParseKind(name), nil
}

// ReorderFallback moves the policy's chosen kind to the front of order,
// preserving the rest as the remaining fallback sequence (§4.3's
// "transport-selected retry list of alternates"). If kind is not present
// in order, it is prepended.
func ReorderFallback(order []transport.Kind, kind transport.Kind) []transport.Kind {
	out := make([]transport.Kind, 0, len(order)+1)
	out = append(out, kind)
	for _, k := range order {
		if k != kind {
			out = append(out, k)
		}
	}
	return out
}
