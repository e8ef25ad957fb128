package policy

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// Rule passes when Expr evaluates to true.
//
// Expressions see two variables: `commit`, a map with container_id,
// namespace, sequence, intent_class (name), delta (decimal string),
// delta_sign, balance (decimal string), atom_hash, author and pact_id; and
// `now`, a timestamp. delta_int and balance_int are always bound, saturated
// to the int64 range; delta_fits and balance_fits report whether they are exact.
type Rule struct {
	Name   string `yaml:"name" json:"name"`
	Expr   string `yaml:"expr" json:"expr"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Policy is the rule set declared by one container.
type Policy struct {
	Rules []Rule `yaml:"rules" json:"rules"`
	// RequirePact names the pact a commit of a given class must carry.
	RequirePact map[contracts.IntentClass]string `yaml:"require_pact,omitempty" json:"require_pact,omitempty"`
}

// Table maps containers to their declared policy.
type Table map[contracts.ContainerID]*Policy

// CELEvaluator evaluates a Table of CEL rule sets.
type CELEvaluator struct {
	env      *cel.Env
	table    Table
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELEvaluator compiles every rule in table up front.
func NewCELEvaluator(table Table) (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("commit", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e := &CELEvaluator{env: env, table: table, prgCache: make(map[string]cel.Program)}
	for cid, p := range table {
		for _, r := range p.Rules {
			if _, err := e.program(r.Expr); err != nil {
				return nil, fmt.Errorf("container %s rule %q: %w", cid, r.Name, err)
			}
		}
	}
	return e, nil
}

// Declares reports whether cid has a policy.
func (e *CELEvaluator) Declares(cid contracts.ContainerID) bool {
	_, ok := e.table[cid]
	return ok
}

func (e *CELEvaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	p, ok := e.table[in.ContainerID]
	if !ok || p == nil {
		return Allow(in.IntentClass, ""), nil
	}
	vars := map[string]any{"commit": commitVars(in), "now": in.Now}
	for _, r := range p.Rules {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		ok, err := e.eval(r.Expr, vars)
		if err != nil {
			return Decision{}, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if !ok {
			reason := r.Reason
			if reason == "" {
				reason = "rule " + r.Name + " failed"
			}
			return Deny("%s", reason), nil
		}
	}
	return Allow(in.IntentClass, p.RequirePact[in.IntentClass]), nil
}

func commitVars(in Input) map[string]any {
	m := map[string]any{
		"container_id": in.ContainerID.String(),
		"namespace":    in.Namespace,
		"sequence":     int64(in.Sequence),
		"intent_class": in.IntentClass.String(),
		"delta":        in.Delta.String(),
		"delta_sign":   int64(in.Delta.Sign()),
		"balance":      in.Balance.String(),
		"atom_hash":    in.AtomHash.String(),
		"author":       in.Author.String(),
		"pact_id":      in.PactID,
	}
	m["delta_int"], m["delta_fits"] = saturate(in.Delta)
	m["balance_int"], m["balance_fits"] = saturate(in.Balance)
	return m
}

// saturate clamps x to the int64 range.
func saturate(x contracts.Int128) (int64, bool) {
	b := x.Big()
	switch {
	case b.IsInt64():
		return b.Int64(), true
	case b.Sign() < 0:
		return math.MinInt64, false
	default:
		return math.MaxInt64, false
	}
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *CELEvaluator) eval(expr string, vars map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
