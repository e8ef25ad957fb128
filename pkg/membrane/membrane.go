// Package membrane decides whether a commit may be appended to its container.
//
// Validate is synchronous and side-effect free. It never inspects the atom
// behind atom_hash. Checks run in a fixed order and stop at the first failure:
//
//	1 version  2 signature  3 target  4 causality  5 sequence
//	6 physical coherence  7 conservation floor / entropy proof
//	8 evolution proof  9 pact validation
package membrane

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/envelope"
	"github.com/Mindburn-Labs/ubl/pkg/pact"
)

// Env is everything besides the commit and head that validation reads.
type Env struct {
	Pacts     pact.Lookup
	Namespace string // namespace of the target container, for pact scope
	Now       time.Time
}

// Rejection is returned for every refused commit.
type Rejection struct {
	Kind     contracts.ErrorKind
	PactKind contracts.ErrorKind // pact subtype when Kind is PactViolation
	Msg      string
	Details  map[string]any
	cause    error
}

func (r *Rejection) Error() string {
	if r.PactKind != "" {
		return fmt.Sprintf("%s (%s): %s", r.Kind, r.PactKind, r.Msg)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Msg)
}

func (r *Rejection) Unwrap() error { return r.cause }

// Retryable reports whether resubmitting after a head refresh can succeed.
func (r *Rejection) Retryable() bool { return r.Kind.Retryable() }

func reject(kind contracts.ErrorKind, details map[string]any, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Msg: fmt.Sprintf(format, args...), Details: details}
}

// Validate returns nil to accept c on top of head, or a *Rejection.
func Validate(c *contracts.Commit, head contracts.Head, env Env) error {
	if c.Version != contracts.ProtocolVersion {
		return reject(contracts.KindInvalidVersion, map[string]any{"expected": contracts.ProtocolVersion, "got": c.Version},
			"unsupported protocol version %d", c.Version)
	}

	if !envelope.Verify(c) {
		return reject(contracts.KindInvalidSignature, nil, "author signature does not verify")
	}

	if c.ContainerID != head.ContainerID {
		return reject(contracts.KindInvalidTarget, map[string]any{"container_id": c.ContainerID.String(), "head_container_id": head.ContainerID.String()},
			"commit targets a different container than the loaded head")
	}

	if c.PreviousHash != head.LastHash {
		return reject(contracts.KindRealityDrift, map[string]any{"expected": head.LastHash.String(), "got": c.PreviousHash.String()},
			"previous_hash does not match container head; refresh and resubmit")
	}

	if c.ExpectedSequence != head.Sequence+1 {
		return reject(contracts.KindSequenceMismatch, map[string]any{"expected": head.Sequence + 1, "got": c.ExpectedSequence},
			"expected sequence %d, got %d", head.Sequence+1, c.ExpectedSequence)
	}

	if err := checkPhysics(c, head); err != nil {
		return err
	}

	switch c.IntentClass {
	case contracts.IntentEntropy:
		if c.Pact == nil {
			return reject(contracts.KindPactViolation, nil, "entropy requires an L4 pact proof")
		}
	case contracts.IntentEvolution:
		if c.Pact == nil {
			return reject(contracts.KindUnauthorizedEvolution, nil, "evolution requires an L5 pact proof")
		}
	}

	if c.Pact != nil {
		pacts := env.Pacts
		if pacts == nil {
			pacts = pact.Set{}
		}
		if err := pact.Check(c.Pact, pacts, pact.ContextFor(c, env.Namespace, env.Now)); err != nil {
			r := &Rejection{Kind: contracts.KindPactViolation, Msg: err.Error(), cause: err}
			var perr *pact.Error
			if errors.As(err, &perr) {
				r.PactKind = perr.Kind
				r.Details = map[string]any{"pact_id": perr.PactID, "pact_error": string(perr.Kind)}
			}
			return r
		}
	}
	return nil
}

// checkPhysics enforces delta/class agreement and the conservation floor.
func checkPhysics(c *contracts.Commit, head contracts.Head) error {
	delta := c.PhysicsDelta
	switch c.IntentClass {
	case contracts.IntentObservation, contracts.IntentEvolution:
		if !delta.IsZero() {
			return reject(contracts.KindPhysicsViolation, map[string]any{"delta": delta.String()},
				"%s requires delta == 0", c.IntentClass)
		}
	case contracts.IntentConservation, contracts.IntentEntropy:
		if delta.IsZero() {
			return reject(contracts.KindPhysicsViolation, nil, "%s requires delta != 0", c.IntentClass)
		}
	default:
		return reject(contracts.KindPhysicsViolation, nil, "unknown intent class %d", uint8(c.IntentClass))
	}

	next, err := head.Balance.Add(delta)
	if err != nil {
		return reject(contracts.KindPhysicsViolation, map[string]any{"balance": head.Balance.String(), "delta": delta.String()},
			"balance overflow")
	}
	if c.IntentClass == contracts.IntentConservation && next.Sign() < 0 {
		return reject(contracts.KindPhysicsViolation, map[string]any{"balance": head.Balance.String(), "delta": delta.String()},
			"conservation would take balance to %s", next)
	}
	return nil
}
