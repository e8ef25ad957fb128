package pact

import (
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/crypto"
)

// Lookup resolves a pact by id without I/O.
type Lookup interface {
	Pact(id string) (*Pact, bool)
}

// Set is an in-memory Lookup.
type Set map[string]*Pact

func (s Set) Pact(id string) (*Pact, bool) {
	p, ok := s[id]
	return p, ok
}

// Context is the part of a commit a pact proof is checked against.
type Context struct {
	ContainerID contracts.ContainerID
	Namespace   string
	AtomHash    contracts.Hash
	IntentClass contracts.IntentClass
	Delta       contracts.Int128
	Now         time.Time
}

// ContextFor extracts the check context from c.
func ContextFor(c *contracts.Commit, namespace string, now time.Time) Context {
	return Context{
		ContainerID: c.ContainerID,
		Namespace:   namespace,
		AtomHash:    c.AtomHash,
		IntentClass: c.IntentClass,
		Delta:       c.PhysicsDelta,
		Now:         now,
	}
}

// Check validates proof against its pact. On failure it returns *Error.
//
// Order: existence and scope, validity window, risk tier, then each
// signature (duplicates and non-members fail immediately, invalid member
// signatures simply do not count), then the threshold.
func Check(proof *contracts.PactProof, pacts Lookup, ctx Context) error {
	if proof == nil {
		return fail(contracts.KindUnknownPact, "", "no proof supplied")
	}
	p, ok := pacts.Pact(proof.PactID)
	if !ok || p == nil {
		return fail(contracts.KindUnknownPact, proof.PactID, "not registered")
	}
	if !p.Scope.Covers(ctx.ContainerID, ctx.Namespace) {
		return fail(contracts.KindUnknownPact, proof.PactID, "not in scope for container %s", ctx.ContainerID)
	}
	if p.Window.IsZero() || !p.Window.Contains(ctx.Now) {
		return fail(contracts.KindPactExpired, proof.PactID, "%s outside [%s, %s]",
			ctx.Now.UTC().Format(time.RFC3339), p.Window.NotBefore.UTC().Format(time.RFC3339),
			p.Window.NotAfter.UTC().Format(time.RFC3339))
	}
	if !p.RiskLevel.Authorizes(ctx.IntentClass) || p.IntentClass != ctx.IntentClass {
		return fail(contracts.KindRiskMismatch, proof.PactID, "%s pact for %s cannot authorize %s",
			p.RiskLevel, p.IntentClass, ctx.IntentClass)
	}

	digest := Digest(proof.PactID, ctx.AtomHash, ctx.IntentClass, ctx.Delta)
	seen := make(map[contracts.PublicKey]bool, len(proof.Signatures))
	valid := 0
	for _, sig := range proof.Signatures {
		if seen[sig.Signer] {
			return fail(contracts.KindDuplicateSigner, proof.PactID, "signer %s appears more than once", sig.Signer)
		}
		seen[sig.Signer] = true
		if !p.HasSigner(sig.Signer) {
			return fail(contracts.KindUnauthorizedSigner, proof.PactID, "signer %s is not in the signer set", sig.Signer)
		}
		if crypto.Verify(sig.Signer, digest[:], sig.Signature) {
			valid++
		}
	}
	if valid < int(p.Threshold) {
		return fail(contracts.KindInsufficientSignatures, proof.PactID, "%d valid signatures, threshold %d", valid, p.Threshold)
	}
	return nil
}
