// Package pact validates multi-signer authority proofs attached to commits.
//
// A Pact is a standing policy: a signer set, a threshold, a validity window
// and a risk level. A PactProof is evaluated fresh against its pact on every
// commit; quorum is never cached.
package pact

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// ScopeKind says where a pact may be used.
type ScopeKind string

const (
	ScopeContainer ScopeKind = "container"
	ScopeNamespace ScopeKind = "namespace"
	ScopeGlobal    ScopeKind = "global"
)

// Scope restricts a pact to one container, one namespace, or everything.
type Scope struct {
	Kind      ScopeKind
	Container contracts.ContainerID // ScopeContainer
	Namespace string                // ScopeNamespace
}

func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

func ContainerScope(cid contracts.ContainerID) Scope {
	return Scope{Kind: ScopeContainer, Container: cid}
}

func NamespaceScope(ns string) Scope { return Scope{Kind: ScopeNamespace, Namespace: ns} }

// Covers reports whether a commit to cid, which lives in namespace ns, may
// use a pact with this scope.
func (s Scope) Covers(cid contracts.ContainerID, ns string) bool {
	switch s.Kind {
	case ScopeGlobal:
		return true
	case ScopeContainer:
		return s.Container == cid
	case ScopeNamespace:
		return ns != "" && s.Namespace == ns
	default:
		return false
	}
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeContainer:
		return "container:" + s.Container.String()
	case ScopeNamespace:
		return "namespace:" + s.Namespace
	default:
		return string(s.Kind)
	}
}

// RiskLevel is the tier of authority a pact grants.
type RiskLevel uint8

const (
	L0 RiskLevel = iota
	L1
	L2
	L3
	L4
	L5
)

func (r RiskLevel) String() string { return fmt.Sprintf("L%d", uint8(r)) }

func ParseRiskLevel(s string) (RiskLevel, error) {
	var n uint8
	if _, err := fmt.Sscanf(s, "L%d", &n); err != nil || n > uint8(L5) || s != fmt.Sprintf("L%d", n) {
		return 0, fmt.Errorf("unknown risk level %q", s)
	}
	return RiskLevel(n), nil
}

// Class is the intent class a risk level authorizes.
func (r RiskLevel) Class() (contracts.IntentClass, bool) {
	switch r {
	case L0, L1:
		return contracts.IntentObservation, true
	case L2, L3:
		return contracts.IntentConservation, true
	case L4:
		return contracts.IntentEntropy, true
	case L5:
		return contracts.IntentEvolution, true
	default:
		return 0, false
	}
}

// Authorizes reports whether r maps to class.
func (r RiskLevel) Authorizes(class contracts.IntentClass) bool {
	c, ok := r.Class()
	return ok && c == class
}

// Window is an inclusive validity interval.
type Window struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (w Window) IsZero() bool { return w.NotBefore.IsZero() && w.NotAfter.IsZero() }

// Contains reports whether t lies in [NotBefore, NotAfter].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.NotBefore) && !t.After(w.NotAfter)
}

// Pact is a standing multi-signer authority policy.
type Pact struct {
	ID          string
	Version     uint32
	Scope       Scope
	IntentClass contracts.IntentClass
	Threshold   uint8
	Signers     []contracts.PublicKey
	Window      Window
	RiskLevel   RiskLevel
}

// HasSigner reports whether pk is in the signer set.
func (p *Pact) HasSigner(pk contracts.PublicKey) bool {
	for _, s := range p.Signers {
		if s == pk {
			return true
		}
	}
	return false
}

// Validate checks that p is well-formed. Registries refuse malformed pacts.
func (p *Pact) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pact: id is required")
	}
	switch p.Scope.Kind {
	case ScopeGlobal, ScopeContainer:
	case ScopeNamespace:
		if p.Scope.Namespace == "" {
			return fmt.Errorf("pact %s: namespace scope without namespace", p.ID)
		}
	default:
		return fmt.Errorf("pact %s: unknown scope %q", p.ID, p.Scope.Kind)
	}
	if p.Window.NotBefore.IsZero() || p.Window.NotAfter.IsZero() {
		return fmt.Errorf("pact %s: validity window is required", p.ID)
	}
	if p.Window.NotAfter.Before(p.Window.NotBefore) {
		return fmt.Errorf("pact %s: not_after precedes not_before", p.ID)
	}
	if p.Threshold == 0 {
		return fmt.Errorf("pact %s: threshold must be at least 1", p.ID)
	}
	if int(p.Threshold) > len(p.Signers) {
		return fmt.Errorf("pact %s: threshold %d exceeds %d signers", p.ID, p.Threshold, len(p.Signers))
	}
	seen := make(map[contracts.PublicKey]bool, len(p.Signers))
	for _, s := range p.Signers {
		if seen[s] {
			return fmt.Errorf("pact %s: duplicate signer %s", p.ID, s)
		}
		seen[s] = true
	}
	if !p.RiskLevel.Authorizes(p.IntentClass) {
		return fmt.Errorf("pact %s: risk level %s does not authorize %s", p.ID, p.RiskLevel, p.IntentClass)
	}
	return nil
}
