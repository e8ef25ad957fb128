package pact

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// Spec is the configuration-file form of a pact.
type Spec struct {
	ID          string   `yaml:"id" json:"id"`
	Version     uint32   `yaml:"version" json:"version"`
	Scope       string   `yaml:"scope" json:"scope"` // global | container | namespace
	Container   string   `yaml:"container,omitempty" json:"container,omitempty"`
	Namespace   string   `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	IntentClass string   `yaml:"intent_class" json:"intent_class"`
	Threshold   uint8    `yaml:"threshold" json:"threshold"`
	Signers     []string `yaml:"signers" json:"signers"`
	NotBefore   string   `yaml:"not_before" json:"not_before"` // RFC 3339
	NotAfter    string   `yaml:"not_after" json:"not_after"`
	RiskLevel   string   `yaml:"risk_level" json:"risk_level"` // L0..L5
}

// Pact converts s, resolving container names with containerID when the
// container field is not a 32-byte hex or base64 identity.
func (s Spec) Pact(containerID func(name string) contracts.ContainerID) (*Pact, error) {
	p := &Pact{ID: s.ID, Version: s.Version, Threshold: s.Threshold}

	switch ScopeKind(s.Scope) {
	case ScopeGlobal, "":
		p.Scope = GlobalScope()
	case ScopeNamespace:
		p.Scope = NamespaceScope(s.Namespace)
	case ScopeContainer:
		cid, err := contracts.ParseContainerID(s.Container)
		if err != nil {
			if containerID == nil || s.Container == "" {
				return nil, fmt.Errorf("pact %s: %w", s.ID, err)
			}
			cid = containerID(s.Container)
		}
		p.Scope = ContainerScope(cid)
	default:
		return nil, fmt.Errorf("pact %s: unknown scope %q", s.ID, s.Scope)
	}

	class, err := contracts.ParseIntentClass(s.IntentClass)
	if err != nil {
		return nil, fmt.Errorf("pact %s: %w", s.ID, err)
	}
	p.IntentClass = class

	if p.RiskLevel, err = ParseRiskLevel(s.RiskLevel); err != nil {
		return nil, fmt.Errorf("pact %s: %w", s.ID, err)
	}

	for _, raw := range s.Signers {
		pk, err := contracts.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("pact %s: signer: %w", s.ID, err)
		}
		p.Signers = append(p.Signers, pk)
	}

	if p.Window.NotBefore, err = time.Parse(time.RFC3339, s.NotBefore); err != nil {
		return nil, fmt.Errorf("pact %s: not_before: %w", s.ID, err)
	}
	if p.Window.NotAfter, err = time.Parse(time.RFC3339, s.NotAfter); err != nil {
		return nil, fmt.Errorf("pact %s: not_after: %w", s.ID, err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
