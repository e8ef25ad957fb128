// Package policy is the optional pre-check the orchestrator runs before the
// membrane for containers that declare a policy.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// Input is what a policy may look at. It never includes the atom itself.
type Input struct {
	ContainerID contracts.ContainerID
	Namespace   string
	Sequence    uint64
	IntentClass contracts.IntentClass
	Delta       contracts.Int128
	Balance     contracts.Int128
	AtomHash    contracts.Hash
	Author      contracts.PublicKey
	PactID      string
	Now         time.Time
}

// InputFor describes c against the head it targets.
func InputFor(c *contracts.Commit, head contracts.Head, namespace string, now time.Time) Input {
	in := Input{
		ContainerID: c.ContainerID,
		Namespace:   namespace,
		Sequence:    c.ExpectedSequence,
		IntentClass: c.IntentClass,
		Delta:       c.PhysicsDelta,
		Balance:     head.Balance,
		AtomHash:    c.AtomHash,
		Author:      c.AuthorPubKey,
		Now:         now,
	}
	if c.Pact != nil {
		in.PactID = c.Pact.PactID
	}
	return in
}

// Decision is Allow{IntentClass, RequiredPact} or Deny{Reason}.
type Decision struct {
	Allowed      bool
	IntentClass  contracts.IntentClass
	RequiredPact string
	Reason       string
}

func Allow(class contracts.IntentClass, requiredPact string) Decision {
	return Decision{Allowed: true, IntentClass: class, RequiredPact: requiredPact}
}

func Deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Evaluator decides on a commit before it reaches the membrane. An error means
// the policy itself could not be evaluated.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// Check applies d to the commit it was made for. It returns the deny reason,
// or "" when the commit may proceed to the membrane.
func Check(d Decision, c *contracts.Commit) string {
	if !d.Allowed {
		return d.Reason
	}
	if d.IntentClass != c.IntentClass {
		return fmt.Sprintf("policy allows %s, commit is %s", d.IntentClass, c.IntentClass)
	}
	if d.RequiredPact != "" && (c.Pact == nil || c.Pact.PactID != d.RequiredPact) {
		return fmt.Sprintf("policy requires pact %q", d.RequiredPact)
	}
	return ""
}

// AllowAll is the evaluator for deployments without policies.
type AllowAll struct{}

func (AllowAll) Evaluate(_ context.Context, in Input) (Decision, error) {
	return Allow(in.IntentClass, ""), nil
}
