package envelope

import (
	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/crypto"
)

// Builder assembles the next commit for a container from its head.
type Builder struct {
	commit contracts.Commit
}

// Next starts a commit that extends head.
func Next(head contracts.Head) *Builder {
	return &Builder{commit: contracts.Commit{
		Version:          contracts.ProtocolVersion,
		ContainerID:      head.ContainerID,
		ExpectedSequence: head.Sequence + 1,
		PreviousHash:     head.LastHash,
	}}
}

func (b *Builder) Atom(h contracts.Hash) *Builder {
	b.commit.AtomHash = h
	return b
}

func (b *Builder) Intent(class contracts.IntentClass, delta contracts.Int128) *Builder {
	b.commit.IntentClass = class
	b.commit.PhysicsDelta = delta
	return b
}

func (b *Builder) Pact(p *contracts.PactProof) *Builder {
	b.commit.Pact = p
	return b
}

// Unsigned returns the commit without author fields.
func (b *Builder) Unsigned() contracts.Commit {
	c := b.commit
	return c
}

// Sign returns the finished commit signed by signer.
func (b *Builder) Sign(signer crypto.Signer) contracts.Commit {
	c := b.commit
	Sign(&c, signer)
	return c
}
