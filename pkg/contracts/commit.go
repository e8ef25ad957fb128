package contracts

// ProtocolVersion is the only commit envelope version this ledger admits.
const ProtocolVersion uint8 = 1

// Commit is the signed envelope proposing one state transition for one
// container. Pact, AuthorPubKey and Signature are not covered by the author
// signature.
type Commit struct {
	Version          uint8       `json:"version"`
	ContainerID      ContainerID `json:"container_id"`
	ExpectedSequence uint64      `json:"expected_sequence"`
	PreviousHash     Hash        `json:"previous_hash"`
	AtomHash         Hash        `json:"atom_hash"`
	IntentClass      IntentClass `json:"intent_class"`
	PhysicsDelta     Int128      `json:"physics_delta"`
	Pact             *PactProof  `json:"pact,omitempty"`
	AuthorPubKey     PublicKey   `json:"author_pubkey"`
	Signature        Signature   `json:"signature"`
}

// PactProof is the co-signature bundle attached to a commit.
type PactProof struct {
	PactID     string          `json:"pact_id"`
	Signatures []PactSignature `json:"signatures"`
}

// PactSignature is one signer's signature over the pact digest.
type PactSignature struct {
	Signer    PublicKey `json:"signer"`
	Signature Signature `json:"signature"`
}
