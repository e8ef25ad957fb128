package contracts

// Entry is the persisted record of one accepted commit. EntryHash becomes the
// PreviousHash of the next entry in the same container.
type Entry struct {
	ContainerID  ContainerID `json:"container_id"`
	Sequence     uint64      `json:"sequence"`
	AtomHash     Hash        `json:"atom_hash"`
	PreviousHash Hash        `json:"previous_hash"`
	EntryHash    Hash        `json:"entry_hash"`
	Timestamp    int64       `json:"timestamp"` // unix milliseconds

	IntentClass  IntentClass `json:"intent_class"`
	PhysicsDelta Int128      `json:"physics_delta"`
	AuthorPubKey PublicKey   `json:"author_pubkey"`
	Signature    Signature   `json:"signature"`
	PactID       string      `json:"pact_id,omitempty"`
}

// Receipt returns the caller-facing proof of append for e.
func (e Entry) Receipt() Receipt {
	return Receipt{
		ContainerID: e.ContainerID,
		Sequence:    e.Sequence,
		FinalHash:   e.EntryHash,
		Timestamp:   e.Timestamp,
	}
}

// Receipt is returned to the caller after a successful append.
type Receipt struct {
	ContainerID ContainerID `json:"container_id"`
	Sequence    uint64      `json:"sequence"`
	FinalHash   Hash        `json:"final_hash"`
	Timestamp   int64       `json:"timestamp"`
}

// Head is the current state of a container, derived from its entries.
type Head struct {
	ContainerID ContainerID `json:"container_id"`
	Sequence    uint64      `json:"sequence"`
	LastHash    Hash        `json:"last_hash"`
	Balance     Int128      `json:"balance"`
}

// GenesisHead is the head of a container with no entries.
func GenesisHead(cid ContainerID) Head {
	return Head{ContainerID: cid}
}

// Advance folds e into h. It does not validate linkage.
func (h Head) Advance(e Entry) (Head, error) {
	bal, err := h.Balance.Add(e.PhysicsDelta)
	if err != nil {
		return h, err
	}
	return Head{
		ContainerID: h.ContainerID,
		Sequence:    e.Sequence,
		LastHash:    e.EntryHash,
		Balance:     bal,
	}, nil
}

// Notification announces that a new sequence exists for a container.
type Notification struct {
	ContainerID ContainerID `json:"container_id"`
	Sequence    uint64      `json:"sequence"`
}
