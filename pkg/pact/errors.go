package pact

import (
	"fmt"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// Error is a pact validation failure. Kind is one of the pact error kinds.
type Error struct {
	Kind   contracts.ErrorKind
	PactID string
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pact %s: %s: %s", e.PactID, e.Kind, e.Msg)
}

func fail(kind contracts.ErrorKind, pactID, format string, args ...any) *Error {
	return &Error{Kind: kind, PactID: pactID, Msg: fmt.Sprintf(format, args...)}
}
