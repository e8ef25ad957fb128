package canonicalize

import (
	"fmt"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// Error is returned for any value that has no canonical form.
type Error struct {
	Kind contracts.ErrorKind
	Path string // JSON-pointer-like location of the offending value
	Msg  string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("canonicalize: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("canonicalize: %s at %s: %s", e.Kind, e.Path, e.Msg)
}

func newError(kind contracts.ErrorKind, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Msg: fmt.Sprintf(format, args...)}
}
