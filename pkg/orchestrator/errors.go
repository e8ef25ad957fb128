package orchestrator

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/ubl/pkg/atoms"
	"github.com/Mindburn-Labs/ubl/pkg/canonicalize"
	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/membrane"
	"github.com/Mindburn-Labs/ubl/pkg/store/ledger"
)

// PolicyError reports a commit denied by its container's policy.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "policy denied: " + e.Reason }

// RequestError reports malformed input that never reached validation.
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return "invalid request: " + e.Msg }

// Classify maps any error produced while admitting or reading commits to the
// caller-facing error body. Unrecognized errors become Internal.
func Classify(err error) *contracts.ErrorBody {
	if err == nil {
		return nil
	}

	var (
		rej    *membrane.Rejection
		pol    *PolicyError
		req    *RequestError
		halted *ledger.HaltedError
		integ  *ledger.IntegrityError
		canon  *canonicalize.Error
		body   *contracts.ErrorBody
	)
	switch {
	case errors.As(err, &body):
		return body
	case errors.As(err, &rej):
		details := rej.Details
		if rej.PactKind != "" {
			details = withDetail(details, "pact_error", string(rej.PactKind))
		}
		return &contracts.ErrorBody{ErrorKind: rej.Kind, Message: rej.Msg, Details: details}
	case errors.As(err, &pol):
		return &contracts.ErrorBody{ErrorKind: contracts.KindPolicyDenied, Message: pol.Reason}
	case errors.As(err, &req):
		return &contracts.ErrorBody{ErrorKind: contracts.KindInvalidRequest, Message: req.Msg}
	case errors.As(err, &halted):
		return &contracts.ErrorBody{
			ErrorKind: contracts.KindContainerHalted,
			Message:   "container is halted pending operator intervention",
			Details:   map[string]any{"container_id": halted.ContainerID.String(), "reason": halted.Reason},
		}
	case errors.As(err, &integ):
		return &contracts.ErrorBody{
			ErrorKind: integ.Kind,
			Message:   integ.Msg,
			Details:   map[string]any{"container_id": integ.ContainerID.String(), "sequence": integ.Sequence},
		}
	case errors.As(err, &canon):
		var details map[string]any
		if canon.Path != "" {
			details = map[string]any{"path": canon.Path}
		}
		return &contracts.ErrorBody{ErrorKind: canon.Kind, Message: canon.Msg, Details: details}
	case errors.Is(err, atoms.ErrHashMismatch):
		return &contracts.ErrorBody{ErrorKind: contracts.KindInvalidRequest, Message: err.Error()}
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, atoms.ErrNotFound):
		return &contracts.ErrorBody{ErrorKind: contracts.KindNotFound, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &contracts.ErrorBody{ErrorKind: contracts.KindInternal, Message: "request " + err.Error()}
	default:
		return &contracts.ErrorBody{ErrorKind: contracts.KindInternal, Message: "internal error"}
	}
}

func withDetail(m map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}
