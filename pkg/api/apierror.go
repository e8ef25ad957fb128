// Package api serves the ledger over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
	"github.com/Mindburn-Labs/ubl/pkg/orchestrator"
)

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.KindRealityDrift, contracts.KindSequenceMismatch:
		return http.StatusConflict
	case contracts.KindInvalidSignature, contracts.KindPactViolation, contracts.KindUnauthorizedEvolution,
		contracts.KindPolicyDenied, contracts.KindUnknownPact, contracts.KindPactExpired,
		contracts.KindInsufficientSignatures, contracts.KindUnauthorizedSigner, contracts.KindRiskMismatch,
		contracts.KindDuplicateSigner:
		return http.StatusForbidden
	case contracts.KindInvalidVersion, contracts.KindInvalidTarget, contracts.KindPhysicsViolation:
		return http.StatusUnprocessableEntity
	case contracts.KindInvalidType, contracts.KindNonFiniteNumber, contracts.KindInvalidEncoding,
		contracts.KindCanonicalizationFailure, contracts.KindInvalidRequest:
		return http.StatusBadRequest
	case contracts.KindNotFound:
		return http.StatusNotFound
	case contracts.KindRateLimited:
		return http.StatusTooManyRequests
	case contracts.KindContainerHalted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes body with the status its kind maps to.
func WriteError(w http.ResponseWriter, r *http.Request, body *contracts.ErrorBody) {
	status := StatusFor(body.ErrorKind)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"request_id", w.Header().Get(RequestIDHeader),
			"error_kind", string(body.ErrorKind),
			"message", body.Message,
		)
	}
	writeJSON(w, status, body)
}

// WriteErr classifies err and writes it. Internal errors are logged, never echoed.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	body := orchestrator.Classify(err)
	if body.ErrorKind == contracts.KindInternal {
		slog.ErrorContext(r.Context(), "internal server error",
			"path", r.URL.Path,
			"request_id", w.Header().Get(RequestIDHeader),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, &contracts.ErrorBody{
			ErrorKind: contracts.KindInternal,
			Message:   "an unexpected error occurred",
		})
		return
	}
	WriteError(w, r, body)
}

// WriteBadRequest writes an InvalidRequest error.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, format string, args ...any) {
	WriteError(w, r, &contracts.ErrorBody{ErrorKind: contracts.KindInvalidRequest, Message: fmt.Sprintf(format, args...)})
}

// WriteNotFound writes a NotFound error.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, &contracts.ErrorBody{ErrorKind: contracts.KindNotFound, Message: detail})
}

// WriteTooManyRequests writes a RateLimited error with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, &contracts.ErrorBody{
		ErrorKind: contracts.KindRateLimited,
		Message:   "rate limit exceeded, retry after the specified interval",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
