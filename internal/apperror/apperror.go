// Package apperror defines the tagged error type shared by the token store,
// the dataset state machine, the notification ledger and the transfer
// orchestrator. Callers match on Kind (errors.Is against the sentinels or a
// switch over KindOf) instead of on concrete messages.
package apperror

import (
	"errors"
	"fmt"
)

// Kind tags an Error with its category.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindInvalidToken: expired, exhausted, revoked or unknown token. Recoverable by re-issuing.
	KindInvalidToken
	// KindInvalidTransition: the requested state change is not an edge of the dataset graph.
	KindInvalidTransition
	// KindTransferInProgress: a non-terminal transfer job already exists for the dataset.
	KindTransferInProgress
	// KindTransferFailure: the transfer network exhausted its retries.
	KindTransferFailure
	// KindNotFound: the referenced entity does not exist.
	KindNotFound
	// KindInvalidArgument: the caller supplied an out-of-range or malformed value.
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindInvalidToken:
		return "invalid_token"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindTransferInProgress:
		return "transfer_in_progress"
	case KindTransferFailure:
		return "transfer_failure"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by the core packages.
type Error struct {
	Kind Kind
	// Reason is a short machine-readable detail (token invalidity reason, offending state, ...).
	Reason string
	// Entity and ID identify what the error is about, e.g. "dataset" / "d-1".
	Entity string
	ID     string
	// Err is an optional underlying cause.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Entity != "" {
		msg = fmt.Sprintf("%s: %s %s", msg, e.Entity, e.ID)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same Kind. A target that
// also carries a Reason must match it too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrInvalidToken       = &Error{Kind: KindInvalidToken}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrTransferInProgress = &Error{Kind: KindTransferInProgress}
	ErrTransferFailure    = &Error{Kind: KindTransferFailure}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
)

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the Reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

func InvalidToken(id, reason string) *Error {
	return &Error{Kind: KindInvalidToken, Entity: "token", ID: id, Reason: reason}
}

func InvalidTransition(datasetID, from, to string) *Error {
	return &Error{Kind: KindInvalidTransition, Entity: "dataset", ID: datasetID, Reason: from + "->" + to}
}

func TransferInProgress(datasetID, jobID string) *Error {
	return &Error{Kind: KindTransferInProgress, Entity: "dataset", ID: datasetID, Reason: "job " + jobID}
}

func TransferFailure(datasetID string, cause error) *Error {
	return &Error{Kind: KindTransferFailure, Entity: "dataset", ID: datasetID, Err: cause}
}

func InvalidArgument(reason string) *Error {
	return &Error{Kind: KindInvalidArgument, Reason: reason}
}
