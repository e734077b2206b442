// Package fault classifies domain errors so that every layer can react to
// the kind of failure without knowing which package produced it.
//
// Packages declare their sentinel errors with New and wrap them with
// fmt.Errorf("...: %w", err); callers use errors.Is for a specific sentinel
// or KindOf for the category.
package fault

import (
	"errors"
	"net/http"
)

// Kind is the category of a domain error.
type Kind int

const (
	Internal Kind = iota
	Invalid
	Unauthenticated
	Forbidden
	NotFound
	Conflict
	Contention
	InvalidState
	InsufficientFunds
	ReferenceMismatch
	WalletInactive
)

var kindCodes = map[Kind]string{
	Internal:          "internal_error",
	Invalid:           "invalid_request",
	Unauthenticated:   "unauthorized",
	Forbidden:         "forbidden",
	NotFound:          "not_found",
	Conflict:          "conflict",
	Contention:        "concurrent_update",
	InvalidState:      "invalid_state",
	InsufficientFunds: "insufficient_funds",
	ReferenceMismatch: "reference_mismatch",
	WalletInactive:    "wallet_inactive",
}

// Code returns the stable machine-readable code used in API responses.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[Internal]
}

// HTTPStatus maps a kind to the status code returned at the API boundary.
func (k Kind) HTTPStatus() int {
	switch k {
	case Invalid:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict, Contention, InvalidState, ReferenceMismatch:
		return http.StatusConflict
	case InsufficientFunds, WalletInactive:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Values are compared by identity, so a
// package-level sentinel works with errors.Is.
type Error struct {
	kind Kind
	msg  string
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the kind of the first classified error in err's chain,
// or Internal when there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
