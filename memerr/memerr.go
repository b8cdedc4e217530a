package memerr

import (
	"errors"
	"fmt"
	"net/http"
)

/*
Kind classifies a failure so callers can tell "retry later" from
"fix your request".
*/
type Kind string

const (
	KindAuth           Kind = "auth_error"
	KindSchemaConflict Kind = "schema_conflict"
	KindNotFound       Kind = "not_found"
	KindValidation     Kind = "validation_error"
	KindUpstream       Kind = "upstream_error"
	KindRateLimited    Kind = "rate_limited"
	KindInternal       Kind = "internal"
)

var (
	// ErrAuth is returned for missing, invalid or insufficient credentials
	ErrAuth = &Error{Kind: KindAuth, Message: "unauthorized"}

	// ErrSchemaConflict is returned when a collection exists with another dimensionality
	ErrSchemaConflict = &Error{Kind: KindSchemaConflict, Message: "schema conflict"}

	// ErrNotFound is returned when a collection or record does not exist
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}

	// ErrValidation is returned for malformed requests
	ErrValidation = &Error{Kind: KindValidation, Message: "invalid request"}

	// ErrUpstream is returned when the vector store is unreachable or failing
	ErrUpstream = &Error{Kind: KindUpstream, Message: "upstream failure"}

	// ErrRateLimited is returned when a caller exceeds its request budget
	ErrRateLimited = &Error{Kind: KindRateLimited, Message: "rate limited"}
)

/*
Error is a classified failure. Two errors match under errors.Is when their
kinds are equal, so the package-level sentinels can be used for checks.
*/
type Error struct {
	Kind    Kind
	Message string
	// Unavailable marks upstream failures where the store could not be reached at all
	Unavailable bool
	// Forbidden marks auth failures of a valid credential outside its collections
	Forbidden bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it reachable through errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// Unreachable builds an upstream error for a store that could not be contacted.
func Unreachable(err error, format string, args ...any) *Error {
	e := Wrap(KindUpstream, err, format, args...)
	e.Unavailable = true
	return e
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindInternal when none is found.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a failure of this kind is transient.
func Retryable(kind Kind) bool {
	return kind == KindUpstream || kind == KindRateLimited
}

// ParseKind maps a wire kind back to a Kind; unknown strings become KindInternal.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindAuth, KindSchemaConflict, KindNotFound, KindValidation, KindUpstream, KindRateLimited:
		return k
	default:
		return KindInternal
	}
}

/*
HTTPStatus maps err to the status code the gateway answers with.
*/
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindAuth:
		if e.Forbidden {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindSchemaConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstream:
		if e.Unavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Forbidden is the auth error for a valid credential used outside its collections.
func Forbidden() *Error {
	return &Error{Kind: KindAuth, Message: "credential is not permitted for this collection", Forbidden: true}
}
