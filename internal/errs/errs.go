// Package errs defines the caller-visible error taxonomy shared by the match
// runtime. Transient dependency failures never surface through these kinds;
// they are absorbed by circuit breakers and degraded operation.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide how to render or retry it.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindTransient
	KindOwnership
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindOwnership:
		return "ownership"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code so wrapped sentinels compare equal to fresh instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Kind == e.Kind
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the code of the first classified error in the chain, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

var (
	ErrSystemPaused    = New(KindConflict, "system_paused", "system paused")
	ErrNotParticipant  = New(KindConflict, "not_participant", "player is not a participant of this match")
	ErrMatchNotActive  = New(KindConflict, "match_not_active", "match is not active")
	ErrMatchNotOpen    = New(KindConflict, "match_not_open", "match is no longer open")
	ErrInvalidQuantity = New(KindValidation, "invalid_quantity", "quantity must be positive")
	ErrInvalidSide     = New(KindValidation, "invalid_trade_type", "trade type must be BUY, SELL, SHORT or COVER")
	ErrUnknownSymbol   = New(KindValidation, "unknown_symbol", "unknown symbol")
)
