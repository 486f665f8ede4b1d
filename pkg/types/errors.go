package types

import (
	"errors"
	"fmt"
)

var (
	// store errors
	ErrCASMismatch = errors.New("store: version mismatch")
	ErrNotFound    = errors.New("store: not found")
	ErrNotLeader   = errors.New("store: not the leader")
)

// closed set of failure kinds surfaced by the core
type Kind uint8

const (
	KindInternal Kind = iota
	KindOwnerLocked
	KindNoLockProvider
	KindBadRequest
	KindRangeNotSatisfiable
	KindUnsupportedMediaType
	KindMethodNotSupported
	KindInvalidSyncToken
	KindPreconditionFailed
	KindNotFound
	KindLimitExceeded
	KindRequestTooLarge
)

var kindNames = [...]string{
	KindInternal:             "internal",
	KindOwnerLocked:          "owner locked",
	KindNoLockProvider:       "no lock provider",
	KindBadRequest:           "bad request",
	KindRangeNotSatisfiable:  "range not satisfiable",
	KindUnsupportedMediaType: "unsupported media type",
	KindMethodNotSupported:   "method not supported",
	KindInvalidSyncToken:     "invalid sync token",
	KindPreconditionFailed:   "precondition failed",
	KindNotFound:             "not found",
	KindLimitExceeded:        "limit exceeded",
	KindRequestTooLarge:      "request too large",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Error is the single error type of the core
// Lock is set for KindOwnerLocked, Declared/Computed for KindRangeNotSatisfiable
type Error struct {
	Kind Kind
	Msg  string

	Lock     *Lock
	Declared int64
	Computed int64

	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// errors.Is(err, &Error{Kind: k}) matches on kind alone
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func OwnerLocked(existing Lock) *Error {
	return &Error{
		Kind: KindOwnerLocked,
		Msg:  fmt.Sprintf("resource %s is locked by %s %s", existing.ResourceID, existing.Type, existing.Owner),
		Lock: &existing,
	}
}

func RangeNotSatisfiable(declared, computed int64) *Error {
	return &Error{
		Kind:     KindRangeNotSatisfiable,
		Msg:      fmt.Sprintf("range length %d does not match payload length %d", declared, computed),
		Declared: declared,
		Computed: computed,
	}
}

// returns the kind of err, KindInternal for anything that is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
