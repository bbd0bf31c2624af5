package core

import (
	"errors"
	"fmt"
)

// Kind classifies failures so transports can pick a response without
// inspecting messages.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindSignature     Kind = "signature"
	KindStateConflict Kind = "state_conflict"
	KindGateway       Kind = "gateway"
	KindInternal      Kind = "internal"
)

// Error is the engine-level error carrying a Kind
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind sentinels, e.g. errors.Is(err, core.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Kind == e.Kind
}

// Kind sentinels for errors.Is
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrSignature     = &Error{Kind: KindSignature}
	ErrStateConflict = &Error{Kind: KindStateConflict}
	ErrGateway       = &Error{Kind: KindGateway}
)

func Validation(op, msg string) error { return &Error{Kind: KindValidation, Op: op, Message: msg} }

func NotFound(op, msg string) error { return &Error{Kind: KindNotFound, Op: op, Message: msg} }

func Signature(op string, err error) error {
	return &Error{Kind: KindSignature, Op: op, Message: "signature verification failed", Err: err}
}

func StateConflict(op, msg string) error {
	return &Error{Kind: KindStateConflict, Op: op, Message: msg}
}

func Gateway(op string, err error) error {
	return &Error{Kind: KindGateway, Op: op, Message: "provider call failed", Err: err}
}

func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// KindOf returns the Kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
