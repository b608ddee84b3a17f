// Package apperr defines the typed errors returned by the engine services.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation              Kind = "validation"
	KindSlotUnavailable         Kind = "slot_unavailable"
	KindPolicyViolation         Kind = "policy_violation"
	KindInvalidVerificationCode Kind = "invalid_verification_code"
	KindVerificationRequired    Kind = "verification_required"
	KindNotFound                Kind = "not_found"
	KindDuplicateTicket         Kind = "duplicate_ticket"
	KindDownstreamUnavailable   Kind = "downstream_unavailable"
	KindFeatureDisabled         Kind = "feature_disabled"
	KindConflict                Kind = "conflict"
)

// Sentinels for errors.Is.
var (
	ErrValidation              = &Error{Kind: KindValidation}
	ErrSlotUnavailable         = &Error{Kind: KindSlotUnavailable}
	ErrPolicyViolation         = &Error{Kind: KindPolicyViolation}
	ErrInvalidVerificationCode = &Error{Kind: KindInvalidVerificationCode}
	ErrVerificationRequired    = &Error{Kind: KindVerificationRequired}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrDuplicateTicket         = &Error{Kind: KindDuplicateTicket}
	ErrDownstreamUnavailable   = &Error{Kind: KindDownstreamUnavailable}
	ErrFeatureDisabled         = &Error{Kind: KindFeatureDisabled}
	ErrConflict                = &Error{Kind: KindConflict}
)

type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
	// Existing carries the conflicting record for KindDuplicateTicket.
	Existing any
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so that sentinels compare equal to any error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func Validation(field, msg string) error {
	return &Error{Kind: KindValidation, Field: field, Message: msg}
}

func SlotUnavailable(msg string) error {
	if msg == "" {
		msg = "Selected slot is no longer available."
	}
	return &Error{Kind: KindSlotUnavailable, Field: "starts_at", Message: msg}
}

func PolicyViolation(field, msg string) error {
	return &Error{Kind: KindPolicyViolation, Field: field, Message: msg}
}

func InvalidVerificationCode() error {
	return &Error{Kind: KindInvalidVerificationCode, Field: "verification_code", Message: "Invalid or expired verification code."}
}

func VerificationRequired() error {
	return &Error{Kind: KindVerificationRequired, Field: "verification_code", Message: "Phone verification is required."}
}

func NotFound(what string) error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func DuplicateTicket(msg string, existing any) error {
	return &Error{Kind: KindDuplicateTicket, Field: "queue", Message: msg, Existing: existing}
}

func DownstreamUnavailable(msg string, err error) error {
	return &Error{Kind: KindDownstreamUnavailable, Message: msg, Err: err}
}

func FeatureDisabled(msg string) error {
	return &Error{Kind: KindFeatureDisabled, Field: "queue", Message: msg}
}

func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Message: msg}
}

// KindOf returns the kind of err, or the empty kind for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As extracts the typed error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
