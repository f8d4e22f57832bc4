// Package gadgeterr holds the error-kind taxonomy shared by the stream
// parser, block-params decoder, gadget executor, and agent loop (§7).
// It follows the same Code+wrapped-cause shape as pkg/errors.AppError,
// specialized to the kinds the core components actually raise.
package gadgeterr

import (
	"errors"
	"fmt"
)

// Kind names one of the taxonomy's error categories (§7). These are
// categories, not Go type names — every Error carries one via Kind().
type Kind string

const (
	KindParse              Kind = "parse_error"
	KindValidation         Kind = "validation_error"
	KindTimeout            Kind = "timeout_error"
	KindAbort              Kind = "abort_error"
	KindHumanInputRequired Kind = "human_input_required"
	KindTaskCompletion     Kind = "task_completion_signal"
	KindProvider           Kind = "provider_error"
	KindHookValidation     Kind = "hook_validation_error"
	KindUnknownGadget      Kind = "unknown_gadget"
)

// Error is the common shape for every taxonomy member.
type Error struct {
	ErrKind Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.ErrKind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.ErrKind, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind returns the error's taxonomy category.
func (e *Error) Kind() Kind {
	return e.ErrKind
}

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{ErrKind: kind, Message: message, Cause: cause}
}

// Parse builds a ParseError: a malformed StreamParser/BlockParams body.
// Never fatal — surfaced on the call as parse_error.
func Parse(message string, cause error) *Error {
	return newErr(KindParse, message, cause)
}

// Validation builds a ValidationError: parsed params failed schema validation.
func Validation(message string, cause error) *Error {
	return newErr(KindValidation, message, cause)
}

// Timeout builds a TimeoutError: gadget execution exceeded its deadline.
func Timeout(message string) *Error {
	return newErr(KindTimeout, message, nil)
}

// Abort builds an AbortError: cooperative cancellation ended the loop.
func Abort(reason string) *Error {
	return newErr(KindAbort, reason, nil)
}

// HumanInputRequired builds the signalling exception a gadget raises to
// request user input; callers catch this and resume via the input handler.
func HumanInputRequired(question string) *Error {
	return newErr(KindHumanInputRequired, question, nil)
}

// TaskCompletion builds the sentinel a gadget raises to terminate the loop
// with a final message.
func TaskCompletion(message string) *Error {
	return newErr(KindTaskCompletion, message, nil)
}

// Provider builds a ProviderError: an LLM transport/provider failure.
func Provider(message string, cause error) *Error {
	return newErr(KindProvider, message, cause)
}

// HookValidation builds a HookValidationError: a hook returned a malformed
// action. Treated as a programming error — callers should not try to recover.
func HookValidation(message string) *Error {
	return newErr(KindHookValidation, message, nil)
}

// UnknownGadget builds the error GadgetExecutor raises when an invocation
// names a gadget the registry does not know.
func UnknownGadget(name string) *Error {
	return newErr(KindUnknownGadget, fmt.Sprintf("unknown gadget: %s", name), nil)
}

// Is reports whether the first *Error in err's chain has the given Kind.
// An *Error wrapped inside another *Error is not inspected.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrKind == kind
	}
	return false
}
