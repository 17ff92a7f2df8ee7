// Package errs defines the closed error taxonomy used by every public
// operation in boa. Each failure is classified as exactly one Kind;
// callers branch on KindOf rather than on message text.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	Validation
	SpecLoad
	SpecValidation
	InvalidStateTransition
	CampaignLocked
	DecisionAlreadyExists
	PluginNotFound
	Execution
	JobNotFound
	JobAlreadyRunning
	Repository
)

// String returns the stable name of the kind.
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Validation:
		return "ValidationError"
	case SpecLoad:
		return "SpecLoadError"
	case SpecValidation:
		return "SpecValidationError"
	case InvalidStateTransition:
		return "InvalidStateTransition"
	case CampaignLocked:
		return "CampaignLocked"
	case DecisionAlreadyExists:
		return "DecisionAlreadyExists"
	case PluginNotFound:
		return "PluginNotFound"
	case Execution:
		return "ExecutionError"
	case JobNotFound:
		return "JobNotFound"
	case JobAlreadyRunning:
		return "JobAlreadyRunning"
	case Repository:
		return "RepositoryError"
	default:
		return "Unknown"
	}
}

// Error is the single error type carried across package boundaries.
// Context fields are populated where the taxonomy requires them: a locked
// campaign carries the holder and expiry, a plugin failure carries the
// plugin name, a validation failure carries the offending field.
type Error struct {
	Kind Kind
	Msg  string

	// Optional context.
	Field     string
	Plugin    string
	Holder    string
	ExpiresAt time.Time
	Messages  []string // SpecValidation: the full list of findings

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on kind sentinels created by New with an empty
// message, and on identical *Error values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error. A nil cause
// yields nil so call sites can wrap unconditionally.
func Wrap(cause error, kind Kind, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// Locked builds the CampaignLocked error with its required context.
func Locked(campaignID, holder string, expiresAt time.Time) *Error {
	return &Error{
		Kind:      CampaignLocked,
		Msg:       fmt.Sprintf("campaign %s is locked by %s until %s", campaignID, holder, expiresAt.UTC().Format(time.RFC3339)),
		Holder:    holder,
		ExpiresAt: expiresAt,
	}
}

// SpecInvalid builds a SpecValidation error from the collected findings.
func SpecInvalid(messages []string) *Error {
	return &Error{
		Kind:     SpecValidation,
		Msg:      fmt.Sprintf("specification failed validation with %d finding(s)", len(messages)),
		Messages: messages,
	}
}

// KindOf extracts the Kind from any error in the chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
