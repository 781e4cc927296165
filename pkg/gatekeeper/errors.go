package gatekeeper

import "errors"

// Stable error codes carried on failed outcomes. Callers decide retry
// policy from these; the gateway never retries on its own.
const (
	CodeApprovalDenied         = "ApprovalDenied"
	CodeApprovalExpired        = "ApprovalExpired"
	CodeStaleAuthorization     = "StaleAuthorization"
	CodeCancelledBySession     = "CancelledBySession"
	CodeActionFailed           = "ActionFailed"
	CodeActionTimeout          = "ActionTimeout"
	CodeConcurrentFactConflict = "ConcurrentFactConflict"
	CodeIntegrityHalt          = "IntegrityHalt"
)

var (
	// ErrNoImplementation means the dispatcher has no handler registered
	// for a declared action.
	ErrNoImplementation = errors.New("no implementation registered for action")
	// ErrUnknownCall reports a call id the gatekeeper does not track.
	ErrUnknownCall = errors.New("unknown call")
	// ErrActionHalted rejects dispatch for an action whose class was
	// halted after an integrity violation.
	ErrActionHalted = errors.New("action class halted after integrity violation")
)
