package patronpay

import "errors"

var (
	// ErrSignatureInvalid is returned when a webhook signature does not verify
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrInvalidPayload is returned when a verified webhook body cannot be decoded
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrDuplicateEvent is returned when an event id was already applied
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidStateTransition is returned when an action is not allowed from the current status
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrProcessorUnavailable is returned for transient processor failures (timeouts, 5xx, open circuit)
	ErrProcessorUnavailable = errors.New("payment processor unavailable")

	// ErrProcessorRejected is returned when the processor refuses a request (4xx)
	ErrProcessorRejected = errors.New("payment processor rejected request")

	// ErrConfiguration is returned when creator configuration cannot serve the request
	ErrConfiguration = errors.New("configuration error")

	// ErrReconciliationMismatch is returned when local and processor state disagree after a sync
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrPaymentSetup is returned when a payment cannot be initiated with the given input
	ErrPaymentSetup = errors.New("payment setup error")

	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the actor may not perform the action
	ErrForbidden = errors.New("forbidden")

	// ErrValidation is returned for malformed input
	ErrValidation = errors.New("validation failed")

	// ErrTierHasActiveSubscriptions is returned when deleting a tier that still has subscribers
	ErrTierHasActiveSubscriptions = errors.New("tier has active subscriptions")

	// ErrStorageUnavailable is returned when storage is not configured
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ErrorCode is the stable, user-facing category of an error.
type ErrorCode string

const (
	CodeOK                         ErrorCode = "ok"
	CodeSignatureInvalid           ErrorCode = "signature_invalid"
	CodeInvalidPayload             ErrorCode = "invalid_payload"
	CodeDuplicateEvent             ErrorCode = "duplicate_event"
	CodeInvalidStateTransition     ErrorCode = "invalid_state_transition"
	CodeProcessorUnavailable       ErrorCode = "processor_unavailable"
	CodeProcessorRejected          ErrorCode = "processor_rejected"
	CodeConfigurationError         ErrorCode = "configuration_error"
	CodeReconciliationMismatch     ErrorCode = "reconciliation_mismatch"
	CodePaymentSetup               ErrorCode = "payment_setup_error"
	CodeNotFound                   ErrorCode = "not_found"
	CodeForbidden                  ErrorCode = "forbidden"
	CodeValidation                 ErrorCode = "validation_failed"
	CodeTierHasActiveSubscriptions ErrorCode = "tier_has_active_subscriptions"
	CodeInternal                   ErrorCode = "internal_error"
)

var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrSignatureInvalid, CodeSignatureInvalid},
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrDuplicateEvent, CodeDuplicateEvent},
	{ErrInvalidStateTransition, CodeInvalidStateTransition},
	{ErrProcessorUnavailable, CodeProcessorUnavailable},
	{ErrProcessorRejected, CodeProcessorRejected},
	{ErrConfiguration, CodeConfigurationError},
	{ErrReconciliationMismatch, CodeReconciliationMismatch},
	{ErrPaymentSetup, CodePaymentSetup},
	{ErrNotFound, CodeNotFound},
	{ErrForbidden, CodeForbidden},
	{ErrValidation, CodeValidation},
	{ErrTierHasActiveSubscriptions, CodeTierHasActiveSubscriptions},
}

var userMessages = map[ErrorCode]string{
	CodeOK:                         "",
	CodeSignatureInvalid:           "The request could not be verified.",
	CodeInvalidPayload:             "The request could not be read.",
	CodeDuplicateEvent:             "This update was already applied.",
	CodeInvalidStateTransition:     "This action is not available right now.",
	CodeProcessorUnavailable:       "Payments are temporarily unavailable. Please try again.",
	CodeProcessorRejected:          "The payment provider declined this request.",
	CodeConfigurationError:         "This creator has not configured pricing for this request.",
	CodeReconciliationMismatch:     "Billing records need review by support.",
	CodePaymentSetup:               "The payment could not be set up.",
	CodeNotFound:                   "Not found.",
	CodeForbidden:                  "You are not allowed to do that.",
	CodeValidation:                 "Some fields are invalid.",
	CodeTierHasActiveSubscriptions: "Cancel the active subscriptions of this tier before deleting it.",
	CodeInternal:                   "Something went wrong. Please try again.",
}

// CodeOf maps an error onto the error taxonomy.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}

// UserMessage returns the user-safe message for a code. Server detail never leaks through it.
func UserMessage(code ErrorCode) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return userMessages[CodeInternal]
}

// IsRetryable reports whether the caller (or the processor redelivering a webhook)
// may retry the failed operation.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeProcessorUnavailable, CodeInternal:
		return true
	default:
		return false
	}
}
