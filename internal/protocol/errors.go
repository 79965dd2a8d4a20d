package protocol

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the device and the gateway.
var (
	// ErrUnauthorized means the credential is missing, unknown or revoked.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the device is decommissioned. It is terminal for the device.
	ErrForbidden = errors.New("forbidden")
	// ErrBadPayload means the payload violates the wire contract. Resending it will not help.
	ErrBadPayload = errors.New("bad payload")
	// ErrTransientDelivery covers network errors, timeouts and 5xx responses seen by the device.
	ErrTransientDelivery = errors.New("transient delivery failure")
	// ErrStorage is a backend persistence failure. The sender may retry the same payload.
	ErrStorage = errors.New("storage failure")
)

// Reasons carried by credential rejections. A revoked credential may be replaced
// through the registration poll; a decommissioned device never transmits again.
const (
	ReasonRevoked        = "revoked"
	ReasonDecommissioned = "decommissioned"
)

// RejectError is a classified rejection with the reason sent back on the wire.
type RejectError struct {
	Kind   error
	Reason string
}

// Reject builds a RejectError of the given kind.
func Reject(kind error, format string, args ...any) *RejectError {
	return &RejectError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func (e *RejectError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Reason
}

func (e *RejectError) Unwrap() error {
	return e.Kind
}

// ErrorResponse is the JSON body of every non-2xx gateway response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// KindName returns the wire name of an error's taxonomy class.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBadPayload):
		return "bad_payload"
	case errors.Is(err, ErrStorage):
		return "storage_failure"
	case errors.Is(err, ErrTransientDelivery):
		return "transient_delivery_failure"
	default:
		return "internal_error"
	}
}

// ReasonOf extracts the rejection reason, if any.
func ReasonOf(err error) string {
	var rejectErr *RejectError
	if errors.As(err, &rejectErr) {
		return rejectErr.Reason
	}
	return ""
}
