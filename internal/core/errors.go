package core

import (
	"errors"
	"fmt"
)

// Error kind codes. These are stable and machine-readable; transports map
// them to protocol-level status codes.
const (
	KindNotFound          = "NOT_FOUND"
	KindDuplicate         = "DUPLICATE"
	KindInvalidTransition = "INVALID_TRANSITION"
	KindInvalidArgument   = "INVALID_ARGUMENT"
	KindUnknownDevice     = "UNKNOWN_DEVICE"
	KindUnknownVersion    = "UNKNOWN_VERSION"
	KindInsufficientData  = "INSUFFICIENT_DATA"
	KindConflict          = "CONFLICT"
	KindInternal          = "INTERNAL"
)

// Error is a business error with a stable kind code.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(kind, format string, args ...interface{}) Error {
	return Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind code from an error chain, or KindInternal.
func KindOf(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Business errors.
var (
	// Device errors.
	ErrDeviceNotFound  = Error{KindUnknownDevice, "device not found"}
	ErrDuplicateDevice = Error{KindDuplicate, "device already registered"}

	// Firmware errors.
	ErrVersionNotFound  = Error{KindUnknownVersion, "firmware version not found"}
	ErrDuplicateVersion = Error{KindDuplicate, "firmware version already published"}

	// Policy errors.
	ErrPolicyNotFound = Error{KindNotFound, "rollout policy not found"}
	ErrInvalidPercent = Error{KindInvalidArgument, "target percent must be between 0 and 100"}
	ErrPolicyConflict = Error{KindConflict, "concurrent policy modification detected"}

	// Alert errors.
	ErrAlertNotFound    = Error{KindNotFound, "alert not found"}
	ErrInsufficientData = Error{KindInsufficientData, "not enough samples to judge"}
)

// InvalidTransition builds the error for an illegal lifecycle or phase move.
func InvalidTransition(from, to string) Error {
	return Errorf(KindInvalidTransition, "invalid transition from %s to %s", from, to)
}
