// Package rdmaerr defines the error taxonomy shared by every layer of the
// transport. Each error returned by the library wraps exactly one of the
// sentinel kinds below so callers can branch with errors.Is.
package rdmaerr

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrConfiguration reports bad parameters caught before any hardware
	// resource is touched.
	ErrConfiguration = errors.New("configuration error")
	// ErrResourceAllocation reports a failure creating a hardware object
	// (context, PD, CQ, QP, MR) or moving a QP between states.
	ErrResourceAllocation = errors.New("resource allocation error")
	// ErrProtocolViolation reports an unexpected tag or opcode, a duplicate
	// registration or a missing peer descriptor.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrTransportFailure reports a completion with non-success status or a
	// broken out-of-band link.
	ErrTransportFailure = errors.New("transport failure")
)

// Configuration returns an error of kind ErrConfiguration.
func Configuration(format string, args ...any) error {
	return wrap(ErrConfiguration, format, args...)
}

// ResourceAllocation returns an error of kind ErrResourceAllocation.
func ResourceAllocation(format string, args ...any) error {
	return wrap(ErrResourceAllocation, format, args...)
}

// ProtocolViolation returns an error of kind ErrProtocolViolation.
func ProtocolViolation(format string, args ...any) error {
	return wrap(ErrProtocolViolation, format, args...)
}

// TransportFailure returns an error of kind ErrTransportFailure.
func TransportFailure(format string, args ...any) error {
	return wrap(ErrTransportFailure, format, args...)
}

// Kind returns the sentinel an error was built from, or nil when err does
// not belong to the taxonomy.
func Kind(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrResourceAllocation, ErrProtocolViolation, ErrTransportFailure} {
		if errors.Is(err, kind) {
			return kind
		}
	}

	return nil
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
