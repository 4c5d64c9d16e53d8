package central

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies local precondition failures.
type FailureKind string

const (
	NotConnected      FailureKind = "not_connected"
	AlreadyConnected  FailureKind = "already_connected"
	ConnectionPending FailureKind = "connecting"
	PoweredOff        FailureKind = "powered_off"
	Closed            FailureKind = "closed"
)

// StateError represents a local precondition failure: an operation was
// attempted while the manager or peripheral was in the wrong state. These
// are synchronous and immediate, never delivered on an event stream.
type StateError struct {
	Kind FailureKind
	Msg  string
}

// Error implements the error interface
func (e *StateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare StateError values by Kind
func (e *StateError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StateError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for precondition failures
var (
	ErrNotConnected     = &StateError{Kind: NotConnected}
	ErrAlreadyConnected = &StateError{Kind: AlreadyConnected}
	ErrConnecting       = &StateError{Kind: ConnectionPending}
	ErrPoweredOff       = &StateError{Kind: PoweredOff}
	ErrClosed           = &StateError{Kind: Closed}
)

// Operation errors
var (
	ErrNoServicesFound     = errors.New("no services found")
	ErrScanTimeout         = errors.New("scan timeout")
	ErrConnectionTimeout   = errors.New("connection timeout")
	ErrUnsupported         = errors.New("unsupported")
	ErrRestoreFailed       = errors.New("state restoration failed")
	ErrDiscoveryInProgress = errors.New("discovery already in progress")
)

// NotFoundError is returned when a discovered GATT resource is looked up
// by UUID and does not exist on the peripheral's profile.
type NotFoundError struct {
	Resource string   // "service" or "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// NormalizeError maps known platform error strings to structured StateError
// types. It ensures consistent handling even if the underlying library changes
// messages slightly. Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrPoweredOff, err)
	case containsIgnoreCase(msg, "central manager has invalid state"):
		return fmt.Errorf("%w: %v", ErrPoweredOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsFailureKind reports whether err is a StateError with the given kind
func IsFailureKind(err error, kind FailureKind) bool {
	var serr *StateError
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}
