package main

import (
	"errors"

	"github.com/srg/blecentral/internal/central"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the connection dropped and the retry budget
	// was exhausted. This is distinct from central.ErrNotConnected, which
	// indicates an attempt to use a peripheral that was never connected.
	ErrConnectionLost = errors.New("connection lost")

	// ErrPeripheralNotFound indicates the scan ended without seeing the
	// requested peripheral.
	ErrPeripheralNotFound = errors.New("peripheral not found")
)

// FormatUserError rewrites internal errors into messages suitable for the
// terminal. Errors without a friendlier form pass through unchanged.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, central.ErrPoweredOff):
		return "bluetooth is turned off - enable it and try again"
	case errors.Is(err, central.ErrUnsupported):
		return "bluetooth is unavailable on this machine"
	case errors.Is(err, central.ErrScanTimeout):
		return "scan timed out without finding any peripherals"
	case errors.Is(err, central.ErrConnectionTimeout):
		return "connection attempt timed out"
	case errors.Is(err, ErrPeripheralNotFound):
		return "peripheral not found - check the address and make sure it is advertising"
	case errors.Is(err, ErrConnectionLost):
		return "connection lost and retries exhausted"
	default:
		return err.Error()
	}
}
