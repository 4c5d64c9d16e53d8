package central_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blecentral/internal/central"
)

func TestStateErrorMatching(t *testing.T) {
	// GOAL: Verify StateError sentinels match by kind through wrapping

	wrapped := fmt.Errorf("connect: %w", central.ErrNotConnected)

	assert.ErrorIs(t, wrapped, central.ErrNotConnected, "wrapped sentinel MUST match with errors.Is")
	assert.NotErrorIs(t, wrapped, central.ErrPoweredOff, "different kinds MUST NOT match")
	assert.True(t, central.IsFailureKind(wrapped, central.NotConnected), "IsFailureKind MUST see through wrapping")
	assert.False(t, central.IsFailureKind(errors.New("plain"), central.NotConnected), "plain errors MUST NOT match any kind")
}

func TestStateErrorMessage(t *testing.T) {
	// GOAL: Verify the error message format with and without detail

	bare := &central.StateError{Kind: central.PoweredOff}
	assert.Equal(t, "powered_off", bare.Error())

	detailed := &central.StateError{Kind: central.PoweredOff, Msg: "enable bluetooth"}
	assert.Equal(t, "powered_off: enable bluetooth", detailed.Error())
}

func TestNormalizeError(t *testing.T) {
	// GOAL: Verify known platform error strings map to structured kinds and
	// unknown errors pass through untouched

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"powered off", errors.New("Bluetooth is turned OFF"), central.ErrPoweredOff},
		{"invalid manager state", errors.New("central manager has invalid state"), central.ErrPoweredOff},
		{"not connected", errors.New("device not connected: AA:BB"), central.ErrNotConnected},
		{"already connected", errors.New("device already connected"), central.ErrAlreadyConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := central.NormalizeError(tt.in)
			assert.ErrorIs(t, got, tt.want, "MUST map to the structured kind")
			assert.ErrorContains(t, got, tt.in.Error(), "MUST preserve the original message")
		})
	}

	passthrough := errors.New("att handle invalid")
	assert.Same(t, passthrough, central.NormalizeError(passthrough), "unknown errors MUST pass through unchanged")
	assert.NoError(t, central.NormalizeError(nil), "nil MUST stay nil")
}

func TestNotFoundErrorMessages(t *testing.T) {
	// GOAL: Verify NotFoundError formats service and characteristic lookups

	svc := &central.NotFoundError{Resource: "service", UUIDs: []string{"180f"}}
	assert.Equal(t, `service "180f" not found`, svc.Error())

	char := &central.NotFoundError{Resource: "characteristic", UUIDs: []string{"180f", "2a19"}}
	assert.Equal(t, `characteristic "2a19" not found in service "180f"`, char.Error())
}
