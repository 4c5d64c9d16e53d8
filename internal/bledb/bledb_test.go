package bledb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blecentral/internal/bledb"
)

func TestNormalizeUUID(t *testing.T) {
	// GOAL: Verify UUID normalization handles case, dashes, 0x prefixes and
	// the SIG base UUID collapse

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short lowercase", "180f", "180f"},
		{"short uppercase", "180F", "180f"},
		{"0x prefix", "0x180F", "180f"},
		{"full SIG base", "0000180F-0000-1000-8000-00805F9B34FB", "180f"},
		{"full SIG base no dashes", "0000180f00001000800000805f9b34fb", "180f"},
		{"vendor 128-bit", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bledb.NormalizeUUID(tt.in))
		})
	}
}

func TestLookupService(t *testing.T) {
	// GOAL: Verify service name resolution for assigned, vendor and unknown UUIDs

	assert.Equal(t, "Battery", bledb.LookupService("180f"))
	assert.Equal(t, "Battery", bledb.LookupService("0000180F-0000-1000-8000-00805F9B34FB"), "full base UUID MUST resolve")
	assert.Equal(t, "Heart Rate", bledb.LookupService("180D"))
	assert.Equal(t, "Nordic UART Service", bledb.LookupService("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"))
	assert.Empty(t, bledb.LookupService("ffff"), "unknown UUID MUST resolve to empty")
}

func TestLookupCharacteristic(t *testing.T) {
	// GOAL: Verify characteristic name resolution

	assert.Equal(t, "Battery Level", bledb.LookupCharacteristic("2a19"))
	assert.Equal(t, "Heart Rate Measurement", bledb.LookupCharacteristic("2A37"))
	assert.Empty(t, bledb.LookupCharacteristic("ffff"), "unknown UUID MUST resolve to empty")
}
