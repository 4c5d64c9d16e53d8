package central

import "strings"

// AdapterState mirrors the platform's central manager power state.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered_off"
	case StatePoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Advertisement is the platform-reported advertisement payload for a
// discovered peripheral.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() map[string][]byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string
}

// ServiceInfo describes a service as reported by the platform during
// discovery, before it is indexed into a Profile.
type ServiceInfo struct {
	UUID string
}

// CharacteristicInfo describes a characteristic as reported by the platform.
type CharacteristicInfo struct {
	UUID       string
	Properties string // comma-separated, e.g. "read,notify"
}

// Adapter is the vendor BLE platform consumed by the Manager. All methods
// submit a request and return a submission error synchronously; results are
// delivered asynchronously through the EventSink passed to Start.
//
// The radio stack, GATT protocol and link-layer mechanics all live behind
// this interface.
type Adapter interface {
	// Start begins delivering platform events to sink. The adapter must
	// report its initial power state via sink.AdapterStateChanged.
	Start(sink EventSink) error
	Stop() error

	StartScan(serviceUUIDs []string, allowDuplicates bool) error
	StopScan() error

	Connect(id string) error
	CancelConnection(id string) error

	DiscoverServices(id string, serviceUUIDs []string) error
	DiscoverCharacteristics(id string, serviceUUID string) error

	ReadRSSI(id string) error
}

// EventSink receives platform callbacks. The Manager implements it and
// routes each callback to the owning peripheral record by identifier;
// there is no shared delegate fan-out.
//
// Implementations must tolerate callbacks for unknown identifiers.
type EventSink interface {
	AdapterStateChanged(state AdapterState)
	PeripheralDiscovered(adv Advertisement)
	PeripheralConnected(id string)
	PeripheralDisconnected(id string, err error)
	ServicesDiscovered(id string, services []ServiceInfo, err error)
	CharacteristicsDiscovered(id string, serviceUUID string, chars []CharacteristicInfo, err error)
	RSSIRead(id string, rssi int, err error)
	// StateRestored reports peripherals the platform carried over from a
	// previous process instance.
	StateRestored(ids []string, err error)
}

// NormalizeUUID converts a UUID string to the internal lookup format
// (lowercase, no dashes). Handles both the standard dashed format and
// already-normalized input.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}
