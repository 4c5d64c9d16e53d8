package testutils

import (
	"fmt"
	"sync"

	"github.com/srg/blecentral/internal/central"
)

// MockAdapter is an in-memory central.Adapter. Tests configure peripherals
// through the fluent builder methods and either let the mock answer
// requests automatically or drive the sink by hand for fine-grained
// control over callback ordering.
//
//	adapter := testutils.NewMockAdapter().
//	    WithPeripheral("AA:BB:CC:DD:EE:FF", "HeartRate", -40).
//	    WithService("180D").
//	    WithCharacteristic("2A37", "notify").
//	    WithService("180F").
//	    WithCharacteristic("2A19", "read")
//
// By default Connect succeeds immediately and CancelConnection produces a
// clean disconnect callback, mirroring a well-behaved platform. HoldConnects
// suppresses the automatic connect reply so timeout paths can be exercised.
type MockAdapter struct {
	mu sync.Mutex

	sink         central.EventSink
	initialState central.AdapterState

	peripherals map[string]*MockPeripheral
	current     *MockPeripheral // builder cursor
	currentSvc  *mockService

	holdConnects  bool
	holdDiscovery bool
	connectErr    error
	cancelErr     error

	scanning      bool
	scanStarts    int
	scanStops     int
	connects      []string
	cancellations []string
	discoveries   []string
}

// MockPeripheral is the mock-side record of one configured peripheral.
type MockPeripheral struct {
	ID       string
	Name     string
	RSSI     int
	services []*mockService
}

type mockService struct {
	uuid  string
	chars []central.CharacteristicInfo
	// charErr fails this service's characteristic discovery.
	charErr error
}

// NewMockAdapter creates a mock that reports powered-on at Start.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		initialState: central.StatePoweredOn,
		peripherals:  make(map[string]*MockPeripheral),
	}
}

// ----------------------------
// Builder API
// ----------------------------

// WithInitialState overrides the power state reported at Start.
func (m *MockAdapter) WithInitialState(s central.AdapterState) *MockAdapter {
	m.initialState = s
	return m
}

// WithPeripheral adds a peripheral and makes it the builder cursor.
func (m *MockAdapter) WithPeripheral(id, name string, rssi int) *MockAdapter {
	p := &MockPeripheral{ID: id, Name: name, RSSI: rssi}
	m.peripherals[id] = p
	m.current = p
	m.currentSvc = nil
	return m
}

// WithService adds a service to the current peripheral.
func (m *MockAdapter) WithService(uuid string) *MockAdapter {
	svc := &mockService{uuid: uuid}
	m.current.services = append(m.current.services, svc)
	m.currentSvc = svc
	return m
}

// WithCharacteristic adds a characteristic to the current service.
func (m *MockAdapter) WithCharacteristic(uuid, properties string) *MockAdapter {
	m.currentSvc.chars = append(m.currentSvc.chars, central.CharacteristicInfo{
		UUID:       uuid,
		Properties: properties,
	})
	return m
}

// WithCharacteristicError makes the current service's characteristic
// discovery fail.
func (m *MockAdapter) WithCharacteristicError(err error) *MockAdapter {
	m.currentSvc.charErr = err
	return m
}

// HoldConnects suppresses the automatic connect reply: Connect requests
// are recorded but never answered until the test calls the sink itself.
func (m *MockAdapter) HoldConnects() *MockAdapter {
	m.holdConnects = true
	return m
}

// HoldDiscovery suppresses automatic service discovery replies: requests
// are recorded but never answered until the test calls the sink itself.
func (m *MockAdapter) HoldDiscovery() *MockAdapter {
	m.holdDiscovery = true
	return m
}

// WithConnectError makes Connect fail synchronously.
func (m *MockAdapter) WithConnectError(err error) *MockAdapter {
	m.connectErr = err
	return m
}

// WithCancelDisconnectError attaches a transport error to the disconnect
// callback produced by CancelConnection.
func (m *MockAdapter) WithCancelDisconnectError(err error) *MockAdapter {
	m.cancelErr = err
	return m
}

// ----------------------------
// Inspection API
// ----------------------------

// Sink exposes the attached sink so tests can inject platform callbacks
// directly.
func (m *MockAdapter) Sink() central.EventSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

// Scanning reports whether a scan is active.
func (m *MockAdapter) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// ScanStarts returns how many scans were started.
func (m *MockAdapter) ScanStarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanStarts
}

// Cancellations returns the ids passed to CancelConnection, in order.
func (m *MockAdapter) Cancellations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancellations...)
}

// Connects returns the ids passed to Connect, in order.
func (m *MockAdapter) Connects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.connects...)
}

// Discoveries returns the ids passed to DiscoverServices, in order. Held
// requests are recorded too, so tests can wait for a request to land
// without issuing calls of their own.
func (m *MockAdapter) Discoveries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.discoveries...)
}

// ----------------------------
// central.Adapter implementation
// ----------------------------

func (m *MockAdapter) Start(sink central.EventSink) error {
	m.mu.Lock()
	m.sink = sink
	state := m.initialState
	m.mu.Unlock()
	sink.AdapterStateChanged(state)
	return nil
}

func (m *MockAdapter) Stop() error { return nil }

func (m *MockAdapter) StartScan([]string, bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = true
	m.scanStarts++
	return nil
}

func (m *MockAdapter) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	m.scanStops++
	return nil
}

func (m *MockAdapter) Connect(id string) error {
	m.mu.Lock()
	m.connects = append(m.connects, id)
	sink, hold, err := m.sink, m.holdConnects, m.connectErr
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if !hold {
		go sink.PeripheralConnected(id)
	}
	return nil
}

func (m *MockAdapter) CancelConnection(id string) error {
	m.mu.Lock()
	m.cancellations = append(m.cancellations, id)
	sink, cause := m.sink, m.cancelErr
	m.mu.Unlock()

	go sink.PeripheralDisconnected(id, cause)
	return nil
}

func (m *MockAdapter) DiscoverServices(id string, uuids []string) error {
	m.mu.Lock()
	m.discoveries = append(m.discoveries, id)
	p, ok := m.peripherals[id]
	sink, hold := m.sink, m.holdDiscovery
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("device not connected: %s", id)
	}
	if hold {
		return nil
	}

	infos := make([]central.ServiceInfo, 0, len(p.services))
	for _, svc := range p.services {
		if len(uuids) > 0 && !containsUUID(uuids, svc.uuid) {
			continue
		}
		infos = append(infos, central.ServiceInfo{UUID: svc.uuid})
	}
	go sink.ServicesDiscovered(id, infos, nil)
	return nil
}

func (m *MockAdapter) DiscoverCharacteristics(id string, serviceUUID string) error {
	m.mu.Lock()
	p, ok := m.peripherals[id]
	sink := m.sink
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("device not connected: %s", id)
	}

	want := central.NormalizeUUID(serviceUUID)
	for _, svc := range p.services {
		if central.NormalizeUUID(svc.uuid) != want {
			continue
		}
		if svc.charErr != nil {
			err := svc.charErr
			go sink.CharacteristicsDiscovered(id, serviceUUID, nil, err)
			return nil
		}
		chars := append([]central.CharacteristicInfo(nil), svc.chars...)
		go sink.CharacteristicsDiscovered(id, serviceUUID, chars, nil)
		return nil
	}
	return fmt.Errorf("service %q not configured on %s", serviceUUID, id)
}

func (m *MockAdapter) ReadRSSI(id string) error {
	m.mu.Lock()
	p, ok := m.peripherals[id]
	sink := m.sink
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("device not connected: %s", id)
	}
	go sink.RSSIRead(id, p.RSSI, nil)
	return nil
}

func containsUUID(uuids []string, uuid string) bool {
	want := central.NormalizeUUID(uuid)
	for _, u := range uuids {
		if central.NormalizeUUID(u) == want {
			return true
		}
	}
	return false
}

// MockAdvertisement is a canned central.Advertisement for driving
// PeripheralDiscovered by hand.
type MockAdvertisement struct {
	Name     string
	Address  string
	RSSIVal  int
	SvcUUIDs []string
	MfrData  []byte
	SvcData  map[string][]byte
	TxPower  int
	CanConn  bool
}

func (a *MockAdvertisement) LocalName() string              { return a.Name }
func (a *MockAdvertisement) ManufacturerData() []byte       { return a.MfrData }
func (a *MockAdvertisement) ServiceData() map[string][]byte { return a.SvcData }
func (a *MockAdvertisement) Services() []string             { return a.SvcUUIDs }
func (a *MockAdvertisement) TxPowerLevel() int              { return a.TxPower }
func (a *MockAdvertisement) Connectable() bool              { return a.CanConn }
func (a *MockAdvertisement) RSSI() int                      { return a.RSSIVal }
func (a *MockAdvertisement) Addr() string                   { return a.Address }

// NewMockAdvertisement builds a connectable advertisement with the fields
// tests usually care about.
func NewMockAdvertisement(name, address string, rssi int, serviceUUIDs ...string) *MockAdvertisement {
	return &MockAdvertisement{
		Name:     name,
		Address:  address,
		RSSIVal:  rssi,
		SvcUUIDs: serviceUUIDs,
		CanConn:  true,
	}
}
