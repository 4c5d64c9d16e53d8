// Package goble implements the central.Adapter platform interface on top
// of the go-ble library. It owns the raw ble.Device and per-peripheral
// ble.Client handles and translates their blocking calls into the sink
// callbacks the manager expects.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/groutine"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// The default is platform specific, see device_darwin.go / device_linux.go.
var DeviceFactory = newDevice

// Adapter is a central.Adapter backed by go-ble.
type Adapter struct {
	logger *logrus.Logger
	sink   central.EventSink

	mu         sync.Mutex
	dev        ble.Device
	scanCancel context.CancelFunc
	dials      map[string]context.CancelFunc
	clients    map[string]ble.Client
	// serviceHandles keeps the raw ble.Service handles produced by service
	// discovery so a later characteristic discovery can reference them.
	serviceHandles map[string]map[string]*ble.Service
}

// New creates an adapter. The device itself is created lazily in Start so
// test code can swap DeviceFactory first.
func New(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Adapter{
		logger:         logger,
		dials:          make(map[string]context.CancelFunc),
		clients:        make(map[string]ble.Client),
		serviceHandles: make(map[string]map[string]*ble.Service),
	}
}

// Start creates the underlying device and reports the initial power state.
// The platform device only constructs successfully once the adapter is
// powered on, so a factory error is mapped to the matching state before
// being returned.
func (a *Adapter) Start(sink central.EventSink) error {
	a.sink = sink

	dev, err := DeviceFactory()
	if err != nil {
		sink.AdapterStateChanged(stateFromError(err))
		return central.NormalizeError(wrapFactoryError(err))
	}

	a.mu.Lock()
	a.dev = dev
	a.mu.Unlock()

	ble.SetDefaultDevice(dev)
	sink.AdapterStateChanged(central.StatePoweredOn)
	return nil
}

// Stop tears down the scan, pending dials and live connections.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	for _, cancel := range a.dials {
		cancel()
	}
	a.dials = make(map[string]context.CancelFunc)
	clients := a.clients
	a.clients = make(map[string]ble.Client)
	dev := a.dev
	a.mu.Unlock()

	for _, client := range clients {
		_ = client.CancelConnection()
	}
	if dev == nil {
		return nil
	}
	return dev.Stop()
}

// StartScan begins advertisement delivery. Service filtering happens here
// rather than in the radio because go-ble's handler-level filtering is the
// portable path; the manager applies its own session filters on top.
func (a *Adapter) StartScan(serviceUUIDs []string, allowDuplicates bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return fmt.Errorf("adapter not started")
	}
	if a.scanCancel != nil {
		return nil // already scanning
	}

	filter, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.scanCancel = cancel

	dev := a.dev
	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, allowDuplicates, func(adv ble.Advertisement) {
			if len(filter) > 0 && !advertisesAny(adv, filter) {
				return
			}
			a.sink.PeripheralDiscovered(newAdvertisement(adv))
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.WithField("error", err).Warn("Scan terminated with error")
		}
	})
	return nil
}

// StopScan cancels the scan context; go-ble unwinds the radio state.
func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	return nil
}

// Connect dials the peripheral in the background. Success surfaces as
// PeripheralConnected; a dial failure as PeripheralDisconnected with the
// error, matching how the platform reports failed connection attempts. A
// dial cancelled through CancelConnection surfaces as a plain disconnect.
func (a *Adapter) Connect(id string) error {
	a.mu.Lock()
	if a.dev == nil {
		a.mu.Unlock()
		return fmt.Errorf("adapter not started")
	}
	if _, ok := a.clients[id]; ok {
		a.mu.Unlock()
		return fmt.Errorf("device already connected: %s", id)
	}
	if _, ok := a.dials[id]; ok {
		a.mu.Unlock()
		return fmt.Errorf("dial already in progress: %s", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.dials[id] = cancel
	a.mu.Unlock()

	groutine.Go(ctx, "ble-dial:"+id, func(ctx context.Context) {
		client, err := ble.Dial(ctx, ble.NewAddr(id))

		a.mu.Lock()
		delete(a.dials, id)
		if err == nil {
			a.clients[id] = client
		}
		a.mu.Unlock()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				a.sink.PeripheralDisconnected(id, nil)
			} else {
				a.sink.PeripheralDisconnected(id, err)
			}
			return
		}

		a.sink.PeripheralConnected(id)

		<-client.Disconnected()
		a.mu.Lock()
		delete(a.clients, id)
		delete(a.serviceHandles, id)
		a.mu.Unlock()
		a.sink.PeripheralDisconnected(id, nil)
	})
	return nil
}

// CancelConnection aborts a pending dial or drops a live connection.
func (a *Adapter) CancelConnection(id string) error {
	a.mu.Lock()
	cancel := a.dials[id]
	client := a.clients[id]
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		return nil
	}
	if client != nil {
		return client.CancelConnection()
	}
	return fmt.Errorf("device not connected: %s", id)
}

// DiscoverServices requests service enumeration.
func (a *Adapter) DiscoverServices(id string, serviceUUIDs []string) error {
	client, err := a.client(id)
	if err != nil {
		return err
	}
	filter, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return err
	}

	go func() {
		svcs, err := client.DiscoverServices(filter)
		if err != nil {
			a.sink.ServicesDiscovered(id, nil, err)
			return
		}

		handles := make(map[string]*ble.Service, len(svcs))
		infos := make([]central.ServiceInfo, 0, len(svcs))
		for _, svc := range svcs {
			uuid := svc.UUID.String()
			handles[central.NormalizeUUID(uuid)] = svc
			infos = append(infos, central.ServiceInfo{UUID: uuid})
		}
		a.mu.Lock()
		a.serviceHandles[id] = handles
		a.mu.Unlock()

		a.sink.ServicesDiscovered(id, infos, nil)
	}()
	return nil
}

// DiscoverCharacteristics requests characteristic enumeration for one
// previously discovered service.
func (a *Adapter) DiscoverCharacteristics(id string, serviceUUID string) error {
	client, err := a.client(id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	svc := a.serviceHandles[id][central.NormalizeUUID(serviceUUID)]
	a.mu.Unlock()
	if svc == nil {
		return fmt.Errorf("service %q not discovered on %s", serviceUUID, id)
	}

	go func() {
		chars, err := client.DiscoverCharacteristics(nil, svc)
		if err != nil {
			a.sink.CharacteristicsDiscovered(id, serviceUUID, nil, err)
			return
		}
		infos := make([]central.CharacteristicInfo, 0, len(chars))
		for _, c := range chars {
			infos = append(infos, central.CharacteristicInfo{
				UUID:       c.UUID.String(),
				Properties: propsToString(c.Property),
			})
		}
		a.sink.CharacteristicsDiscovered(id, serviceUUID, infos, nil)
	}()
	return nil
}

// ReadRSSI requests a signal strength reading.
func (a *Adapter) ReadRSSI(id string) error {
	client, err := a.client(id)
	if err != nil {
		return err
	}
	go func() {
		a.sink.RSSIRead(id, client.ReadRSSI(), nil)
	}()
	return nil
}

func (a *Adapter) client(id string) (ble.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	client, ok := a.clients[id]
	if !ok {
		return nil, fmt.Errorf("device not connected: %s", id)
	}
	return client, nil
}

// wrapFactoryError gives the darwin state errors a clearer message.
func wrapFactoryError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "central manager has invalid state") {
		if strings.Contains(msg, "have=4") { // StatePoweredOff
			return fmt.Errorf("bluetooth is turned off: %w", err)
		}
		return fmt.Errorf("bluetooth is not ready: %w", err)
	}
	return err
}

// stateFromError maps a device factory failure to the power state it
// implies. CoreBluetooth state codes appear in go-ble's error text as
// "have=N".
func stateFromError(err error) central.AdapterState {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "have=2"):
		return central.StateUnsupported
	case strings.Contains(msg, "have=3"):
		return central.StateUnauthorized
	case strings.Contains(msg, "have=4"):
		return central.StatePoweredOff
	default:
		return central.StateUnknown
	}
}

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	parsed := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		p, err := ble.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", u, err)
		}
		parsed = append(parsed, p)
	}
	return parsed, nil
}

func advertisesAny(adv ble.Advertisement, filter []ble.UUID) bool {
	for _, want := range filter {
		for _, have := range adv.Services() {
			if have.Equal(want) {
				return true
			}
		}
	}
	return false
}

// propsToString renders characteristic property flags the way they are
// shown in inspection output, e.g. "read,notify".
func propsToString(p ble.Property) string {
	var parts []string
	for _, flag := range []struct {
		bit  ble.Property
		name string
	}{
		{ble.CharBroadcast, "broadcast"},
		{ble.CharRead, "read"},
		{ble.CharWriteNR, "write_without_response"},
		{ble.CharWrite, "write"},
		{ble.CharNotify, "notify"},
		{ble.CharIndicate, "indicate"},
		{ble.CharSignedWrite, "signed_write"},
		{ble.CharExtended, "extended"},
	} {
		if p&flag.bit != 0 {
			parts = append(parts, flag.name)
		}
	}
	return strings.Join(parts, ",")
}
