package central

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/groutine"
)

// Manager owns the peripheral registry, the scan session lifecycle and the
// power-state gate. All mutable state below the registry is confined to a
// single run-loop goroutine: platform callbacks, timer callbacks and caller
// requests are marshaled onto it, so counters and session state need no
// locking of their own.
type Manager struct {
	adapter Adapter
	logger  *logrus.Logger

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once

	// peripherals is keyed by platform device identifier. Reads are
	// lock-free; inserts happen on the run loop only.
	peripherals *hashmap.Map[string, *Peripheral]

	// Everything below is owned by the run loop.
	state      AdapterState
	scan       *scanSession
	scanSeq    uint64
	onWaiters  []chan error
	offWaiters []chan error
}

// NewManager starts the run loop and attaches the platform adapter. The
// adapter reports its initial power state through the sink before any scan
// or connect can proceed.
func NewManager(adapter Adapter, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	m := &Manager{
		adapter:     adapter,
		logger:      logger,
		tasks:       make(chan func(), 64),
		done:        make(chan struct{}),
		peripherals: hashmap.New[string, *Peripheral](),
	}
	groutine.Go(nil, "central-run-loop", func(context.Context) { m.loop() })

	if err := adapter.Start(m); err != nil {
		_ = m.Close()
		return nil, NormalizeError(err)
	}
	return m, nil
}

func (m *Manager) loop() {
	for {
		select {
		case fn := <-m.tasks:
			fn()
		case <-m.done:
			return
		}
	}
}

// dispatch schedules fn on the run loop. After Close it is a no-op.
func (m *Manager) dispatch(fn func()) {
	select {
	case m.tasks <- fn:
	case <-m.done:
	}
}

// dispatchWait runs fn on the run loop and waits for it to finish. Must not
// be called from the run loop itself.
func (m *Manager) dispatchWait(fn func()) {
	ran := make(chan struct{})
	m.dispatch(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
	case <-m.done:
	}
}

// Close stops the run loop and the adapter. An active scan is stopped and
// pending power-state waiters fail with ErrClosed.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.dispatchWait(func() {
			if m.scan != nil {
				m.endScan(nil)
			}
			m.failWaiters(fmt.Errorf("%w: manager closed", ErrClosed))
			m.peripherals.Range(func(_ string, p *Peripheral) bool {
				p.shutdown()
				return true
			})
		})
		close(m.done)
		err = m.adapter.Stop()
	})
	return err
}

// State returns the last power state reported by the platform.
func (m *Manager) State() AdapterState {
	var s AdapterState
	m.dispatchWait(func() { s = m.state })
	return s
}

// Peripheral returns the record for a discovered peripheral by identifier.
func (m *Manager) Peripheral(id string) (*Peripheral, bool) {
	return m.peripherals.Get(id)
}

// Peripherals returns all peripherals discovered so far.
func (m *Manager) Peripherals() []*Peripheral {
	result := make([]*Peripheral, 0, m.peripherals.Len())
	m.peripherals.Range(func(_ string, p *Peripheral) bool {
		result = append(result, p)
		return true
	})
	return result
}

// ----------------------------
// Scan session
// ----------------------------

// StartScanning begins a scan session and returns its discovery stream.
// While a scan is already active the existing stream is returned instead of
// starting a second scan. Fails immediately with ErrPoweredOff unless the
// platform reported the powered-on state.
func (m *Manager) StartScanning(opts *ScanOptions) (*ScanStream, error) {
	if opts == nil {
		opts = &ScanOptions{}
	}
	defaults.SetDefaults(opts)

	var stream *ScanStream
	var err error
	m.dispatchWait(func() {
		if m.scan != nil {
			stream = m.scan.stream
			return
		}
		if m.state != StatePoweredOn {
			err = fmt.Errorf("%w: adapter state is %s", ErrPoweredOff, m.state)
			return
		}

		m.scanSeq++
		s := &scanSession{
			seq:    m.scanSeq,
			opts:   opts,
			stream: newScanStream(opts.Capacity),
		}

		if aerr := m.adapter.StartScan(opts.ServiceUUIDs, false); aerr != nil {
			err = NormalizeError(aerr)
			return
		}
		m.scan = s

		if opts.Timeout > 0 {
			seq := s.seq
			time.AfterFunc(opts.Timeout, func() {
				m.dispatch(func() { m.scanTimedOut(seq) })
			})
		}

		m.logger.WithFields(logrus.Fields{
			"session": s.seq,
			"timeout": opts.Timeout,
		}).Info("Scan started")
		stream = s.stream
	})
	return stream, err
}

// StopScanning ends the active scan session, closing its stream without an
// error. It is a no-op when no scan is active.
func (m *Manager) StopScanning() error {
	var err error
	m.dispatchWait(func() {
		if m.scan == nil {
			return
		}
		err = m.endScan(nil)
	})
	return err
}

// scanTimedOut handles the delayed scan-timeout check. A sequence mismatch
// means the session it was armed for is gone; the callback is stale and
// must not touch the current session.
func (m *Manager) scanTimedOut(seq uint64) {
	if m.scan == nil || m.scan.seq != seq {
		m.logger.WithField("session", seq).Debug("Ignoring stale scan timeout")
		return
	}
	if m.scan.found == 0 {
		m.logger.WithField("session", seq).Warn("Scan timed out with no discoveries")
		_ = m.endScan(fmt.Errorf("%w: no peripherals discovered", ErrScanTimeout))
		return
	}
	m.logger.WithFields(logrus.Fields{
		"session": seq,
		"found":   m.scan.found,
	}).Info("Scan timeout reached, stopping")
	_ = m.endScan(nil)
}

// endScan stops the platform scan and closes the session stream. Run-loop
// only.
func (m *Manager) endScan(cause error) error {
	s := m.scan
	m.scan = nil
	err := m.adapter.StopScan()
	s.stream.close(cause)
	return NormalizeError(err)
}

// ----------------------------
// Power-state gate
// ----------------------------

// WhenPoweredOn completes when the platform reports the powered-on state.
// If the platform reports a terminal unsupported/unauthorized state while
// waiting, it fails with ErrUnsupported.
func (m *Manager) WhenPoweredOn(ctx context.Context) error {
	return m.whenState(ctx, StatePoweredOn)
}

// WhenPoweredOff completes when the platform reports the powered-off state.
func (m *Manager) WhenPoweredOff(ctx context.Context) error {
	return m.whenState(ctx, StatePoweredOff)
}

func (m *Manager) whenState(ctx context.Context, want AdapterState) error {
	ch := make(chan error, 1)
	m.dispatch(func() {
		switch {
		case m.state == want:
			ch <- nil
		case m.state == StateUnsupported || m.state == StateUnauthorized:
			ch <- fmt.Errorf("%w: adapter state is %s", ErrUnsupported, m.state)
		case want == StatePoweredOn:
			m.onWaiters = append(m.onWaiters, ch)
		default:
			m.offWaiters = append(m.offWaiters, ch)
		}
	})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return fmt.Errorf("%w: manager closed", ErrClosed)
	}
}

// resolveWaiters delivers err (nil for success) to each pending waiter in
// the given list exactly once and empties it. Run-loop only.
func resolveWaiters(waiters []chan error, err error) []chan error {
	for _, ch := range waiters {
		ch <- err
	}
	return nil
}

func (m *Manager) failWaiters(err error) {
	m.onWaiters = resolveWaiters(m.onWaiters, err)
	m.offWaiters = resolveWaiters(m.offWaiters, err)
}

// ----------------------------
// EventSink: platform callbacks
// ----------------------------

// AdapterStateChanged records the new power state, resolves matching
// waiters and tears down an active scan when power is lost.
func (m *Manager) AdapterStateChanged(state AdapterState) {
	m.dispatch(func() {
		m.logger.WithField("state", state.String()).Info("Adapter state changed")
		m.state = state
		switch state {
		case StatePoweredOn:
			m.onWaiters = resolveWaiters(m.onWaiters, nil)
		case StatePoweredOff:
			m.offWaiters = resolveWaiters(m.offWaiters, nil)
			if m.scan != nil {
				_ = m.endScan(fmt.Errorf("%w: adapter powered off during scan", ErrPoweredOff))
			}
		case StateUnsupported, StateUnauthorized:
			m.failWaiters(fmt.Errorf("%w: adapter state is %s", ErrUnsupported, state))
		}
	})
}

// PeripheralDiscovered indexes a first-time discovery and emits it on the
// scan stream. Rediscovery refreshes the record's advertisement snapshot
// but is not re-emitted.
func (m *Manager) PeripheralDiscovered(adv Advertisement) {
	m.dispatch(func() {
		id := adv.Addr()
		if p, ok := m.peripherals.Get(id); ok {
			p.updateAdvertisement(adv)
			return
		}
		if m.scan == nil || !m.scan.include(adv) {
			return
		}

		p := newPeripheral(m, id, adv)
		m.peripherals.Set(id, p)
		m.scan.found++

		m.logger.WithFields(logrus.Fields{
			"device":  p.name,
			"address": id,
			"rssi":    p.rssi,
		}).Info("Discovered new peripheral")
		m.scan.stream.send(p)
	})
}

// PeripheralConnected routes a successful connect callback to its record.
func (m *Manager) PeripheralConnected(id string) {
	m.dispatch(func() {
		if p, ok := m.peripherals.Get(id); ok {
			p.handleConnected()
		} else {
			m.logger.WithField("address", id).Debug("Connect callback for unknown peripheral")
		}
	})
}

// PeripheralDisconnected routes a disconnect callback to its record.
func (m *Manager) PeripheralDisconnected(id string, err error) {
	m.dispatch(func() {
		if p, ok := m.peripherals.Get(id); ok {
			p.handleDisconnected(err)
		} else {
			m.logger.WithField("address", id).Debug("Disconnect callback for unknown peripheral")
		}
	})
}

// ServicesDiscovered routes a service discovery result to its record.
func (m *Manager) ServicesDiscovered(id string, services []ServiceInfo, err error) {
	m.dispatch(func() {
		if p, ok := m.peripherals.Get(id); ok {
			p.handleServicesDiscovered(services, err)
		}
	})
}

// CharacteristicsDiscovered routes a characteristic discovery result to its
// record.
func (m *Manager) CharacteristicsDiscovered(id string, serviceUUID string, chars []CharacteristicInfo, err error) {
	m.dispatch(func() {
		if p, ok := m.peripherals.Get(id); ok {
			p.handleCharacteristicsDiscovered(serviceUUID, chars, err)
		}
	})
}

// RSSIRead routes an RSSI result to its record.
func (m *Manager) RSSIRead(id string, rssi int, err error) {
	m.dispatch(func() {
		if p, ok := m.peripherals.Get(id); ok {
			p.handleRSSIRead(rssi, err)
		}
	})
}

// StateRestored re-indexes peripherals the platform restored from a prior
// process instance. Restored records start disconnected with no
// advertisement snapshot.
func (m *Manager) StateRestored(ids []string, err error) {
	m.dispatch(func() {
		if err != nil {
			m.logger.WithField("error", err).Warn(fmt.Errorf("%w: %v", ErrRestoreFailed, err).Error())
			return
		}
		for _, id := range ids {
			if _, ok := m.peripherals.Get(id); ok {
				continue
			}
			p := newPeripheral(m, id, nil)
			m.peripherals.Set(id, p)
			m.logger.WithField("address", id).Info("Restored peripheral")
		}
	})
}
