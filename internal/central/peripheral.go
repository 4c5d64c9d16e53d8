package central

import (
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// ConnectionState is the peripheral's position in the connect lifecycle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Peripheral is the registry record for one discovered remote device. The
// Manager owns it exclusively; everything mutable is confined to the
// manager run loop, and caller-facing accessors marshal into that loop.
type Peripheral struct {
	mgr *Manager
	id  string

	// Advertisement snapshot, refreshed on rediscovery.
	name         string
	rssi         int
	adv          Advertisement
	discoveredAt time.Time

	// Connection lifecycle. seq increments on every attempt; a delayed
	// timeout check that reads a different seq than it captured is stale
	// and must not cancel anything.
	state    ConnectionState
	seq      uint64
	session  *connectionSession
	forced   bool
	timedOut bool

	// Retry counters. Both reset to zero by their EventGiveUp; the timeout
	// counter additionally resets on a successful connect, which ends a
	// streak of timed-out attempts.
	retryTimeouts    int
	retryDisconnects int

	// Bookkeeping.
	connectedAt    time.Time
	totalConnected time.Duration
	connects       int
	disconnects    int

	// Discovered profile and in-flight operations.
	profile     *Profile
	disc        *discoveryOp
	rssiWaiters []chan rssiResult
	poll        *RSSIStream
}

func newPeripheral(m *Manager, id string, adv Advertisement) *Peripheral {
	p := &Peripheral{
		mgr:          m,
		id:           id,
		discoveredAt: time.Now(),
		profile:      newProfile(),
	}
	if adv != nil {
		p.adv = adv
		p.name = adv.LocalName()
		p.rssi = adv.RSSI()
	}
	return p
}

// updateAdvertisement refreshes the snapshot on rediscovery. Run-loop only.
func (p *Peripheral) updateAdvertisement(adv Advertisement) {
	p.adv = adv
	p.rssi = adv.RSSI()
	if name := adv.LocalName(); name != "" {
		p.name = name
	}
}

// ID returns the platform device identifier. Immutable.
func (p *Peripheral) ID() string { return p.id }

// Name returns the advertised local name, if any.
func (p *Peripheral) Name() string {
	var v string
	p.mgr.dispatchWait(func() { v = p.name })
	return v
}

// RSSI returns the most recent signal strength reading.
func (p *Peripheral) RSSI() int {
	var v int
	p.mgr.dispatchWait(func() { v = p.rssi })
	return v
}

// State returns the current connection state.
func (p *Peripheral) State() ConnectionState {
	var v ConnectionState
	p.mgr.dispatchWait(func() { v = p.state })
	return v
}

// Advertisement returns the latest advertisement snapshot, or nil for a
// restored record that has not been rediscovered.
func (p *Peripheral) Advertisement() Advertisement {
	var v Advertisement
	p.mgr.dispatchWait(func() { v = p.adv })
	return v
}

// Stats reports connection bookkeeping: attempt counts and cumulative
// connected time.
func (p *Peripheral) Stats() (connects, disconnects int, connectedFor time.Duration) {
	p.mgr.dispatchWait(func() {
		connects, disconnects = p.connects, p.disconnects
		connectedFor = p.totalConnected
		if p.state == Connected {
			connectedFor += time.Since(p.connectedAt)
		}
	})
	return
}

// ----------------------------
// Connect / Disconnect
// ----------------------------

// Connect starts a new connection session and returns its event stream.
// Only valid while disconnected. A previous session's stream is closed:
// the new session supersedes it.
func (p *Peripheral) Connect(opts *ConnectOptions) (*ConnectionEvents, error) {
	if opts == nil {
		opts = &ConnectOptions{}
	}
	defaults.SetDefaults(opts)

	var events *ConnectionEvents
	var err error
	p.mgr.dispatchWait(func() {
		if err = p.requireDisconnected(); err != nil {
			return
		}
		old := p.session
		s := &connectionSession{opts: opts, events: newConnectionEvents(opts.Capacity)}
		p.session = s
		if err = p.startAttempt(s); err != nil {
			p.session = old
			return
		}
		if old != nil {
			old.close()
		}
		events = s.events
	})
	return events, err
}

// Reconnect retries the current session with its original options, after a
// Timeout, Disconnect or error event. Events keep flowing on the stream
// returned by Connect.
func (p *Peripheral) Reconnect() error {
	var err error
	p.mgr.dispatchWait(func() {
		if p.session == nil {
			err = fmt.Errorf("%w: no session to reconnect, call Connect first", ErrNotConnected)
			return
		}
		if err = p.requireDisconnected(); err != nil {
			return
		}
		err = p.startAttempt(p.session)
	})
	return err
}

func (p *Peripheral) requireDisconnected() error {
	switch p.state {
	case Connecting:
		return fmt.Errorf("%w: connection attempt already in progress", ErrConnecting)
	case Connected:
		return fmt.Errorf("%w: disconnect before connecting again", ErrAlreadyConnected)
	default:
		return nil
	}
}

// startAttempt arms one connection attempt: bumps the sequence, clears the
// forced and timed-out flags, schedules the timeout check and issues the
// platform connect request. Run-loop only; state must be Disconnected.
func (p *Peripheral) startAttempt(s *connectionSession) error {
	p.seq++
	p.forced = false
	p.timedOut = false
	p.state = Connecting

	if s.opts.Timeout > 0 {
		seq := p.seq
		time.AfterFunc(s.opts.Timeout, func() {
			p.mgr.dispatch(func() { p.checkTimeout(seq) })
		})
	}

	if err := p.mgr.adapter.Connect(p.id); err != nil {
		p.state = Disconnected
		return NormalizeError(err)
	}
	p.mgr.logger.WithFields(logrus.Fields{
		"address": p.id,
		"attempt": p.seq,
		"timeout": s.opts.Timeout,
	}).Info("Connecting to peripheral")
	return nil
}

// Disconnect forces the connection down. The resulting platform disconnect
// callback emits EventForceDisconnect; retry policy is not applied.
func (p *Peripheral) Disconnect() error {
	var err error
	p.mgr.dispatchWait(func() {
		if p.state == Disconnected {
			err = fmt.Errorf("%w: peripheral %s", ErrNotConnected, p.id)
			return
		}
		p.forced = true
		err = NormalizeError(p.mgr.adapter.CancelConnection(p.id))
	})
	return err
}

// checkTimeout is the delayed connection-timeout check. It re-checks state
// instead of preempting: a stale sequence, an attempt that is no longer
// pending (connected, or already ended by an errored disconnect) or a
// pending forced disconnect all make it a no-op.
func (p *Peripheral) checkTimeout(seq uint64) {
	if seq != p.seq {
		p.mgr.logger.WithFields(logrus.Fields{
			"address": p.id,
			"armed":   seq,
			"current": p.seq,
		}).Debug("Ignoring stale connection timeout")
		return
	}
	if p.state != Connecting || p.forced {
		return
	}

	p.timedOut = true
	p.mgr.logger.WithFields(logrus.Fields{
		"address": p.id,
		"attempt": seq,
	}).Warn("Connection attempt timed out, cancelling")
	if err := p.mgr.adapter.CancelConnection(p.id); err != nil {
		// The platform will not deliver a disconnect callback; route the
		// timeout through the policy directly.
		p.timedOut = false
		p.state = Disconnected
		if p.session != nil {
			p.applyTimeoutPolicy(p.session)
		}
	}
	// Otherwise the cancellation surfaces as a disconnect callback and is
	// routed through the timeout-retry policy there.
}

// ----------------------------
// Platform callbacks (run-loop only)
// ----------------------------

func (p *Peripheral) handleConnected() {
	p.state = Connected
	p.connectedAt = time.Now()
	p.connects++
	p.timedOut = false
	// A successful connect breaks a timeout streak. The disconnect counter
	// deliberately survives: a link that drops right after every connect
	// must still run out of retries.
	p.retryTimeouts = 0

	p.mgr.logger.WithFields(logrus.Fields{
		"address": p.id,
		"attempt": p.seq,
	}).Info("Peripheral connected")
	if p.session != nil {
		p.session.emit(EventConnect, nil)
	}
}

// handleDisconnected drives the retry policies. Precedence between the
// possible causes is: our own timeout cancellation, then a transport
// error, then a forced disconnect, then a plain disconnect.
func (p *Peripheral) handleDisconnected(cause error) {
	if p.state == Connected {
		p.totalConnected += time.Since(p.connectedAt)
		p.disconnects++
	}
	p.state = Disconnected
	p.abortOperations(cause)

	// Consume the cause markers up front so a lower-precedence one never
	// leaks into the next disconnect.
	forced, timedOut := p.forced, p.timedOut
	p.forced, p.timedOut = false, false

	s := p.session
	if s == nil {
		p.mgr.logger.WithField("address", p.id).Debug("Disconnect with no active session")
		return
	}

	switch {
	case timedOut:
		p.applyTimeoutPolicy(s)
	case cause != nil:
		p.applyDisconnectFailurePolicy(s, NormalizeError(cause))
	case forced:
		p.mgr.logger.WithField("address", p.id).Info("Peripheral force-disconnected")
		s.emit(EventForceDisconnect, nil)
	default:
		p.applyDisconnectPolicy(s)
	}
}

// applyTimeoutPolicy emits Timeout while the budget lasts, GiveUp once it
// is spent. No configured limit means timeouts retry forever.
func (p *Peripheral) applyTimeoutPolicy(s *connectionSession) {
	limit := s.opts.MaxTimeouts
	if limit == nil {
		s.emit(EventTimeout, nil)
		return
	}
	if p.retryTimeouts < *limit {
		p.retryTimeouts++
		s.emit(EventTimeout, nil)
		return
	}
	p.retryTimeouts = 0
	p.mgr.logger.WithField("address", p.id).Warn("Timeout retries exhausted, giving up")
	s.emit(EventGiveUp, nil)
}

// applyDisconnectPolicy is the unforced-disconnect counterpart of
// applyTimeoutPolicy.
func (p *Peripheral) applyDisconnectPolicy(s *connectionSession) {
	limit := s.opts.MaxDisconnects
	if limit == nil {
		s.emit(EventDisconnect, nil)
		return
	}
	if p.retryDisconnects < *limit {
		p.retryDisconnects++
		s.emit(EventDisconnect, nil)
		return
	}
	p.retryDisconnects = 0
	p.mgr.logger.WithField("address", p.id).Warn("Disconnect retries exhausted, giving up")
	s.emit(EventGiveUp, nil)
}

// applyDisconnectFailurePolicy handles a disconnect that carried a
// transport error: while retries remain the error itself is re-emitted in
// place of EventDisconnect; once exhausted, EventGiveUp carries it.
func (p *Peripheral) applyDisconnectFailurePolicy(s *connectionSession, cause error) {
	limit := s.opts.MaxDisconnects
	if limit == nil || p.retryDisconnects < *limit {
		p.retryDisconnects++
		p.mgr.logger.WithFields(logrus.Fields{
			"address": p.id,
			"error":   cause,
		}).Warn("Peripheral disconnected with error")
		s.emit(EventError, cause)
		return
	}
	p.retryDisconnects = 0
	p.mgr.logger.WithFields(logrus.Fields{
		"address": p.id,
		"error":   cause,
	}).Warn("Disconnect retries exhausted after error, giving up")
	s.emit(EventGiveUp, cause)
}

// abortOperations fails every in-flight single-shot operation when the
// connection drops. Run-loop only.
func (p *Peripheral) abortOperations(cause error) {
	err := fmt.Errorf("%w: peripheral %s", ErrNotConnected, p.id)
	if cause != nil {
		err = NormalizeError(cause)
	}
	if p.disc != nil {
		p.finishDiscovery(nil, err)
	}
	for _, ch := range p.rssiWaiters {
		ch <- rssiResult{err: err}
	}
	p.rssiWaiters = nil
}

// shutdown releases session resources when the manager closes. Run-loop
// only.
func (p *Peripheral) shutdown() {
	p.abortOperations(fmt.Errorf("%w: manager closed", ErrClosed))
	if p.session != nil {
		p.session.close()
		p.session = nil
	}
	if p.poll != nil {
		p.poll.stop()
		p.poll = nil
	}
	p.state = Disconnected
}
