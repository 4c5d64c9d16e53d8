package central

import (
	"time"
)

// ConnectOptions configures one connection session.
//
// MaxTimeouts and MaxDisconnects are retry limits: nil means retry forever,
// a value of N means the (N+1)th consecutive failure of that kind emits
// EventGiveUp. N may be zero.
type ConnectOptions struct {
	// Timeout is how long a single connection attempt may stay in the
	// Connecting state before it is cancelled. Zero disables the check.
	Timeout time.Duration `default:"10s"`

	// MaxTimeouts bounds consecutive timed-out attempts. Nil = unbounded.
	MaxTimeouts *int

	// MaxDisconnects bounds consecutive unforced disconnects. Nil = unbounded.
	MaxDisconnects *int

	// Capacity is the event stream buffer size. The stream drops its oldest
	// event when the consumer lags behind.
	Capacity int `default:"16"`
}

// ConnectionEvents is the event stream for one connection session. It is
// created by Connect, shared across Reconnect calls, and closed when the
// session is superseded by a new Connect or the manager shuts down.
type ConnectionEvents struct {
	ring *ringChannel[ConnectionEvent]
}

func newConnectionEvents(capacity int) *ConnectionEvents {
	return &ConnectionEvents{ring: newRingChannel[ConnectionEvent](capacity)}
}

// C returns the receive side of the stream. It is closed when the session
// is superseded.
func (e *ConnectionEvents) C() <-chan ConnectionEvent {
	return e.ring.C()
}

// connectionSession is the ephemeral per-Connect state: the configured
// limits plus the stream events are pushed onto. The attempt sequence
// number lives on the peripheral, not here, because it must survive
// session supersession to invalidate stale timers.
type connectionSession struct {
	opts   *ConnectOptions
	events *ConnectionEvents
}

func (s *connectionSession) emit(kind ConnectionEventKind, err error) {
	s.events.ring.send(ConnectionEvent{Kind: kind, Err: err})
}

func (s *connectionSession) close() {
	s.events.ring.close()
}

// ScanOptions configures a scan session.
type ScanOptions struct {
	// ServiceUUIDs restricts discovery to peripherals advertising one of
	// these services. Empty = no filter.
	ServiceUUIDs []string

	// Timeout stops the scan after the given duration. If no peripheral
	// was discovered in the session by then, the stream fails with
	// ErrScanTimeout; otherwise it just closes. Zero disables the check.
	Timeout time.Duration

	// AllowList / BlockList filter discovered peripherals by address.
	AllowList []string
	BlockList []string

	// Capacity is the discovery stream buffer size.
	Capacity int `default:"32"`
}

// ScanStream delivers newly discovered peripherals. After the channel is
// closed, Err reports why the scan ended: nil for StopScanning or a
// timeout with discoveries, ErrScanTimeout for a timeout with none.
type ScanStream struct {
	ring *ringChannel[*Peripheral]
	err  error // written before close on the run loop; read after close
}

func newScanStream(capacity int) *ScanStream {
	return &ScanStream{ring: newRingChannel[*Peripheral](capacity)}
}

// C returns the receive side of the stream.
func (s *ScanStream) C() <-chan *Peripheral {
	return s.ring.C()
}

// Err returns the terminal error of the scan session. Only valid after
// the channel returned by C has been closed.
func (s *ScanStream) Err() error {
	return s.err
}

func (s *ScanStream) send(p *Peripheral) {
	s.ring.send(p)
}

func (s *ScanStream) close(err error) {
	s.err = err
	s.ring.close()
}

// scanSession is one scan attempt lifecycle. The sequence number detaches
// superseded sessions from their pending timeout callbacks, mirroring the
// peripheral attempt sequence.
type scanSession struct {
	seq    uint64
	opts   *ScanOptions
	stream *ScanStream
	found  int
}

// include applies the session's allow/block/service filters.
func (s *scanSession) include(adv Advertisement) bool {
	addr := adv.Addr()
	for _, blocked := range s.opts.BlockList {
		if addr == blocked {
			return false
		}
	}
	if len(s.opts.AllowList) > 0 {
		allowed := false
		for _, a := range s.opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if len(s.opts.ServiceUUIDs) > 0 {
		advertised := NormalizeUUIDs(adv.Services())
		for _, want := range NormalizeUUIDs(s.opts.ServiceUUIDs) {
			for _, have := range advertised {
				if want == have {
					return true
				}
			}
		}
		return false
	}
	return true
}

// RSSIStream delivers periodic RSSI readings for a connected peripheral.
// A reading with a non-nil Err is the last delivery; the channel closes
// right after it.
type RSSIStream struct {
	ring *ringChannel[RSSIReading]
	stop func()
}

// C returns the receive side of the stream.
func (s *RSSIStream) C() <-chan RSSIReading {
	return s.ring.C()
}

// Stop ends polling and closes the stream. Safe to call more than once.
func (s *RSSIStream) Stop() {
	s.stop()
}
