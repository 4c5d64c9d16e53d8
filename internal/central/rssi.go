package central

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/groutine"
)

type rssiResult struct {
	rssi int
	err  error
}

// ReadRSSI reads the current signal strength. It fails immediately with
// ErrNotConnected while the peripheral is not connected; there is no
// round trip in that case.
func (p *Peripheral) ReadRSSI(ctx context.Context) (int, error) {
	ch := make(chan rssiResult, 1)
	p.mgr.dispatch(func() {
		if p.state != Connected {
			ch <- rssiResult{err: fmt.Errorf("%w: RSSI requires a connected peripheral", ErrNotConnected)}
			return
		}
		p.rssiWaiters = append(p.rssiWaiters, ch)
		if err := p.mgr.adapter.ReadRSSI(p.id); err != nil {
			p.rssiWaiters = p.rssiWaiters[:len(p.rssiWaiters)-1]
			ch <- rssiResult{err: NormalizeError(err)}
		}
	})

	select {
	case r := <-ch:
		return r.rssi, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// handleRSSIRead delivers a platform RSSI result to the oldest waiter.
// Run-loop only.
func (p *Peripheral) handleRSSIRead(rssi int, err error) {
	if err == nil {
		p.rssi = rssi
	}
	if len(p.rssiWaiters) == 0 {
		return
	}
	ch := p.rssiWaiters[0]
	p.rssiWaiters = p.rssiWaiters[1:]
	ch <- rssiResult{rssi: rssi, err: NormalizeError(err)}
}

// StartPollingRSSI reads the signal strength every period and delivers the
// readings on a stream of the given capacity. The first failed read (for
// example after a disconnect) is delivered with its error and closes the
// stream. Starting while a poll is already active returns the active
// stream.
func (p *Peripheral) StartPollingRSSI(period time.Duration, capacity int) (*RSSIStream, error) {
	if period <= 0 {
		return nil, fmt.Errorf("polling period must be positive, got %v", period)
	}

	var stream *RSSIStream
	var err error
	p.mgr.dispatchWait(func() {
		if p.poll != nil {
			stream = p.poll
			return
		}
		if p.state != Connected {
			err = fmt.Errorf("%w: RSSI polling requires a connected peripheral", ErrNotConnected)
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		stream = &RSSIStream{ring: newRingChannel[RSSIReading](capacity), stop: cancel}
		p.poll = stream
		groutine.Go(ctx, "rssi-poll:"+p.id, func(ctx context.Context) {
			p.pollRSSI(ctx, stream, period)
		})
	})
	return stream, err
}

// pollRSSI is the polling worker. It is the only goroutine sending on and
// closing its stream, so the ring channel needs no extra coordination.
func (p *Peripheral) pollRSSI(ctx context.Context, stream *RSSIStream, period time.Duration) {
	defer func() {
		stream.ring.close()
		p.mgr.dispatch(func() {
			if p.poll == stream {
				p.poll = nil
			}
		})
	}()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rssi, err := p.ReadRSSI(ctx)
			if ctx.Err() != nil {
				return
			}
			if dropped := stream.ring.send(RSSIReading{RSSI: rssi, Err: err}); dropped {
				p.mgr.logger.WithField("address", p.id).Debug("RSSI stream consumer lagging, dropped oldest reading")
			}
			if err != nil {
				p.mgr.logger.WithFields(logrus.Fields{
					"address": p.id,
					"error":   err,
				}).Warn("RSSI polling stopped")
				return
			}
		}
	}
}
