package central

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecentral/internal/bledb"
)

// Service is a discovered GATT service. Characteristics are indexed in the
// order the platform reported them; a characteristic is never indexed
// before its parent service exists.
type Service struct {
	uuid      string
	knownName string
	chars     *orderedmap.OrderedMap[string, *Characteristic]
}

// UUID returns the normalized service UUID.
func (s *Service) UUID() string { return s.uuid }

// KnownName returns the assigned name for standard UUIDs, or "".
func (s *Service) KnownName() string { return s.knownName }

// Characteristics returns the service's characteristics in the order the
// platform reported them.
func (s *Service) Characteristics() []*Characteristic {
	result := make([]*Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Characteristic looks up a characteristic by UUID.
func (s *Service) Characteristic(uuid string) (*Characteristic, error) {
	c, ok := s.chars.Get(NormalizeUUID(uuid))
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid, uuid}}
	}
	return c, nil
}

func (s *Service) addCharacteristic(info CharacteristicInfo) {
	uuid := NormalizeUUID(info.UUID)
	s.chars.Set(uuid, &Characteristic{
		uuid:       uuid,
		knownName:  bledb.LookupCharacteristic(info.UUID),
		properties: info.Properties,
		service:    s,
	})
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	uuid       string
	knownName  string
	properties string
	service    *Service
}

func (c *Characteristic) UUID() string       { return c.uuid }
func (c *Characteristic) KnownName() string  { return c.knownName }
func (c *Characteristic) Properties() string { return c.properties }
func (c *Characteristic) Service() *Service  { return c.service }

// Profile is the discovered service tree of a peripheral, keyed by
// normalized UUID in platform report order.
type Profile struct {
	services *orderedmap.OrderedMap[string, *Service]
}

func newProfile() *Profile {
	return &Profile{services: orderedmap.New[string, *Service]()}
}

func newService(info ServiceInfo) *Service {
	uuid := NormalizeUUID(info.UUID)
	return &Service{
		uuid:      uuid,
		knownName: bledb.LookupService(info.UUID),
		chars:     orderedmap.New[string, *Characteristic](),
	}
}

// adopt indexes a completed discovery's services. Only called for
// successful operations so a failed walk never leaves a partial profile.
func (p *Profile) adopt(services []*Service) {
	for _, svc := range services {
		p.services.Set(svc.uuid, svc)
	}
}

// discoveryOp is one in-flight service/characteristic discovery. At most
// one exists per peripheral; a second request while it is pending fails
// with ErrDiscoveryInProgress.
type discoveryOp struct {
	withChars bool
	services  []*Service // platform report order
	next      int        // index of the service awaiting characteristics
	result    chan discoveryResult
}

type discoveryResult struct {
	services []*Service
	err      error
}

// Services returns the peripheral's discovered services in platform report
// order, from the most recent successful discovery.
func (p *Peripheral) Services() []*Service {
	var result []*Service
	p.mgr.dispatchWait(func() {
		result = make([]*Service, 0, p.profile.services.Len())
		for pair := p.profile.services.Oldest(); pair != nil; pair = pair.Next() {
			result = append(result, pair.Value)
		}
	})
	return result
}

// Service looks up a discovered service by UUID.
func (p *Peripheral) Service(uuid string) (*Service, error) {
	var svc *Service
	var ok bool
	p.mgr.dispatchWait(func() {
		svc, ok = p.profile.services.Get(NormalizeUUID(uuid))
	})
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// DiscoverServices enumerates the peripheral's services, or the given
// subset. Fails immediately with ErrNotConnected while not connected.
func (p *Peripheral) DiscoverServices(ctx context.Context, uuids []string) ([]*Service, error) {
	return p.discover(ctx, uuids, false)
}

// DiscoverProfile enumerates services and then walks them in report order,
// discovering each service's characteristics. The first service whose
// characteristic discovery fails aborts the remaining sequence and fails
// the whole operation with that error. Zero discovered services fail with
// ErrNoServicesFound.
func (p *Peripheral) DiscoverProfile(ctx context.Context, uuids []string) ([]*Service, error) {
	return p.discover(ctx, uuids, true)
}

func (p *Peripheral) discover(ctx context.Context, uuids []string, withChars bool) ([]*Service, error) {
	ch := make(chan discoveryResult, 1)
	p.mgr.dispatch(func() {
		if p.state != Connected {
			ch <- discoveryResult{err: fmt.Errorf("%w: discovery requires a connected peripheral", ErrNotConnected)}
			return
		}
		if p.disc != nil {
			ch <- discoveryResult{err: ErrDiscoveryInProgress}
			return
		}
		op := &discoveryOp{withChars: withChars, result: ch}
		p.disc = op
		if err := p.mgr.adapter.DiscoverServices(p.id, uuids); err != nil {
			p.disc = nil
			ch <- discoveryResult{err: NormalizeError(err)}
		}
	})

	select {
	case r := <-ch:
		return r.services, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleServicesDiscovered indexes the reported services and either
// completes the operation or starts the characteristic walk. Run-loop only.
func (p *Peripheral) handleServicesDiscovered(infos []ServiceInfo, err error) {
	op := p.disc
	if op == nil {
		return
	}
	if err != nil {
		p.finishDiscovery(nil, NormalizeError(err))
		return
	}

	op.services = make([]*Service, 0, len(infos))
	for _, info := range infos {
		op.services = append(op.services, newService(info))
	}
	p.mgr.logger.WithFields(logrus.Fields{
		"address":  p.id,
		"services": len(op.services),
	}).Debug("Services discovered")

	if !op.withChars {
		p.finishDiscovery(op.services, nil)
		return
	}
	if len(op.services) == 0 {
		p.finishDiscovery(nil, fmt.Errorf("%w: peripheral %s", ErrNoServicesFound, p.id))
		return
	}
	p.discoverNextCharacteristics(op)
}

// handleCharacteristicsDiscovered indexes one service's characteristics
// and advances the walk. Run-loop only.
func (p *Peripheral) handleCharacteristicsDiscovered(serviceUUID string, infos []CharacteristicInfo, err error) {
	op := p.disc
	if op == nil || !op.withChars || op.next >= len(op.services) {
		return
	}
	svc := op.services[op.next]
	if NormalizeUUID(serviceUUID) != svc.UUID() {
		p.mgr.logger.WithFields(logrus.Fields{
			"address":  p.id,
			"expected": svc.UUID(),
			"got":      serviceUUID,
		}).Debug("Ignoring characteristic result for unexpected service")
		return
	}
	if err != nil {
		p.finishDiscovery(nil, fmt.Errorf("service %s: %w", svc.UUID(), NormalizeError(err)))
		return
	}

	for _, info := range infos {
		svc.addCharacteristic(info)
	}
	op.next++
	if op.next < len(op.services) {
		p.discoverNextCharacteristics(op)
		return
	}
	p.finishDiscovery(op.services, nil)
}

func (p *Peripheral) discoverNextCharacteristics(op *discoveryOp) {
	svc := op.services[op.next]
	if err := p.mgr.adapter.DiscoverCharacteristics(p.id, svc.UUID()); err != nil {
		p.finishDiscovery(nil, fmt.Errorf("service %s: %w", svc.UUID(), NormalizeError(err)))
	}
}

// finishDiscovery completes the in-flight operation exactly once. Run-loop
// only.
func (p *Peripheral) finishDiscovery(services []*Service, err error) {
	op := p.disc
	if op == nil {
		return
	}
	p.disc = nil
	if err == nil {
		p.profile.adopt(services)
	}
	op.result <- discoveryResult{services: services, err: err}
}
