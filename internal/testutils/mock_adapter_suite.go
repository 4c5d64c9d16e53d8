package testutils

import (
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blecentral/internal/central"
)

// MockAdapterSuite provides a reusable test suite wired to a MockAdapter.
// SetupTest builds a fresh adapter and manager per test; suites that need
// a custom peripheral profile configure s.Adapter before calling the
// parent SetupTest.
//
//	type ConnectSuite struct {
//	    testutils.MockAdapterSuite
//	}
//
//	func (s *ConnectSuite) SetupTest() {
//	    s.Adapter = testutils.NewMockAdapter().
//	        WithPeripheral("AA:BB:CC:DD:EE:FF", "HeartRate", -40).
//	        HoldConnects()
//	    s.MockAdapterSuite.SetupTest()
//	}
type MockAdapterSuite struct {
	suite.Suite

	Helper  *TestHelper
	Adapter *MockAdapter
	Manager *central.Manager
}

func (s *MockAdapterSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
}

func (s *MockAdapterSuite) SetupTest() {
	if s.Adapter == nil {
		s.Adapter = NewMockAdapter()
	}
	mgr, err := central.NewManager(s.Adapter, s.Helper.Logger)
	s.Require().NoError(err, "manager MUST start")
	s.Manager = mgr
}

func (s *MockAdapterSuite) TearDownTest() {
	if s.Manager != nil {
		_ = s.Manager.Close()
		s.Manager = nil
	}
	s.Adapter = nil
}

// Discover injects an advertisement and returns the resulting peripheral
// record from the registry. Discoveries only index during an active scan,
// so one is started if needed (StartScanning is idempotent).
func (s *MockAdapterSuite) Discover(adv central.Advertisement) *central.Peripheral {
	_, err := s.Manager.StartScanning(nil)
	s.Require().NoError(err, "scan MUST be active for discovery")
	s.Adapter.Sink().PeripheralDiscovered(adv)
	return s.WaitPeripheral(adv.Addr())
}

// WaitPeripheral polls the registry until the record appears.
func (s *MockAdapterSuite) WaitPeripheral(id string) *central.Peripheral {
	deadline := time.Now().Add(WaitTimeout)
	for time.Now().Before(deadline) {
		if p, ok := s.Manager.Peripheral(id); ok {
			return p
		}
		time.Sleep(time.Millisecond)
	}
	s.Require().FailNowf("peripheral not indexed", "peripheral %s MUST be indexed", id)
	return nil
}

// WaitEvent receives the next connection event or fails the test.
func (s *MockAdapterSuite) WaitEvent(events *central.ConnectionEvents) central.ConnectionEvent {
	select {
	case ev, ok := <-events.C():
		s.Require().True(ok, "event stream MUST not be closed while waiting for an event")
		return ev
	case <-time.After(WaitTimeout):
		s.Require().FailNow("timed out waiting for connection event")
		return central.ConnectionEvent{}
	}
}

// WaitState polls until the peripheral reaches the wanted state.
func (s *MockAdapterSuite) WaitState(p *central.Peripheral, want central.ConnectionState) {
	deadline := time.Now().Add(WaitTimeout)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	s.Require().FailNowf("state not reached", "peripheral MUST reach state %s, still %s", want, p.State())
}
