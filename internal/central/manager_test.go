package central_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/testutils"
)

// ScanTestSuite exercises scan sessions and the peripheral registry.
type ScanTestSuite struct {
	testutils.MockAdapterSuite
}

func (suite *ScanTestSuite) waitScanStopped() {
	deadline := time.Now().Add(testutils.WaitTimeout)
	for time.Now().Before(deadline) {
		if !suite.Adapter.Scanning() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	suite.Require().FailNow("adapter MUST stop scanning")
}

func (suite *ScanTestSuite) TestStartScanningIsIdempotent() {
	// GOAL: Verify a second startScanning while active returns the same stream
	//
	// TEST SCENARIO: Start scan twice → same stream instance → only one platform scan started

	first, err := suite.Manager.StartScanning(nil)
	suite.Require().NoError(err, "scan MUST start while powered on")

	second, err := suite.Manager.StartScanning(nil)
	suite.Require().NoError(err)

	suite.Assert().Same(first, second, "second startScanning MUST return the existing stream")
	suite.Assert().Equal(1, suite.Adapter.ScanStarts(), "MUST only start one platform scan")
}

func (suite *ScanTestSuite) TestDiscoveryEmitsOncePerPeripheral() {
	// GOAL: Verify rediscovery of an indexed peripheral does not re-emit
	//
	// TEST SCENARIO: Same advertisement delivered twice → one stream emission → record updated in place

	stream, err := suite.Manager.StartScanning(nil)
	suite.Require().NoError(err)

	suite.Adapter.Sink().PeripheralDiscovered(testutils.NewMockAdvertisement("Sensor", testAddress, -50))
	p := <-stream.C()
	suite.Require().Equal(testAddress, p.ID(), "discovered peripheral MUST be emitted")

	// Redeliver with a fresh RSSI
	suite.Adapter.Sink().PeripheralDiscovered(testutils.NewMockAdvertisement("Sensor", testAddress, -42))

	select {
	case again := <-stream.C():
		suite.FailNowf("unexpected emission", "rediscovery MUST NOT re-emit, got %v", again)
	case <-time.After(50 * time.Millisecond):
	}

	deadline := time.Now().Add(testutils.WaitTimeout)
	for p.RSSI() != -42 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	suite.Assert().Equal(-42, p.RSSI(), "rediscovery MUST update the record's RSSI")
	suite.Assert().Len(suite.Manager.Peripherals(), 1, "registry MUST hold a single record")
}

func (suite *ScanTestSuite) TestScanTimeoutWithNoDiscoveries() {
	// GOAL: Verify an empty scan session fails with ScanTimeout and stops scanning
	//
	// TEST SCENARIO: Scan with a short timeout, nothing discovered → stream fails with ScanTimeout → platform scan stopped

	stream, err := suite.Manager.StartScanning(&central.ScanOptions{Timeout: 50 * time.Millisecond})
	suite.Require().NoError(err)

	select {
	case _, ok := <-stream.C():
		suite.Require().False(ok, "stream MUST close without emitting")
	case <-time.After(testutils.WaitTimeout):
		suite.Require().FailNow("stream MUST close on scan timeout")
	}

	suite.Assert().ErrorIs(stream.Err(), central.ErrScanTimeout, "empty session MUST fail with ScanTimeout")
	suite.waitScanStopped()
}

func (suite *ScanTestSuite) TestScanTimeoutWithDiscoveries() {
	// GOAL: Verify a timeout after discoveries merely stops the scan
	//
	// TEST SCENARIO: Scan with a short timeout, one peripheral found → stream closes cleanly without error

	stream, err := suite.Manager.StartScanning(&central.ScanOptions{Timeout: 50 * time.Millisecond})
	suite.Require().NoError(err)

	suite.Adapter.Sink().PeripheralDiscovered(testutils.NewMockAdvertisement("Sensor", testAddress, -50))
	<-stream.C()

	select {
	case _, ok := <-stream.C():
		suite.Require().False(ok, "stream MUST close on timeout")
	case <-time.After(testutils.WaitTimeout):
		suite.Require().FailNow("stream MUST close on scan timeout")
	}

	suite.Assert().NoError(stream.Err(), "session with discoveries MUST NOT fail on timeout")
	suite.waitScanStopped()
}

func (suite *ScanTestSuite) TestStaleScanTimeoutIgnored() {
	// GOAL: Verify a superseded session's timeout cannot kill a newer scan
	//
	// TEST SCENARIO: Start scan with short timeout, stop it, start a fresh one → old timer fires → new stream unaffected

	_, err := suite.Manager.StartScanning(&central.ScanOptions{Timeout: 50 * time.Millisecond})
	suite.Require().NoError(err)
	suite.Require().NoError(suite.Manager.StopScanning())

	stream, err := suite.Manager.StartScanning(nil)
	suite.Require().NoError(err)

	// Old session's timer fires here
	time.Sleep(120 * time.Millisecond)

	select {
	case _, ok := <-stream.C():
		suite.Require().True(ok, "fresh stream MUST NOT be closed by a stale timeout")
	default:
	}
	suite.Assert().True(suite.Adapter.Scanning(), "fresh scan MUST still be running")
}

func (suite *ScanTestSuite) TestScanFilters() {
	// GOAL: Verify allow/block list filtering of discovered peripherals
	//
	// TEST SCENARIO: Scan with a block list → blocked advertisement dropped → others emitted

	stream, err := suite.Manager.StartScanning(&central.ScanOptions{
		BlockList: []string{"11:11:11:11:11:11"},
	})
	suite.Require().NoError(err)

	suite.Adapter.Sink().PeripheralDiscovered(testutils.NewMockAdvertisement("Blocked", "11:11:11:11:11:11", -50))
	suite.Adapter.Sink().PeripheralDiscovered(testutils.NewMockAdvertisement("Wanted", testAddress, -50))

	p := <-stream.C()
	suite.Assert().Equal(testAddress, p.ID(), "only the non-blocked peripheral MUST be emitted")
}

func (suite *ScanTestSuite) TestStopScanningClosesStream() {
	// GOAL: Verify stopScanning ends the session cleanly
	//
	// TEST SCENARIO: Start scan → stop → stream closed without error → second stop is a no-op

	stream, err := suite.Manager.StartScanning(nil)
	suite.Require().NoError(err)

	suite.Require().NoError(suite.Manager.StopScanning())
	suite.Require().NoError(suite.Manager.StopScanning(), "stopping with no active scan MUST be a no-op")

	_, ok := <-stream.C()
	suite.Assert().False(ok, "stream MUST be closed after stopScanning")
	suite.Assert().NoError(stream.Err(), "stopped session MUST NOT carry an error")
}

// PowerTestSuite exercises adapter power-state gating.
type PowerTestSuite struct {
	testutils.MockAdapterSuite
}

func (suite *PowerTestSuite) SetupTest() {
	suite.Adapter = testutils.NewMockAdapter().
		WithInitialState(central.StatePoweredOff)
	suite.MockAdapterSuite.SetupTest()
}

func (suite *PowerTestSuite) TestScanRequiresPower() {
	// GOAL: Verify startScanning fails immediately while powered off
	//
	// TEST SCENARIO: Adapter powered off → startScanning → PoweredOff error, no platform scan

	_, err := suite.Manager.StartScanning(nil)
	suite.Assert().ErrorIs(err, central.ErrPoweredOff, "scan while powered off MUST fail with PoweredOff")
	suite.Assert().Equal(0, suite.Adapter.ScanStarts(), "MUST NOT start a platform scan")
}

func (suite *PowerTestSuite) TestWhenPoweredOnWaits() {
	// GOAL: Verify whenPoweredOn resolves exactly once when the state arrives
	//
	// TEST SCENARIO: Waiter registered while powered off → power-on notification → waiter resolves

	done := make(chan error, 1)
	go func() {
		done <- suite.Manager.WhenPoweredOn(context.Background())
	}()

	select {
	case <-done:
		suite.FailNow("waiter MUST NOT resolve before power-on")
	case <-time.After(50 * time.Millisecond):
	}

	suite.Adapter.Sink().AdapterStateChanged(central.StatePoweredOn)

	select {
	case err := <-done:
		suite.Assert().NoError(err, "waiter MUST resolve without error on power-on")
	case <-time.After(testutils.WaitTimeout):
		suite.FailNow("waiter MUST resolve on power-on")
	}
}

func (suite *PowerTestSuite) TestWhenPoweredOffImmediate() {
	// GOAL: Verify a waiter for the current state resolves synchronously
	//
	// TEST SCENARIO: Adapter already powered off → whenPoweredOff → immediate nil

	err := suite.Manager.WhenPoweredOff(context.Background())
	suite.Assert().NoError(err, "waiter for the current state MUST resolve immediately")
}

func (suite *PowerTestSuite) TestUnsupportedFailsWaiters() {
	// GOAL: Verify a terminal adapter state fails pending waiters
	//
	// TEST SCENARIO: Waiter pending → adapter reports Unsupported → waiter fails with Unsupported

	done := make(chan error, 1)
	go func() {
		done <- suite.Manager.WhenPoweredOn(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	suite.Adapter.Sink().AdapterStateChanged(central.StateUnsupported)

	select {
	case err := <-done:
		suite.Assert().ErrorIs(err, central.ErrUnsupported, "waiter MUST fail with Unsupported")
	case <-time.After(testutils.WaitTimeout):
		suite.FailNow("waiter MUST be failed by the terminal state")
	}
}

func (suite *PowerTestSuite) TestContextCancelsWaiter() {
	// GOAL: Verify a waiter honors context cancellation
	//
	// TEST SCENARIO: Waiter pending → context cancelled → waiter returns the context error

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- suite.Manager.WhenPoweredOn(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		suite.Assert().ErrorIs(err, context.Canceled, "cancelled waiter MUST return the context error")
	case <-time.After(testutils.WaitTimeout):
		suite.FailNow("waiter MUST honor cancellation")
	}
}

func (suite *PowerTestSuite) TestPowerOffEndsScan() {
	// GOAL: Verify losing power ends an active scan session
	//
	// TEST SCENARIO: Scan running → adapter powers off → stream fails with PoweredOff

	suite.Adapter.Sink().AdapterStateChanged(central.StatePoweredOn)
	suite.Require().NoError(suite.Manager.WhenPoweredOn(context.Background()))

	stream, err := suite.Manager.StartScanning(nil)
	suite.Require().NoError(err)

	suite.Adapter.Sink().AdapterStateChanged(central.StatePoweredOff)

	select {
	case _, ok := <-stream.C():
		suite.Require().False(ok, "stream MUST close when power is lost")
	case <-time.After(testutils.WaitTimeout):
		suite.FailNow("stream MUST close when power is lost")
	}
	suite.Assert().ErrorIs(stream.Err(), central.ErrPoweredOff, "scan ended by power loss MUST report PoweredOff")
}

func (suite *PowerTestSuite) TestCloseFailsWaiters() {
	// GOAL: Verify closing the manager fails pending waiters
	//
	// TEST SCENARIO: Waiter pending → manager closed → waiter fails with Closed

	done := make(chan error, 1)
	go func() {
		done <- suite.Manager.WhenPoweredOn(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	suite.Require().NoError(suite.Manager.Close())

	select {
	case err := <-done:
		suite.Assert().ErrorIs(err, central.ErrClosed, "waiter MUST fail when the manager closes")
	case <-time.After(testutils.WaitTimeout):
		suite.FailNow("waiter MUST be failed on close")
	}
}

// RestoreTestSuite covers state restoration notifications.
type RestoreTestSuite struct {
	testutils.MockAdapterSuite
}

func (suite *RestoreTestSuite) TestRestoredPeripheralsIndexed() {
	// GOAL: Verify restored connections create registry records
	//
	// TEST SCENARIO: Platform restores two peripherals → both indexed → no advertisement data attached

	suite.Adapter.Sink().StateRestored([]string{testAddress, "22:22:22:22:22:22"}, nil)

	p := suite.WaitPeripheral(testAddress)
	suite.Assert().Nil(p.Advertisement(), "restored record MUST NOT have advertisement data")
	suite.WaitPeripheral("22:22:22:22:22:22")
	suite.Assert().Len(suite.Manager.Peripherals(), 2, "both restored peripherals MUST be indexed")
}

func TestScanSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}

func TestPowerSuite(t *testing.T) {
	suite.Run(t, new(PowerTestSuite))
}

func TestRestoreSuite(t *testing.T) {
	suite.Run(t, new(RestoreTestSuite))
}
