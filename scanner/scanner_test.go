package scanner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/thermobridge/internal/device"
	"github.com/srg/thermobridge/internal/testutils"
	"github.com/srg/thermobridge/scanner"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"
)

const (
	thermometerAddr = "A4:C1:38:5E:00:01"
	otherProbeAddr  = "A4:C1:38:5E:00:02"
	headphonesAddr  = "11:22:33:44:55:66"
)

type ScannerTestSuite struct {
	suitelib.Suite

	central *testutils.FakeCentral
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.central = testutils.NewFakeCentral(
		testutils.NewAdvertisementBuilder(headphonesAddr).
			WithName("Headphones").
			WithRSSI(-40).
			WithServices("180F").
			WithConnectable(true).
			Build(),
		testutils.NewAdvertisementBuilder(otherProbeAddr).
			WithName("iBBQ").
			WithRSSI(-80).
			WithServices("0000fff0-0000-1000-8000-00805f9b34fb").
			Build(),
		testutils.NewAdvertisementBuilder(thermometerAddr).
			WithName("iBBQ").
			WithRSSI(-70).
			WithServices("FFF0").
			WithConnectable(true).
			Build(),
		// Scan response from the same thermometer without a name.
		testutils.NewAdvertisementBuilder(thermometerAddr).
			WithRSSI(-65).
			WithServices("fff0").
			Build(),
	)
}

func (suite *ScannerTestSuite) newScanner() *scanner.Scanner {
	s, err := scanner.NewScanner(suite.central, testutils.NewTestLogger(suite.T()))
	suite.Require().NoError(err)
	return s
}

func (suite *ScannerTestSuite) TestScanOrdersTargetFirst() {
	// GOAL: Verify scan results put the configured thermometer first, then other thermometers
	//
	// TEST SCENARIO: Four advertisements from three devices → three entries, target first, names kept

	var phases []string
	entries, err := suite.newScanner().Scan(context.Background(), &scanner.ScanOptions{
		Duration:        20 * time.Millisecond,
		DuplicateFilter: true,
		Target:          "a4:c1:38:5e:00:01",
	}, func(phase string) { phases = append(phases, phase) })

	suite.Require().NoError(err)
	suite.Require().Len(entries, 3, "duplicate advertisements MUST collapse into one entry")

	suite.Assert().Equal(thermometerAddr, entries[0].Address)
	suite.Assert().True(entries[0].Target)
	suite.Assert().True(entries[0].Thermometer)
	suite.Assert().Equal("iBBQ", entries[0].Name, "a nameless scan response MUST NOT erase the name")
	suite.Assert().Equal(-65, entries[0].RSSI, "the latest advertisement MUST win")

	suite.Assert().Equal(otherProbeAddr, entries[1].Address)
	suite.Assert().True(entries[1].Thermometer, "128-bit base UUIDs MUST be recognised as the probe service")
	suite.Assert().False(entries[1].Target)

	suite.Assert().Equal(headphonesAddr, entries[2].Address)
	suite.Assert().False(entries[2].Thermometer)

	suite.Assert().Equal([]string{scanner.PhaseScanning, scanner.PhaseProcessing}, phases)

	_, stops, active := suite.central.ScanCounts()
	suite.Assert().Equal(1, stops)
	suite.Assert().Zero(active, "scan MUST be stopped when the duration elapses")
}

func (suite *ScannerTestSuite) TestThermometersOnly() {
	entries, err := suite.newScanner().Scan(context.Background(), &scanner.ScanOptions{
		Duration:         20 * time.Millisecond,
		ThermometersOnly: true,
	}, nil)

	suite.Require().NoError(err)
	suite.Require().Len(entries, 2)
	for _, e := range entries {
		suite.Assert().True(e.Thermometer, "%s MUST advertise the probe service", e.Address)
	}
}

func (suite *ScannerTestSuite) TestEvents() {
	s := suite.newScanner()

	_, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 20 * time.Millisecond}, nil)
	suite.Require().NoError(err)

	var news, updates int
	for len(s.Events()) > 0 {
		ev := <-s.Events()
		switch ev.Type {
		case scanner.EventNew:
			news++
		case scanner.EventUpdated:
			updates++
		}
	}
	suite.Assert().Equal(3, news)
	suite.Assert().Equal(1, updates)
}

func (suite *ScannerTestSuite) TestCancelledScanReturnsResults() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	entries, err := suite.newScanner().Scan(ctx, &scanner.ScanOptions{}, nil)

	suite.Assert().ErrorIs(err, context.Canceled)
	suite.Assert().Len(entries, 3, "devices seen before cancellation MUST still be returned")
}

func (suite *ScannerTestSuite) TestScanError() {
	suite.central.WithScanError(errors.New("Bluetooth is turned off"))

	_, err := suite.newScanner().Scan(context.Background(), nil, nil)

	suite.Assert().ErrorIs(err, device.ErrBluetoothOff)
}

func TestNewScanner_RequiresCentral(t *testing.T) {
	_, err := scanner.NewScanner(nil, nil)
	require.Error(t, err)
}

func TestSortEntries(t *testing.T) {
	entries := []scanner.DeviceEntry{
		{Address: "B", RSSI: -50},
		{Address: "A", RSSI: -50},
		{Address: "C", RSSI: -90, Thermometer: true},
		{Address: "D", RSSI: -99, Target: true},
	}

	scanner.SortEntries(entries)

	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = e.Address
	}
	require.Equal(t, []string{"D", "C", "A", "B"}, got)
}

func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}
