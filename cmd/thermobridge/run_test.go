package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/srg/thermobridge/internal/device"
	"github.com/stretchr/testify/suite"
)

type RunCommandTestSuite struct {
	CommandTestSuite
}

func (s *RunCommandTestSuite) restArgs(extra ...string) []string {
	args := []string{"run", "--address", TestDeviceAddress1, "--sink", "rest", "--api-url", s.API.URL}
	return append(args, extra...)
}

func (s *RunCommandTestSuite) TestFatalAdapterError() {
	// GOAL: Verify a non-recoverable adapter failure ends the command with the open phase marked FAILED
	//
	// TEST SCENARIO: Adapter fails with an unknown HCI error → no retry → "FAILED" → transport error

	s.Adapter.WithError(errors.New("hci0: permission denied"))

	out, err := s.ExecuteCommand(rootCmd, s.restArgs()...)

	s.Require().Error(err)
	s.Assert().ErrorIs(err, device.ErrTransport)
	s.Assert().Equal("Waiting for Bluetooth... FAILED\n", out)
	s.Assert().Equal(1, s.Adapter.CloseCalls(), "adapter MUST be released on exit")
}

func (s *RunCommandTestSuite) TestRetriesWhileBluetoothIsOff() {
	// GOAL: Verify Bluetooth being off is retried and every attempt is reported
	//
	// TEST SCENARIO: Adapter reports Bluetooth off twice → retry message between attempts → give up after max attempts

	s.Adapter.WithError(device.ErrBluetoothOff)

	out, err := s.ExecuteCommand(rootCmd, s.restArgs("--retry-delay", "0s", "--max-attempts", "2")...)

	s.Require().Error(err)
	s.Assert().ErrorContains(err, "giving up after 2 attempts")
	s.Assert().True(device.IsDeviceNotFound(err))

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	s.Require().Len(lines, 4, "output was:\n%s", out)
	s.Assert().Equal("Waiting for Bluetooth... FAILED", lines[0])
	s.Assert().Contains(lines[1], "Bluetooth is not available")
	s.Assert().Equal("Retrying in 0s", lines[2])
	s.Assert().Equal("Waiting for Bluetooth... FAILED", lines[3])
	s.Assert().Len(s.Adapter.Calls(), 2)
}

func (s *RunCommandTestSuite) TestEnvironmentConfiguresTheBridge() {
	s.Env["SENSOR_MAC_ADDRESS"] = TestDeviceAddress2
	s.Env["SINK"] = "rest"
	s.Env["API_URL"] = s.API.URL
	s.Adapter.WithError(errors.New("hci0: permission denied"))

	_, err := s.ExecuteCommand(rootCmd, "run")

	s.Assert().ErrorIs(err, device.ErrTransport, "a valid environment MUST get the bridge as far as the adapter")
}

func (s *RunCommandTestSuite) TestInvalidConfiguration() {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing address", []string{"run", "--sink", "rest", "--api-url", "http://ha"}, "thermometer address is required"},
		{"rest without url", []string{"run", "--address", TestDeviceAddress1, "--sink", "rest"}, "api url is required"},
		{"unknown sink", []string{"run", "--address", TestDeviceAddress1, "--sink", "kafka"}, `unknown sink "kafka"`},
		{"bad log level", []string{"run", "--address", TestDeviceAddress1, "--sink", "rest", "--api-url", "http://ha", "--log-level", "loud"}, "invalid log_level"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resetFlags(rootCmd)

			_, err := s.ExecuteCommand(rootCmd, tt.args...)

			s.Assert().ErrorContains(err, tt.wantErr)
			s.Assert().Empty(s.Adapter.Calls(), "invalid configuration MUST NOT touch Bluetooth")
		})
	}
}

func TestRunCommandTestSuite(t *testing.T) {
	suite.Run(t, new(RunCommandTestSuite))
}
