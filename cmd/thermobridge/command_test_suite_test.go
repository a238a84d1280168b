package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/thermobridge/internal/device"
	"github.com/srg/thermobridge/internal/testutils"
	"github.com/srg/thermobridge/pkg/config"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "A4:C1:38:5E:00:01"
	TestDeviceAddress2 = "A4:C1:38:5E:00:02"
)

// CommandTestSuite swaps the Bluetooth adapter and the environment for
// fakes so commands run end to end without hardware.
type CommandTestSuite struct {
	suite.Suite

	Adapter *testutils.FakeAdapter
	API     *httptest.Server
	Env     map[string]string

	prevAdapter func(*logrus.Logger) device.Adapter
	prevLookup  config.LookupFunc
}

func (s *CommandTestSuite) SetupTest() {
	s.Adapter = testutils.NewFakeAdapter(testutils.NewFakeCentral())
	s.API = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	s.Env = map[string]string{}
	resetFlags(rootCmd)

	s.prevAdapter, s.prevLookup = newAdapter, lookupEnv
	newAdapter = func(*logrus.Logger) device.Adapter { return s.Adapter }
	lookupEnv = func(key string) (string, bool) {
		v, ok := s.Env[key]
		return v, ok
	}
}

func (s *CommandTestSuite) TearDownTest() {
	newAdapter, lookupEnv = s.prevAdapter, s.prevLookup
	s.API.Close()
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// resetFlags undoes earlier executions; cobra commands are package globals.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
