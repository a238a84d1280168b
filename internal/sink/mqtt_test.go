package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/srg/thermobridge/internal/testutils"
	"github.com/srg/thermobridge/internal/thermometer"
	"github.com/stretchr/testify/suite"
)

// fakePublisher records every message instead of talking to a broker.
type fakePublisher struct {
	mu       sync.Mutex
	messages []*paho.Publish
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.messages = append(f.messages, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := make([]string, len(f.messages))
	for i, m := range f.messages {
		topics[i] = m.Topic
	}
	return topics
}

func (f *fakePublisher) last(topic string) *paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].Topic == topic {
			return f.messages[i]
		}
	}
	return nil
}

type MQTTSinkTestSuite struct {
	suite.Suite
	pub  *fakePublisher
	sink *MQTTSink
	json *testutils.JSONAsserter
}

func (s *MQTTSinkTestSuite) SetupTest() {
	s.pub = &fakePublisher{}
	s.sink = NewMQTTSink(MQTTConfig{Host: "broker.local"}, testutils.NewTestLogger(s.T()))
	s.sink.pub = s.pub
	s.json = testutils.NewJSONAsserter(s.T())
}

func (s *MQTTSinkTestSuite) TestDefaults() {
	cfg := s.sink.cfg
	s.Assert().Equal(1883, cfg.Port)
	s.Assert().True(strings.HasPrefix(cfg.ClientID, "thermobridge-"))
	s.Assert().Len(cfg.ClientID, len("thermobridge-")+36, "client id MUST carry a UUID suffix")
	s.Assert().Equal("bluetooth_probe/state", cfg.StateTopic)
	s.Assert().Equal("bluetooth_probe/availability", cfg.AvailabilityTopic)

	other := NewMQTTSink(MQTTConfig{}, nil)
	s.Assert().NotEqual(cfg.ClientID, other.cfg.ClientID, "client ids MUST be unique per process")
}

func (s *MQTTSinkTestSuite) TestDiscovery() {
	// GOAL: Verify one retained Home Assistant sensor config is announced per probe
	//
	// TEST SCENARIO: Connection up → six discovery configs → availability online

	s.sink.announce(context.Background(), s.pub)

	topics := s.pub.topics()
	s.Require().Len(topics, thermometer.ProbeCount+1)
	for probe := 1; probe <= thermometer.ProbeCount; probe++ {
		s.Assert().Equal(fmt.Sprintf("homeassistant/sensor/bluetoothProbe%d/config", probe), topics[probe-1])
	}

	third := s.pub.last("homeassistant/sensor/bluetoothProbe3/config")
	s.Require().NotNil(third)
	s.Assert().True(third.Retain, "discovery configs MUST be retained")
	s.json.Assert(string(third.Payload), `{
		"device_class": "temperature",
		"unit_of_measurement": "°C",
		"name": "Bluetooth Probe 3",
		"unique_id": "bluetooth_probe_3",
		"state_topic": "bluetooth_probe/state",
		"availability_topic": "bluetooth_probe/availability",
		"value_template": "{{ value_json.probe_3 }}"
	}`)

	s.Assert().Equal("online", string(s.pub.last("bluetooth_probe/availability").Payload))
}

func (s *MQTTSinkTestSuite) TestPublishState() {
	// GOAL: Verify readings are published with probe keys in order and null for absent probes

	reading := thermometer.DecodeFrame([]byte{0x64, 0x00, 0xFF, 0xFF, 0x0A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})

	s.Require().NoError(s.sink.Publish(context.Background(), reading))

	msg := s.pub.last("bluetooth_probe/state")
	s.Require().NotNil(msg)
	s.Assert().Equal(`{"probe_1":10,"probe_2":null,"probe_3":1,"probe_4":0,"probe_5":0,"probe_6":0}`, string(msg.Payload),
		"state keys MUST be ordered probe_1..probe_6")
	s.Assert().True(msg.Retain)
}

func (s *MQTTSinkTestSuite) TestAvailabilityFollowsSessions() {
	// GOAL: Verify probes go unavailable when a session ends and come back with the next reading
	//
	// TEST SCENARIO: Finish → offline → Publish → online then state → Publish → state only

	s.Require().NoError(s.sink.Finish(context.Background(), errors.New("watchdog")))
	s.Assert().Equal("offline", string(s.pub.last("bluetooth_probe/availability").Payload))

	s.sink.announce(context.Background(), s.pub)
	s.Assert().Equal("offline", string(s.pub.last("bluetooth_probe/availability").Payload),
		"a reconnect MUST NOT report probes online while no session streams")

	s.Require().NoError(s.sink.Publish(context.Background(), thermometer.ProbeReading{}))
	s.Require().NoError(s.sink.Publish(context.Background(), thermometer.ProbeReading{}))

	topics := s.pub.topics()
	tail := topics[len(topics)-3:]
	s.Assert().Equal([]string{"bluetooth_probe/availability", "bluetooth_probe/state", "bluetooth_probe/state"}, tail)
	s.Assert().Equal("online", string(s.pub.last("bluetooth_probe/availability").Payload))
}

func (s *MQTTSinkTestSuite) TestErrors() {
	s.pub.err = errors.New("not connected")
	err := s.sink.Publish(context.Background(), thermometer.ProbeReading{})
	s.Assert().ErrorContains(err, "publish bluetooth_probe/state")

	unstarted := NewMQTTSink(MQTTConfig{}, testutils.NewTestLogger(s.T()))
	s.Assert().Error(unstarted.Publish(context.Background(), thermometer.ProbeReading{}))
	s.Assert().NoError(unstarted.Finish(context.Background(), nil))
	s.Assert().NoError(unstarted.Close(context.Background()))
}

func (s *MQTTSinkTestSuite) TestClose() {
	s.Require().NoError(s.sink.Close(context.Background()))

	s.Assert().Equal("offline", string(s.pub.last("bluetooth_probe/availability").Payload))
	s.Assert().Error(s.sink.Publish(context.Background(), thermometer.ProbeReading{}), "a closed sink MUST NOT publish")
}

func TestMQTTSinkTestSuite(t *testing.T) {
	suite.Run(t, new(MQTTSinkTestSuite))
}
