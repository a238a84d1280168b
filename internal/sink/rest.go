package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/thermometer"
)

const defaultRESTTimeout = 10 * time.Second

// AuthScheme selects how the API key is sent.
type AuthScheme string

const (
	// AuthLegacy sends the key in the x-ha-access header.
	AuthLegacy AuthScheme = "legacy"
	// AuthBearer sends a long-lived access token as a bearer token.
	AuthBearer AuthScheme = "bearer"
)

// RESTConfig describes the Home Assistant REST API endpoint.
type RESTConfig struct {
	BaseURL string
	APIKey  string
	Auth    AuthScheme
	// EntityPrefix names the sensors, "bluetooth_probe" gives sensor.bluetooth_probe_1.
	EntityPrefix string
	Timeout      time.Duration
}

// stateUpdate is the body of POST /api/states/<entity_id>.
type stateUpdate struct {
	State      int             `json:"state"`
	Attributes stateAttributes `json:"attributes"`
}

type stateAttributes struct {
	FriendlyName      string `json:"friendly_name"`
	UnitOfMeasurement string `json:"unit_of_measurement"`
	DeviceClass       string `json:"device_class"`
}

// RESTSink sets one Home Assistant sensor state per present probe.
type RESTSink struct {
	cfg        RESTConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewRESTSink(cfg RESTConfig, logger *logrus.Logger) *RESTSink {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Auth == "" {
		cfg.Auth = AuthLegacy
	}
	if cfg.EntityPrefix == "" {
		cfg.EntityPrefix = "bluetooth_probe"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRESTTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RESTSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Publish posts every present probe. Absent probes are skipped so Home
// Assistant keeps their last known state.
func (s *RESTSink) Publish(ctx context.Context, r thermometer.ProbeReading) error {
	var errs []error
	for i, t := range r {
		value, ok := t.Value()
		if !ok {
			continue
		}
		probe := i + 1
		entity := fmt.Sprintf("sensor.%s_%d", s.cfg.EntityPrefix, probe)
		body := stateUpdate{
			State: value,
			Attributes: stateAttributes{
				FriendlyName:      fmt.Sprintf("Bluetooth Probe %d", probe),
				UnitOfMeasurement: "°C",
				DeviceClass:       "temperature",
			},
		}
		if err := s.post(ctx, "/api/states/"+entity, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Finish is a no-op: sensor states stay at their last value.
func (s *RESTSink) Finish(context.Context, error) error {
	return nil
}

func (s *RESTSink) post(ctx context.Context, path string, data any) error {
	reqBody, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	switch s.cfg.Auth {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	default:
		req.Header.Set("x-ha-access", s.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API error %d on %s: %s", resp.StatusCode, path, strings.TrimSpace(string(body)))
	}

	s.logger.WithField("path", path).Debug("State updated")
	return nil
}
