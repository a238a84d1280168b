// Package sink delivers decoded probe readings to Home Assistant, either over
// MQTT with discovery or through the REST state API.
package sink

import (
	"context"
	"errors"

	"github.com/srg/thermobridge/internal/supervisor"
	"github.com/srg/thermobridge/internal/thermometer"
)

// Multi fans every call out to all sinks. One sink failing does not stop the others.
type Multi []supervisor.Sink

func (m Multi) Publish(ctx context.Context, r thermometer.ProbeReading) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Finish(ctx context.Context, cause error) error {
	var errs []error
	for _, s := range m {
		if err := s.Finish(ctx, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
