package sink

import (
	"context"
	"errors"

	"github.com/ridelink/sensor-hub/pkg/orchestrator"
)

// Multi publishes every event to each of its sinks in turn. A failing sink does not stop the
// others; their errors are joined.
type Multi []orchestrator.Sink

func (m Multi) Publish(ctx context.Context, ev orchestrator.Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
