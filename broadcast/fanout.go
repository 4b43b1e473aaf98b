package broadcast

import (
	"context"
	"errors"
)

// Fanout publishes to every wrapped publisher and reports all failures.
// Publishers are called in order; a failing one does not stop the rest.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, topic string, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
