package streaming

import (
	"context"
	"errors"
)

// Sink receives a copy of every published event.
type Sink interface {
	Publish(ctx context.Context, event RunEvent) error
}

// Tee is an EventHub that forwards each event to a primary hub and to every
// sink. Subscriptions are served by the primary hub only.
type Tee struct {
	primary EventHub
	sinks   []Sink
}

func NewTee(primary EventHub, sinks ...Sink) *Tee {
	if primary == nil {
		primary = Nop{}
	}
	return &Tee{primary: primary, sinks: sinks}
}

// Publish delivers to the primary hub and then to each sink. A failing sink
// does not stop delivery to the others; all errors are joined.
func (t *Tee) Publish(ctx context.Context, event RunEvent) error {
	errs := []error{t.primary.Publish(ctx, event)}
	for _, s := range t.sinks {
		errs = append(errs, s.Publish(ctx, event))
	}
	return errors.Join(errs...)
}

func (t *Tee) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	return t.primary.Subscribe(ctx, filter)
}
