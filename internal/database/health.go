package database

import (
	"context"
	"errors"
	"fmt"
)

// Pinger is anything that can report liveness, e.g. *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger. Used for the redis client, whose
// Ping returns a command rather than an error.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Health pings every named dependency and joins the failures.
func Health(ctx context.Context, deps map[string]Pinger) error {
	var errs []error
	for name, p := range deps {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
