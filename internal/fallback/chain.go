// Package fallback runs an ordered list of strategies until one succeeds.
package fallback

import (
	"context"
	"errors"
	"fmt"
)

// ErrExhausted is returned (joined with each strategy's error) when every
// strategy failed.
var ErrExhausted = errors.New("fallback: all strategies failed")

// Strategy is one way of producing a T.
type Strategy[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Chain tries strategies in order. Abort, when set, stops the chain early for
// errors no later strategy could fix.
type Chain[T any] struct {
	Strategies []Strategy[T]
	Abort      func(error) bool
	// OnFailure observes each failed attempt.
	OnFailure func(name string, err error)
}

// Run returns the first successful value and the name of the strategy that
// produced it.
func (c Chain[T]) Run(ctx context.Context) (T, string, error) {
	var zero T
	errs := make([]error, 0, len(c.Strategies)+1)
	errs = append(errs, ErrExhausted)

	for _, s := range c.Strategies {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}

		v, err := s.Run(ctx)
		if err == nil {
			return v, s.Name, nil
		}
		if c.OnFailure != nil {
			c.OnFailure(s.Name, err)
		}
		if c.Abort != nil && c.Abort(err) {
			return zero, s.Name, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	return zero, "", errors.Join(errs...)
}
