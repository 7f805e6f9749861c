package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// connectAttempts bounds how long startup waits for a dependency container.
const connectAttempts = 5

// waitReady pings until the dependency answers, backing off one more second
// per attempt.
func waitReady(ctx context.Context, name string, ping func(context.Context) error, log zerolog.Logger) error {
	for attempt := 1; ; attempt++ {
		err := ping(ctx)
		if err == nil {
			return nil
		}
		if attempt == connectAttempts {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msgf("%s not ready, retrying", name)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
}
