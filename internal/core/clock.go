package core

import (
	"context"
	"fmt"
	"time"
)

const ClockInterval = time.Second

// RunClock patches the current time immediately and then every interval until
// ctx is cancelled or a patch fails.
func RunClock(ctx context.Context, interval time.Duration, patch PatchFunc) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := patch(clockFragment(time.Now())); err != nil {
			return fmt.Errorf("%w: %v", ErrClientGone, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
