package events

import (
	"context"
	"time"
)

// Pump delivers sub's events to write until the terminal event was written,
// the subscription is closed, ctx ends or write fails. Idle periods longer than
// keepalive produce a KindKeepalive event. The subscription is always closed
// on return.
func Pump(ctx context.Context, sub *Subscription, keepalive time.Duration, write func(Event) error) error {
	defer sub.Close()

	var tick <-chan time.Time
	if keepalive > 0 {
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := write(ev); err != nil {
				return err
			}
			if ev.Kind == KindTerminal {
				return nil
			}
		case <-tick:
			if err := write(Event{Kind: KindKeepalive, JobID: sub.JobID(), At: time.Now()}); err != nil {
				return err
			}
		}
	}
}
