package app

import "time"

// nextDelay returns the time until the next multiple of interval, so ticks land on whole intervals of the wall clock.
func nextDelay(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = time.Second
	}
	next := now.Truncate(interval).Add(interval)
	return next.Sub(now)
}
