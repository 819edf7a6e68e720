package watchsync

import "time"

// backoffDelay computes the reconnect delay for attempt n (0-based):
// min(base·2ⁿ, cap) jittered by ±jitter·u around the nominal value, with u
// drawn uniform from [0,1).
func backoffDelay(base, cap time.Duration, jitter float64, n int, u float64) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	scale := 1 - jitter + 2*jitter*u
	return time.Duration(float64(d) * scale)
}
