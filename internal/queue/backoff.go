package queue

import "time"

// NoTargetDelay is how long an item waits after being claimed while its
// conversation has no open request to deliver into.
const NoTargetDelay = 3 * time.Second

// NextBackoff returns the delay before retrying a failed delivery:
// exponential in the attempt count, floored at one second and capped at one
// minute. attempts is the count after the failure being scheduled.
func NextBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Second
	for i := 0; i < attempts && d < time.Minute; i++ {
		d *= 2
	}
	if d < time.Second {
		d = time.Second
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
