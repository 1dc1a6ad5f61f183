package transport

import "time"

// QualityFromRTT maps a round-trip time onto the 0..6 quality scale. Backends
// without real media stats derive both directions from it.
func QualityFromRTT(rtt time.Duration) int {
	switch {
	case rtt < 50*time.Millisecond:
		return 6
	case rtt < 100*time.Millisecond:
		return 5
	case rtt < 200*time.Millisecond:
		return 4
	case rtt < 400*time.Millisecond:
		return 3
	case rtt < 800*time.Millisecond:
		return 2
	case rtt < 1500*time.Millisecond:
		return 1
	default:
		return 0
	}
}
