package runner

// StuckDetector counts consecutive observations with the same screen hash.
type StuckDetector struct {
	threshold int
	last      string
	count     int
}

func NewStuckDetector(threshold int) *StuckDetector {
	if threshold < 2 {
		threshold = 2
	}
	return &StuckDetector{threshold: threshold}
}

// Observe records a hash and reports whether the last threshold observations
// were identical.
func (d *StuckDetector) Observe(hash string) bool {
	if d.count > 0 && hash == d.last {
		d.count++
	} else {
		d.last, d.count = hash, 1
	}
	return d.count >= d.threshold
}

// Repeats is the length of the current run of identical hashes.
func (d *StuckDetector) Repeats() int { return d.count }
