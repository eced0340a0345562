package stream

import "time"

// Backoff produces exponentially growing delays between reconnect
// attempts, capped at Max.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// NewBackoff returns a backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay for the upcoming attempt and advances the
// counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	return d
}

// Attempts returns how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset restarts the sequence after a healthy connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
