package rpc

import "time"

// Backoff produces the reconnect delay schedule: Base doubling per
// attempt, capped at Max.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Attempt returns how many delays have been handed out since the last
// reset. The connection stops scheduling reconnects once this reaches
// its attempt limit.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
