package metrics

import "time"

// Clock measures the phases of a single submission.
// The send phase runs from start until Sent is called; the confirm phase is measured
// from SentAt by whoever observes the receipt.
type Clock struct {
	now    func() time.Time
	start  time.Time
	sentAt time.Time
}

// StartClockWith starts a clock on now, falling back to the wall clock when nil.
func StartClockWith(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now, start: now()}
}

// Sent ends the send phase and returns its duration.
// Calling it again returns the first measurement.
func (c *Clock) Sent() time.Duration {
	if c.sentAt.IsZero() {
		c.sentAt = c.now()
	}
	return c.sentAt.Sub(c.start)
}

// SentAt returns the instant the send phase ended, or the zero time if Sent was not called.
func (c *Clock) SentAt() time.Time {
	return c.sentAt
}

// Elapsed returns the time since the clock started.
func (c *Clock) Elapsed() time.Duration {
	return c.now().Sub(c.start)
}
