package resilience

import "time"

// WithAttempts returns c with MaxAttempts set to n. Non-positive n keeps c.
func (c RetryConfig) WithAttempts(n int) RetryConfig {
	if n > 0 {
		c.MaxAttempts = n
	}
	return c
}

// Doubling is a jitter-free policy of n tries waiting initial, 2*initial and
// so on, capped at the default MaxBackoff. Non-positive values keep the
// defaults.
func Doubling(n int, initial time.Duration) RetryConfig {
	c := DefaultRetryConfig().WithAttempts(n)
	if initial > 0 {
		c.InitialBackoff = initial
	}
	c.Multiplier = 2.0
	c.JitterFraction = 0
	return c
}
