// Package reconnect decides whether, and after what delay, a session
// retries its connection after an abnormal closure.
package reconnect

import "time"

// Config configures reconnection with capped exponential backoff.
type Config struct {
	MaxAttempts int           // consecutive attempts before giving up
	BaseDelay   time.Duration // delay before the first attempt
	MaxDelay    time.Duration // upper bound on any single delay
}

// DefaultConfig returns 3 attempts starting at 1s, capped at 10s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// Policy tracks consecutive reconnection attempts. It is not safe for
// concurrent use; the owning transport serializes access.
type Policy struct {
	cfg      Config
	attempts int
}

// New creates a policy. Zero fields in cfg take their DefaultConfig values.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Delay returns min(BaseDelay * 2^(attempt-1), MaxDelay) for a 1-based attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= p.cfg.MaxDelay/2 {
			return p.cfg.MaxDelay
		}
		delay *= 2
	}
	if delay > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return delay
}

// Next records an attempt and returns its delay. It returns false once
// MaxAttempts consecutive attempts have been made; the counter then stays
// exhausted until Reset.
func (p *Policy) Next() (time.Duration, bool) {
	if p.attempts >= p.cfg.MaxAttempts {
		return 0, false
	}
	p.attempts++
	return p.Delay(p.attempts), true
}

// Reset clears the attempt counter. Call it when the server confirms a connection.
func (p *Policy) Reset() {
	p.attempts = 0
}

// Attempts returns the number of attempts made since the last Reset.
func (p *Policy) Attempts() int {
	return p.attempts
}

// Exhausted reports whether no further attempt is allowed.
func (p *Policy) Exhausted() bool {
	return p.attempts >= p.cfg.MaxAttempts
}
