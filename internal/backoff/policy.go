// Package backoff holds the retry delay schedules used across the host:
// completion retries, prompt-channel reconnects, and container
// provisioning. A Policy is a value; callers ask it for the delay before
// a given attempt and sleep themselves.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an exponential delay schedule expressed in milliseconds.
// Each retry waits InitialMs grown by Factor once per prior attempt,
// plus a random share of Jitter (a fraction of the grown delay), capped
// at MaxMs.
type Policy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	Jitter    float64
}

// Delay returns how long to wait before the given retry. Attempts count
// from 1; anything lower is treated as the first.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

// delay keeps the jitter roll separate from the schedule so tests can
// pin it.
func (p Policy) delay(attempt int, roll float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := p.InitialMs * math.Pow(p.Factor, float64(attempt-1))
	ms += ms * p.Jitter * roll
	if ms > p.MaxMs {
		ms = p.MaxMs
	}
	return time.Duration(math.Round(ms)) * time.Millisecond
}

// CompletionPolicy is the schedule between failed completion attempts:
// 100ms doubling up to a 3s ceiling, no jitter.
func CompletionPolicy() Policy {
	return Policy{
		InitialMs: 100,
		MaxMs:     3000,
		Factor:    2,
		Jitter:    0,
	}
}

// ReconnectPolicy is the schedule for prompt-channel redials: 500ms
// doubling up to 30s with 10% jitter so restarting hosts do not dial in
// lockstep.
func ReconnectPolicy() Policy {
	return Policy{
		InitialMs: 500,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// ProvisionPolicy is the schedule for container create and start
// retries: a flat 500ms, attempts bounded by the caller.
func ProvisionPolicy() Policy {
	return Policy{
		InitialMs: 500,
		MaxMs:     500,
		Factor:    1,
		Jitter:    0,
	}
}
