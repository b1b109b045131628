// Package retry classifies provider-call failures and computes backoff
// delays. The policy is pure: it never sleeps and never touches the network;
// the caller owns the waiting.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/simfleet/topup/engine/provider"
)

// Category buckets a failure by how the pipeline should react to it.
type Category int

const (
	// Retriable covers timeouts, connection failures and server-side 5xx:
	// the call may succeed on another attempt.
	Retriable Category = iota
	// Fatal covers auth and configuration failures; retrying cannot help.
	Fatal
	// RateLimited covers explicit throttling answers; retry, but slower.
	RateLimited
	// Business covers declines about the target itself (invalid SIM,
	// out of coverage); one more attempt at most, then quarantine.
	Business
)

func (c Category) String() string {
	switch c {
	case Retriable:
		return "RETRIABLE"
	case Fatal:
		return "FATAL"
	case RateLimited:
		return "RATE_LIMITED"
	case Business:
		return "BUSINESS"
	}
	return "UNKNOWN"
}

// Categorize maps an error from the provider client onto a category.
func Categorize(err error) Category {
	if err == nil {
		return Retriable
	}
	var rle *provider.RateLimitError
	if errors.As(err, &rle) {
		return RateLimited
	}
	var be *provider.BusinessError
	if errors.As(err, &be) {
		return Business
	}
	var se *provider.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == 429:
			return RateLimited
		case se.Status >= 500:
			return Retriable
		default:
			// 401/403 and the rest of 4xx: credentials or request shape.
			return Fatal
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Retriable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retriable
	}
	// Connection refused, DNS failures and other transport errors wrap into
	// *url.Error / *net.OpError, both caught above; anything still unknown
	// is treated as transient.
	return Retriable
}

// JitterMode selects how a computed delay is randomized.
type JitterMode int

const (
	JitterNone JitterMode = iota
	// JitterEqual spreads the delay over delay/2 .. delay*3/2.
	JitterEqual
	// JitterFull spreads the delay over 0 .. delay.
	JitterFull
)

// Settings holds the knobs for one category.
type Settings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      JitterMode
}

// Policy maps every category to its settings. The category set is closed, so
// the mapping is a plain struct rather than a keyed collection.
type Policy struct {
	Retriable   Settings
	Fatal       Settings
	RateLimited Settings
	Business    Settings

	// rng allows deterministic jitter in tests; nil uses the global source.
	rng *rand.Rand
}

// Default returns the production policy: three attempts with full-jitter
// exponential backoff, a slower curve for rate limiting, a single attempt
// for business declines, none for fatal failures.
func Default() Policy {
	return Policy{
		Retriable: Settings{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2,
			Jitter:      JitterFull,
		},
		Fatal: Settings{MaxAttempts: 1},
		RateLimited: Settings{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Second,
			MaxDelay:    60 * time.Second,
			Multiplier:  1.5,
			Jitter:      JitterEqual,
		},
		Business: Settings{
			MaxAttempts: 1,
			BaseDelay:   time.Second,
			MaxDelay:    time.Second,
			Multiplier:  1,
			Jitter:      JitterNone,
		},
	}
}

// Decision tells the caller whether to try again and how long to wait first.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide evaluates the policy after a failed attempt. attempt is 1-based:
// pass 1 after the first failure.
func (p Policy) Decide(cat Category, attempt int) Decision {
	s := p.settings(cat)
	if attempt >= s.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.delay(s, attempt)}
}

func (p Policy) settings(cat Category) Settings {
	switch cat {
	case Fatal:
		return p.Fatal
	case RateLimited:
		return p.RateLimited
	case Business:
		return p.Business
	default:
		return p.Retriable
	}
}

// delay computes min(maxDelay, base * multiplier^(attempt-1)) and applies
// the jitter mode.
func (p Policy) delay(s Settings, attempt int) time.Duration {
	d := float64(s.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= s.Multiplier
	}
	if max := float64(s.MaxDelay); s.MaxDelay > 0 && d > max {
		d = max
	}

	switch s.Jitter {
	case JitterEqual:
		d = d/2 + p.random()*d
	case JitterFull:
		d = p.random() * d
	}
	return time.Duration(d)
}

func (p Policy) random() float64 {
	if p.rng != nil {
		return p.rng.Float64()
	}
	return rand.Float64()
}
