package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"proposalflow/internal/collab"
)

// RetryPolicy is the single bounded retry rule consulted for every collaborator
// step.
type RetryPolicy struct {
	Max  int
	Base time.Duration
	Cap  time.Duration
	// Jitter is the largest extra delay. It is derived from the project id and
	// attempt, so a replay computes the same delay.
	Jitter time.Duration
}

// Backoff returns the delay before attempt n (1-based) may run: Base*2^(n-1),
// capped at Cap, plus deterministic jitter.
func (p RetryPolicy) Backoff(projectID string, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n && i <= 30; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			break
		}
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d + p.jitter(projectID, n)
}

func (p RetryPolicy) jitter(projectID string, n int) time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", projectID, n)))
	return time.Duration(binary.BigEndian.Uint64(sum[:8]) % uint64(p.Jitter))
}

// Decision is what to do after a failed step.
type Decision struct {
	Retry    bool
	Attempts int
	Delay    time.Duration
	Kind     collab.Kind
}

// Decide classifies err. Permanent errors and exhausted attempts stop retrying.
func (p RetryPolicy) Decide(projectID string, attempts int, err error) Decision {
	kind := collab.Classify(err)
	n := attempts + 1
	d := Decision{Attempts: n, Kind: kind}
	if !kind.Retryable() || (p.Max > 0 && n >= p.Max) {
		return d
	}
	d.Retry = true
	d.Delay = p.Backoff(projectID, n)
	return d
}
