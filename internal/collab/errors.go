package collab

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrTimeout marks a collaborator call that ran past its deadline.
var ErrTimeout = errors.New("collaborator call timed out")

// TransientError is a failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that retrying will not fix.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

func Permanent(op string, err error) error { return &PermanentError{Op: op, Err: err} }

type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindTimeout:
		return "timeout"
	default:
		return "transient"
	}
}

// Retryable reports whether the engine should schedule another attempt.
func (k Kind) Retryable() bool { return k != KindPermanent }

// Classify maps an error to a Kind: typed errors first, then sentinels, then
// message patterns. Unknown errors are transient.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return KindPermanent
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		if isTimeout(trans.Err) {
			return KindTimeout
		}
		return KindTransient
	}
	if isTimeout(err) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"):
		return KindPermanent
	}
	return KindTransient
}

func isTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// WithDeadline runs fn under a timeout and reports an overrun as a transient
// ErrTimeout.
func WithDeadline[T any](ctx context.Context, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := fn(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var zero T
		return zero, Transient(op, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err))
	}
	return v, err
}
