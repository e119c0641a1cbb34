package collab

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var errThrottled = errors.New("notification rate exceeded")

// LoggingNotifier writes messages to the log instead of sending them.
type LoggingNotifier struct {
	Logger *slog.Logger
}

func (n LoggingNotifier) Send(ctx context.Context, m Message) (string, error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger.InfoContext(ctx, "notification", "component", "notifier", "dispatch_id", id,
		"project_id", m.ProjectID, "kind", m.Kind, "to", m.To, "subject", m.Subject, "token", m.Token)
	return id, nil
}

// Throttled limits the send rate of Next. A send over the limit fails with a
// transient error so the caller retries it later instead of blocking.
type Throttled struct {
	Next    Notifier
	Limiter *rate.Limiter
}

func NewThrottled(next Notifier, perSecond float64, burst int) *Throttled {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{Next: next, Limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttled) Send(ctx context.Context, m Message) (string, error) {
	if !t.Limiter.Allow() {
		return "", Transient("notify", errThrottled)
	}
	return t.Next.Send(ctx, m)
}
