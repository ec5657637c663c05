// Package notify delivers rendered event notifications through an external
// channel with bounded retry. Transient failures back off and retry;
// permanent failures surface immediately so the caller can release the
// idempotency reservation instead of burning the retry budget.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/alfredjeanlab/newsflow/internal/model"
)

// Channel sends one message to one address.
type Channel interface {
	Send(ctx context.Context, address, subject, body string) error
}

// PermanentError marks a delivery failure that retrying cannot fix, such as
// an invalid recipient or a hard rejection from the channel.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent delivery failure: %s: %v", e.Reason, e.Err)
	}
	return "permanent delivery failure: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// messageTemplate renders the notification body. Kept plain text; the
// channel owns any further formatting.
var messageTemplate = template.Must(template.New("notification").Parse(`New event detected.

Entity: {{.PrimaryEntity}}
Event type: {{.EventType}}
Sentiment: {{.Sentiment}}
Risk score: {{.RiskScore}}

Summary:
{{.ShortSummary}}

Read more: {{.URL}}
`))

// Dispatcher sends rendered notifications with exponential backoff.
type Dispatcher struct {
	channel     Channel
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher delivering through channel.
func NewDispatcher(channel Channel, maxAttempts int, backoffBase time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		channel:     channel,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      logger,
	}
}

// Render produces the subject and body for an event notification.
func Render(event *model.Event) (subject, body string, err error) {
	subject = fmt.Sprintf("[Alert] %s: %s", event.PrimaryEntity, event.EventType)
	var buf bytes.Buffer
	if err := messageTemplate.Execute(&buf, event); err != nil {
		return "", "", fmt.Errorf("rendering notification: %w", err)
	}
	return subject, buf.String(), nil
}

// Send renders and delivers the event to the address. Transient errors are
// retried up to the attempt budget with exponential backoff; a permanent
// error returns immediately without further attempts.
func (d *Dispatcher) Send(ctx context.Context, address string, event *model.Event) error {
	subject, body, err := Render(event)
	if err != nil {
		return err
	}

	delay := d.backoffBase
	for attempt := 1; ; attempt++ {
		err = d.channel.Send(ctx, address, subject, body)
		if err == nil {
			d.logger.Info("notification sent",
				"address", address, "event_id", event.EventID, "attempt", attempt)
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if attempt == d.maxAttempts {
			return fmt.Errorf("delivery to %s failed after %d attempts: %w", address, attempt, err)
		}

		d.logger.Warn("delivery attempt failed, backing off",
			"address", address, "event_id", event.EventID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
