// Package notify tells users when their batch has finished.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nadmax/clipmill/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Notifier interface {
	BatchFinished(ctx context.Context, t *task.Task) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) BatchFinished(context.Context, *task.Task) error {
	return nil
}

type sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGridNotifier struct {
	client   sender
	fromName string
	from     string
	to       string
}

func NewSendGridNotifier(apiKey, from, to string) (*SendGridNotifier, error) {
	if apiKey == "" || from == "" || to == "" {
		return nil, errors.New("sendgrid notifier requires api key, sender and recipient")
	}

	return &SendGridNotifier{
		client:   sendgrid.NewSendClient(apiKey),
		fromName: "clipmill",
		from:     from,
		to:       to,
	}, nil
}

func (n *SendGridNotifier) BatchFinished(ctx context.Context, t *task.Task) error {
	subject, body := Summary(t)

	from := mail.NewEmail(n.fromName, n.from)
	to := mail.NewEmail("", n.to)
	email := mail.NewSingleEmail(from, subject, to, body, strings.ReplaceAll(body, "\n", "<br>"))

	response, err := n.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	slog.Info("batch notification sent", "task_id", t.ID, "to", n.to, "status", response.StatusCode)
	return nil
}

// Summary renders the subject and plain-text body of a batch notification.
func Summary(t *task.Task) (string, string) {
	subject := fmt.Sprintf("Batch %s %s", t.ID, t.Status)

	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\n", t.UserID)
	fmt.Fprintf(&b, "Status: %s\n", t.Status)
	fmt.Fprintf(&b, "Clips: %d succeeded, %d failed, %d requested\n", t.SuccessCount(), t.FailedCount(), t.TotalItems)
	fmt.Fprintf(&b, "Credits charged: %d\n", t.Charged)
	if t.ChargeError != "" {
		fmt.Fprintf(&b, "Charge error: %s\n", t.ChargeError)
	}
	if t.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", t.Error)
	}

	return subject, b.String()
}
