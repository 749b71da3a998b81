package mailer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"mailcast/internal/domain"
)

// SendGrid sends campaign mail through the SendGrid v3 API.
type SendGrid struct {
	Client    *sendgrid.Client
	FromEmail string
	FromName  string
}

func NewSendGrid(apiKey, fromEmail, fromName string) *SendGrid {
	return &SendGrid{
		Client:    sendgrid.NewSendClient(apiKey),
		FromEmail: fromEmail,
		FromName:  fromName,
	}
}

func (s *SendGrid) Send(ctx context.Context, msg Message) error {
	from := mail.NewEmail(s.FromName, s.FromEmail)
	to := mail.NewEmail(msg.ToName, msg.To)
	m := mail.NewSingleEmail(from, msg.Subject, to, "", msg.HTMLBody)

	for _, att := range msg.Attachments {
		a := mail.NewAttachment()
		a.SetContent(base64.StdEncoding.EncodeToString(att.Content))
		a.SetType(att.ContentType)
		a.SetFilename(att.Filename)
		a.SetDisposition("attachment")
		m.AddAttachment(a)
	}

	resp, err := s.Client.SendWithContext(ctx, m)
	if err != nil {
		// Network-level failure; StatusCode 0 marks "no response at all",
		// which the worker uses to detect a whole-batch outage.
		return &domain.TransientSendError{StatusCode: 0, Err: err}
	}
	return Classify(resp.StatusCode, resp.Body)
}

// Classify maps a provider HTTP status to the send-error taxonomy.
// 2xx is accepted, 429 is the batch-wide backpressure signal, other 4xx
// are addressing/content problems not worth retrying, and 5xx are
// provider trouble worth another attempt.
func Classify(statusCode int, body string) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case statusCode >= 400 && statusCode < 500:
		return &domain.PermanentSendError{
			StatusCode: statusCode,
			Err:        fmt.Errorf("provider rejected message (%d): %s", statusCode, body),
		}
	default:
		return &domain.TransientSendError{
			StatusCode: statusCode,
			Err:        fmt.Errorf("provider error (%d): %s", statusCode, body),
		}
	}
}

// ShouldRetry reports whether another in-batch attempt makes sense.
// Rate limiting is excluded on purpose: it pauses the whole batch
// instead of burning per-recipient retries.
func ShouldRetry(err error) bool {
	var transient *domain.TransientSendError
	return errors.As(err, &transient)
}
