// Package mailer is the boundary to the mail transport. Send failures
// are classified into the domain error taxonomy so the dispatch worker
// can decide retry vs record vs pause.
package mailer

import (
	"context"

	"mailcast/internal/domain"
)

type Message struct {
	To          string
	ToName      string
	Subject     string
	HTMLBody    string
	Attachments []domain.Attachment
}

// Transport sends one message. A nil error means accepted by the
// provider; otherwise the error is one of domain.TransientSendError,
// domain.PermanentSendError or domain.ErrRateLimited.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}
