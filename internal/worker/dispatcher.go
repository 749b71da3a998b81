// Package worker dispatches claimed batches: it walks the pending
// recipients of a batch, sends through the mail transport with
// bounded retries, and records per-recipient outcomes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mailcast/internal/domain"
	"mailcast/internal/mailer"
	"mailcast/internal/observability"
	"mailcast/internal/util"
)

type Store interface {
	ClaimBatch(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error)
	GetBatch(ctx context.Context, id string) (domain.Batch, bool, error)
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	IsStopRequested(ctx context.Context, id string) (bool, error)
	ListPendingOutcomes(ctx context.Context, batchID string) ([]domain.RecipientOutcome, error)
	MarkOutcomeSent(ctx context.Context, id string, now time.Time) error
	MarkOutcomeFailed(ctx context.Context, id, errMsg string, now time.Time) error
	SetBatchStatus(ctx context.Context, id string, status domain.BatchStatus, now time.Time) error
	IncrementBatchCounters(ctx context.Context, id string, sentDelta, failedDelta int, now time.Time) error
	IncrementCampaignCounters(ctx context.Context, id string, sentDelta, failedDelta int, now time.Time) error
}

// Finisher gets told when a batch reaches a terminal state so campaign
// aggregation can run.
type Finisher interface {
	BatchFinished(ctx context.Context, campaignID string) error
}

const maxSendAttempts = 3

type Dispatcher struct {
	Store     Store
	Transport mailer.Transport
	Finisher  Finisher
	Limiter   *rate.Limiter
	Breaker   *gobreaker.CircuitBreaker

	// StaleAfter is the PROCESSING lease: a batch claimed longer ago
	// than this is up for reclaim.
	StaleAfter time.Duration

	// TrackingBaseURL, when set, gets a per-recipient open pixel
	// appended to the rendered body.
	TrackingBaseURL string

	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return util.NowUTC()
}

// outcome of one recipient send
type sendVerdict int

const (
	verdictSent sendVerdict = iota
	verdictFailed
	verdictPause
	verdictFatal
)

// Dispatch claims and works one batch. A lost claim is a no-op (some
// other worker has it). The batch ends COMPLETED or FAILED, except when
// the provider pushes back: then it stays PROCESSING with its progress
// recorded and is reclaimed after the lease expires.
func (d *Dispatcher) Dispatch(ctx context.Context, batchID string) error {
	now := d.now()
	won, err := d.Store.ClaimBatch(ctx, batchID, now, d.StaleAfter)
	if err != nil {
		return err
	}
	if !won {
		observability.BatchClaims.WithLabelValues("lost").Inc()
		return nil
	}
	observability.BatchClaims.WithLabelValues("won").Inc()

	batch, found, err := d.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("claimed batch %s not found", batchID)
	}
	campaign, found, err := d.Store.GetCampaign(ctx, batch.CampaignID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("batch %s references missing campaign %s", batchID, batch.CampaignID)
	}

	pending, err := d.Store.ListPendingOutcomes(ctx, batchID)
	if err != nil {
		return err
	}

	var sent, failed int
	flush := func() {
		if sent > 0 || failed > 0 {
			_ = d.Store.IncrementBatchCounters(ctx, batchID, sent, failed, d.now())
			_ = d.Store.IncrementCampaignCounters(ctx, batch.CampaignID, sent, failed, d.now())
		}
	}

	for i, out := range pending {
		// Graceful stop: finish nothing more, leave the rest pending.
		stopped, err := d.Store.IsStopRequested(ctx, batch.CampaignID)
		if err != nil {
			return err
		}
		if stopped {
			// The batch stays PROCESSING: COMPLETED means every
			// recipient was resolved, and these weren't. The campaign
			// finalizes as cancelled and stopped campaigns are excluded
			// from the due-batch scan, so nothing reclaims it.
			slog.Info("batch stopped mid-send", "batch_id", batchID, "campaign_id", batch.CampaignID, "remaining", len(pending)-i)
			flush()
			return d.Finisher.BatchFinished(ctx, batch.CampaignID)
		}

		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				flush()
				return err
			}
		}

		verdict, sendErr := d.sendWithRetry(ctx, campaign, out)
		switch verdict {
		case verdictSent:
			if err := d.Store.MarkOutcomeSent(ctx, out.ID, d.now()); err != nil {
				return err
			}
			sent++

		case verdictFailed:
			if err := d.Store.MarkOutcomeFailed(ctx, out.ID, sendErr.Error(), d.now()); err != nil {
				return err
			}
			failed++

		case verdictPause:
			// Provider backpressure pauses the whole batch. Progress is
			// kept; the lease expiry makes the batch due again.
			slog.Warn("batch paused on provider backpressure", "batch_id", batchID, "sent", sent, "failed", failed)
			flush()
			return nil

		case verdictFatal:
			if sent > 0 || failed > 0 {
				// The transport died mid-batch. Progress is real, so
				// pause and let the reclaim retry the remainder.
				slog.Warn("transport unreachable mid-batch, pausing", "batch_id", batchID, "sent", sent, "failed", failed)
				flush()
				return nil
			}
			// Nothing got through and the transport is unreachable:
			// fail the batch outright rather than grind through every
			// recipient against a dead provider. Recipients stay pending
			// so a manual retry pass can pick them up; aggregation counts
			// them against the campaign via the batch status.
			flush()
			if err := d.Store.SetBatchStatus(ctx, batchID, domain.BatchFailed, d.now()); err != nil {
				return err
			}
			if err := d.Finisher.BatchFinished(ctx, batch.CampaignID); err != nil {
				return err
			}
			return &domain.BatchFatalError{Err: sendErr}
		}
	}

	flush()
	if err := d.Store.SetBatchStatus(ctx, batchID, domain.BatchCompleted, d.now()); err != nil {
		return err
	}
	slog.Info("batch completed", "batch_id", batchID, "campaign_id", batch.CampaignID, "sent", sent, "failed", failed)
	return d.Finisher.BatchFinished(ctx, batch.CampaignID)
}

// sendWithRetry makes up to maxSendAttempts tries for one recipient.
// Only transient provider errors are retried; everything else decides
// on the first attempt. A fatal verdict means transport-level failure
// (no HTTP response at all) with nothing in this batch delivered yet.
func (d *Dispatcher) sendWithRetry(ctx context.Context, c domain.Campaign, out domain.RecipientOutcome) (sendVerdict, error) {
	msg := d.buildMessage(c, out)

	var lastErr error
	start := time.Now()
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		err := d.send(ctx, msg)
		if err == nil {
			observability.MailSend.WithLabelValues("ok", "200").Inc()
			observability.MailLatency.Observe(time.Since(start).Seconds())
			return verdictSent, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.MailSend.WithLabelValues("cb_open", "0").Inc()
			return verdictPause, err
		}
		if errors.Is(err, domain.ErrRateLimited) {
			observability.MailSend.WithLabelValues("rate_limited", "429").Inc()
			return verdictPause, err
		}

		lastErr = err
		observability.MailSend.WithLabelValues("error", strconv.Itoa(statusCode(err))).Inc()
		if !mailer.ShouldRetry(err) {
			return verdictFailed, err
		}
		if attempt < maxSendAttempts-1 {
			time.Sleep(mailer.Backoff(attempt))
		}
	}

	if isNetworkOutage(lastErr) {
		return verdictFatal, lastErr
	}
	return verdictFailed, lastErr
}

func (d *Dispatcher) send(ctx context.Context, msg mailer.Message) error {
	call := func() (any, error) {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return nil, d.Transport.Send(sendCtx, msg)
	}
	if d.Breaker == nil {
		_, err := call()
		return err
	}
	_, err := d.Breaker.Execute(call)
	return err
}

func (d *Dispatcher) buildMessage(c domain.Campaign, out domain.RecipientOutcome) mailer.Message {
	body := util.RenderTemplate(c.Content, map[string]string{
		"name":  out.DisplayName,
		"email": out.Email,
	})
	if d.TrackingBaseURL != "" {
		body += fmt.Sprintf(`<img src=%q width="1" height="1" alt="" />`,
			d.TrackingBaseURL+"/t/open/"+out.ID+".gif")
	}
	return mailer.Message{
		To:          out.Email,
		ToName:      out.DisplayName,
		Subject:     c.Subject,
		HTMLBody:    body,
		Attachments: c.Attachments,
	}
}

func statusCode(err error) int {
	var transient *domain.TransientSendError
	if errors.As(err, &transient) {
		return transient.StatusCode
	}
	var permanent *domain.PermanentSendError
	if errors.As(err, &permanent) {
		return permanent.StatusCode
	}
	return 0
}

// isNetworkOutage reports a transport-level failure where no HTTP
// response came back at all.
func isNetworkOutage(err error) bool {
	var transient *domain.TransientSendError
	return errors.As(err, &transient) && transient.StatusCode == 0
}
