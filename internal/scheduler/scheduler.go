// Package scheduler drives the periodic tick: it fires due campaigns
// (resolve recipients, plan batches) and hands due batches to the
// dispatch workers with bounded concurrency.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mailcast/internal/batch"
	"mailcast/internal/campaign"
	"mailcast/internal/domain"
	"mailcast/internal/observability"
	"mailcast/internal/recipient"
	"mailcast/internal/schedule"
	"mailcast/internal/util"
)

type Store interface {
	ListDueCampaigns(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]domain.Campaign, error)
	ClaimCampaignFire(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error)
	ReturnToScheduled(ctx context.Context, id string, nextFireAt, now time.Time) error
	FinalizeCampaign(ctx context.Context, id string, status domain.CampaignStatus, now time.Time) (bool, error)
	AddCampaignSkipped(ctx context.Context, id string, n int, now time.Time) error
	CreateBatches(ctx context.Context, batches []domain.Batch, outcomes [][]domain.RecipientOutcome) error
	CountBatches(ctx context.Context, campaignID string) (int, error)
	ListDueBatches(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]string, error)
}

type Resolver interface {
	Resolve(ctx context.Context, target domain.TargetConfig) (recipient.Resolution, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, batchID string) error
}

// Finisher settles a campaign whose batches are all terminal. The
// scheduler calls it when recovering a campaign whose dispatch-side
// aggregation call was lost.
type Finisher interface {
	BatchFinished(ctx context.Context, campaignID string) error
}

type Scheduler struct {
	Store      Store
	Resolver   Resolver
	Dispatcher Dispatcher
	Finisher   Finisher

	MaxBatchSize  int
	MaxSendRate   int
	MaxConcurrent int

	// StaleAfter mirrors the dispatcher's PROCESSING lease so stuck
	// batches come back into rotation. The fire claim carries the same
	// lease: a sending campaign with nothing running past this age is
	// recovered.
	StaleAfter time.Duration

	// ResolveRetryDelay spaces out retries of a fire whose recipient
	// resolution failed.
	ResolveRetryDelay time.Duration

	PollLimit int

	Now func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *Scheduler) pollLimit() int {
	if s.PollLimit > 0 {
		return s.PollLimit
	}
	return 100
}

// Tick runs one scheduler pass. Safe to run from overlapping processes:
// every campaign fire and batch is claimed with a conditional update
// before any work happens.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.fireDueCampaigns(ctx); err != nil {
		return err
	}
	return s.dispatchDueBatches(ctx)
}

func (s *Scheduler) fireDueCampaigns(ctx context.Context) error {
	now := s.now()
	due, err := s.Store.ListDueCampaigns(ctx, now, s.StaleAfter, s.pollLimit())
	if err != nil {
		return err
	}
	for _, c := range due {
		if c.Status == domain.CampaignSending {
			// A fire claimed by a process that never finished it: the
			// lease expired with no batch still running.
			if err := s.recoverStrandedFire(ctx, c, now); err != nil {
				slog.Error("stranded fire recovery failed", "campaign_id", c.ID, "error", err)
			}
			continue
		}
		won, err := s.Store.ClaimCampaignFire(ctx, c.ID, now, s.StaleAfter)
		if err != nil {
			return err
		}
		if !won {
			observability.CampaignFires.WithLabelValues("lost").Inc()
			continue
		}
		if err := s.fire(ctx, c); err != nil {
			slog.Error("campaign fire failed", "campaign_id", c.ID, "error", err)
		}
	}
	return nil
}

// recoverStrandedFire picks up a sending campaign whose claimer died.
// Batch creation is transactional, so there are two shapes: no batches
// at all (the fire never expanded; re-claim and re-run it) or only
// terminal batches (the fire ran to the end but the aggregation call
// was lost; settle it through the state machine).
func (s *Scheduler) recoverStrandedFire(ctx context.Context, c domain.Campaign, now time.Time) error {
	n, err := s.Store.CountBatches(ctx, c.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		observability.CampaignFires.WithLabelValues("recovered_settle").Inc()
		slog.Warn("settling campaign with finished batches", "campaign_id", c.ID)
		return s.Finisher.BatchFinished(ctx, c.ID)
	}
	// Re-claiming bumps updated_at, so overlapping ticks recover the
	// fire at most once per lease window.
	won, err := s.Store.ClaimCampaignFire(ctx, c.ID, now, s.StaleAfter)
	if err != nil || !won {
		return err
	}
	observability.CampaignFires.WithLabelValues("recovered_fire").Inc()
	slog.Warn("re-running stranded campaign fire", "campaign_id", c.ID)
	return s.fire(ctx, c)
}

// fire expands one claimed campaign into batches. Resolution failures
// put the campaign back into scheduled with a retry delay instead of
// losing the fire.
func (s *Scheduler) fire(ctx context.Context, c domain.Campaign) error {
	now := s.now()

	res, err := s.Resolver.Resolve(ctx, c.Target)
	if err != nil {
		var resErr *domain.ResolutionError
		if errors.As(err, &resErr) {
			observability.CampaignFires.WithLabelValues("resolution_error").Inc()
			slog.Warn("recipient resolution failed, rescheduling fire",
				"campaign_id", c.ID, "retry_in", s.ResolveRetryDelay, "error", err)
			return s.Store.ReturnToScheduled(ctx, c.ID, now.Add(s.ResolveRetryDelay), now)
		}
		return err
	}

	if res.Skipped > 0 {
		observability.Skipped.WithLabelValues("resolution").Add(float64(res.Skipped))
		if err := s.Store.AddCampaignSkipped(ctx, c.ID, res.Skipped, now); err != nil {
			return err
		}
	}

	if len(res.Recipients) == 0 {
		observability.CampaignFires.WithLabelValues("empty").Inc()
		slog.Info("campaign fired with no recipients", "campaign_id", c.ID)
		return s.settleEmptyFire(ctx, c, now)
	}

	planned, err := batch.Plan(res.Recipients, s.MaxBatchSize, s.MaxSendRate, now)
	if err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			// Operator misconfiguration, not a campaign defect. Put the
			// fire back so it runs once the settings are fixed.
			observability.CampaignFires.WithLabelValues("plan_error").Inc()
			slog.Error("batch planning failed, rescheduling fire", "campaign_id", c.ID, "error", err)
			return s.Store.ReturnToScheduled(ctx, c.ID, now.Add(s.ResolveRetryDelay), now)
		}
		return err
	}

	batches := make([]domain.Batch, 0, len(planned))
	outcomes := make([][]domain.RecipientOutcome, 0, len(planned))
	for _, p := range planned {
		b := domain.Batch{
			ID:             util.NewBatchID(),
			CampaignID:     c.ID,
			ScheduledTime:  p.ScheduledTime,
			Status:         domain.BatchPending,
			RecipientCount: len(p.Recipients),
			CreatedAt:      now,
		}
		outs := make([]domain.RecipientOutcome, 0, len(p.Recipients))
		for _, r := range p.Recipients {
			outs = append(outs, domain.RecipientOutcome{
				ID:          util.NewOutcomeID(),
				CampaignID:  c.ID,
				BatchID:     b.ID,
				RecipientID: r.ID,
				Email:       r.Email,
				DisplayName: r.DisplayName,
				Status:      domain.OutcomePending,
			})
		}
		batches = append(batches, b)
		outcomes = append(outcomes, outs)
	}
	// Single transaction: an interrupted fire leaves zero batches, and
	// the expired claim lease makes it due again.
	if err := s.Store.CreateBatches(ctx, batches, outcomes); err != nil {
		return err
	}

	observability.CampaignFires.WithLabelValues("fired").Inc()
	slog.Info("campaign fired", "campaign_id", c.ID,
		"recipients", len(res.Recipients), "batches", len(planned), "skipped", res.Skipped)
	return nil
}

// settleEmptyFire closes out a fire that produced no batches. A
// recurring campaign with fires left goes back to scheduled; everything
// else counts as sent (an empty recipient set is not a failure).
func (s *Scheduler) settleEmptyFire(ctx context.Context, c domain.Campaign, now time.Time) error {
	if c.ScheduleType == domain.ScheduleRecurring && c.Recurring != nil {
		if next, ok := schedule.NextFireTime(*c.Recurring, now); ok {
			return s.Store.ReturnToScheduled(ctx, c.ID, next, now)
		}
	}
	_, err := s.Store.FinalizeCampaign(ctx, c.ID, campaign.ResolveStatus(0, 0), now)
	return err
}

func (s *Scheduler) dispatchDueBatches(ctx context.Context) error {
	now := s.now()
	ids, err := s.Store.ListDueBatches(ctx, now, s.StaleAfter, s.pollLimit())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	bound := s.MaxConcurrent
	if bound <= 0 {
		bound = 4
	}
	sem := make(chan struct{}, bound)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(batchID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.Dispatcher.Dispatch(ctx, batchID); err != nil {
				slog.Error("batch dispatch failed", "batch_id", batchID, "error", err)
			}
		}(id)
	}
	wg.Wait()
	return nil
}
