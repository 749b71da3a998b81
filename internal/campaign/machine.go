package campaign

import (
	"context"
	"log/slog"
	"time"

	"mailcast/internal/domain"
	"mailcast/internal/schedule"
	"mailcast/internal/util"
)

// MachineStore is what finalization needs from persistence. All counter
// state lives in the store; the machine only derives summaries.
type MachineStore interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	CountUnfinishedBatches(ctx context.Context, campaignID string) (int, error)
	OutcomeTotals(ctx context.Context, campaignID string) (total, sent, failed int, err error)
	FinalizeCampaign(ctx context.Context, id string, status domain.CampaignStatus, now time.Time) (bool, error)
	ReturnToScheduled(ctx context.Context, id string, nextFireAt time.Time, now time.Time) error
}

// Machine aggregates batch results up into campaign status. It is
// called whenever a batch reaches a terminal state (and by the
// scheduler for zero-recipient fires).
type Machine struct {
	Store MachineStore
	Now   func() time.Time
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return util.NowUTC()
}

// BatchFinished checks whether the campaign's dispatch is complete and,
// if so, finalizes it: recurring campaigns with fires left return to
// scheduled, everything else resolves to sent/partial/failed (or
// cancelled after a graceful stop). Terminal status is a pure summary;
// calling this more than once is harmless.
func (m *Machine) BatchFinished(ctx context.Context, campaignID string) error {
	c, found, err := m.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !found || c.Status != domain.CampaignSending {
		return nil
	}
	now := m.now()

	if c.StopRequested {
		done, err := m.Store.FinalizeCampaign(ctx, campaignID, domain.CampaignCancelled, now)
		if err == nil && done {
			slog.Info("campaign cancelled mid-send", "campaign_id", campaignID)
		}
		return err
	}

	unfinished, err := m.Store.CountUnfinishedBatches(ctx, campaignID)
	if err != nil {
		return err
	}
	if unfinished > 0 {
		return nil
	}

	if c.ScheduleType == domain.ScheduleRecurring && c.Recurring != nil {
		if next, ok := schedule.NextFireTime(*c.Recurring, now); ok {
			slog.Info("recurring campaign fire complete",
				"campaign_id", campaignID, "next_fire_at", next)
			return m.Store.ReturnToScheduled(ctx, campaignID, next, now)
		}
		// Recurrence exhausted; fall through to a terminal summary.
	}

	total, _, failed, err := m.Store.OutcomeTotals(ctx, campaignID)
	if err != nil {
		return err
	}
	status := ResolveStatus(total, failed)
	done, err := m.Store.FinalizeCampaign(ctx, campaignID, status, now)
	if err != nil {
		return err
	}
	if done {
		slog.Info("campaign finalized",
			"campaign_id", campaignID, "status", status, "total", total, "failed", failed)
	}
	return nil
}
