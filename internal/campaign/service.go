package campaign

import (
	"context"
	"fmt"
	"time"

	"mailcast/internal/domain"
	"mailcast/internal/schedule"
	"mailcast/internal/util"
)

type ServiceStore interface {
	InsertCampaign(ctx context.Context, c domain.Campaign) error
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	CancelCampaign(ctx context.Context, id string, now time.Time) (bool, error)
	RequestStop(ctx context.Context, id string, now time.Time) (bool, error)
	CampaignStats(ctx context.Context, campaignID string) (domain.CampaignStats, error)
	ListBatches(ctx context.Context, campaignID string, limit, offset int) ([]domain.Batch, error)
	ListOutcomes(ctx context.Context, campaignID string, limit, offset int) ([]domain.RecipientOutcome, error)
}

// CreateInput is the campaign spec as submitted by the admin surface.
type CreateInput struct {
	Subject      string                  `json:"subject"`
	Content      string                  `json:"content"`
	ScheduleType domain.ScheduleType     `json:"scheduleType"`
	ScheduledAt  *time.Time              `json:"scheduledAt,omitempty"`
	Recurring    *domain.RecurringConfig `json:"recurringConfig,omitempty"`
	Target       domain.TargetConfig     `json:"targetConfig"`
	TemplateID   string                  `json:"templateId,omitempty"`
	Attachments  []domain.Attachment     `json:"attachments,omitempty"`
}

type Service struct {
	Store ServiceStore
	IDGen func() string
	Now   func() time.Time

	MaxAttachmentBytes int
	PageSize           int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// Create validates the spec and persists the campaign with its first
// fire time set. Configuration errors surface here, before the campaign
// ever reaches the scheduler.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Campaign, error) {
	if in.Subject == "" {
		return domain.Campaign{}, &domain.ConfigError{Reason: "subject is required"}
	}
	if in.Content == "" {
		return domain.Campaign{}, &domain.ConfigError{Reason: "content is required"}
	}
	if err := validateTarget(in.Target); err != nil {
		return domain.Campaign{}, err
	}
	if err := s.validateAttachments(in.Attachments); err != nil {
		return domain.Campaign{}, err
	}

	now := s.now()
	c := domain.Campaign{
		ID:           s.IDGen(),
		Subject:      in.Subject,
		Content:      in.Content,
		ScheduleType: in.ScheduleType,
		Target:       in.Target,
		TemplateID:   in.TemplateID,
		Attachments:  in.Attachments,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	switch in.ScheduleType {
	case domain.ScheduleImmediate:
		if in.ScheduledAt != nil || in.Recurring != nil {
			return domain.Campaign{}, &domain.ConfigError{Reason: "immediate campaign takes no schedule"}
		}
		// Picked up by the next scheduler tick; draft→sending directly.
		c.Status = domain.CampaignDraft
		c.NextFireAt = &now

	case domain.ScheduleOneShot:
		if in.Recurring != nil {
			return domain.Campaign{}, &domain.ConfigError{Reason: "scheduled campaign takes no recurring config"}
		}
		if in.ScheduledAt == nil {
			return domain.Campaign{}, &domain.ConfigError{Reason: "scheduled campaign needs scheduledAt"}
		}
		if !in.ScheduledAt.After(now) {
			return domain.Campaign{}, &domain.ConfigError{Reason: "scheduledAt must be in the future"}
		}
		at := in.ScheduledAt.UTC()
		c.Status = domain.CampaignScheduled
		c.ScheduledAt = &at
		c.NextFireAt = &at

	case domain.ScheduleRecurring:
		if in.ScheduledAt != nil {
			return domain.Campaign{}, &domain.ConfigError{Reason: "recurring campaign takes no scheduledAt"}
		}
		if in.Recurring == nil {
			return domain.Campaign{}, &domain.ConfigError{Reason: "recurring campaign needs recurringConfig"}
		}
		if err := schedule.Validate(*in.Recurring); err != nil {
			return domain.Campaign{}, err
		}
		first, ok := schedule.NextFireTime(*in.Recurring, now)
		if !ok {
			return domain.Campaign{}, &domain.ConfigError{Reason: "recurring schedule never fires"}
		}
		c.Status = domain.CampaignScheduled
		c.Recurring = in.Recurring
		c.NextFireAt = &first

	default:
		return domain.Campaign{}, &domain.ConfigError{Reason: fmt.Sprintf("unknown schedule type %q", in.ScheduleType)}
	}

	if err := s.Store.InsertCampaign(ctx, c); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

// Cancel stops a campaign. Scheduled (and draft) campaigns go straight
// to cancelled and are never picked up again; a campaign mid-send gets
// a graceful-stop request instead: its in-flight recipient finishes,
// everything else stays pending. Cancelling an already-terminal
// campaign is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	c, found, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}
	if c.Status.Terminal() {
		return nil
	}
	now := s.now()
	if c.Status == domain.CampaignSending {
		_, err := s.Store.RequestStop(ctx, id, now)
		return err
	}
	_, err = s.Store.CancelCampaign(ctx, id, now)
	return err
}

func (s *Service) Stats(ctx context.Context, id string) (domain.CampaignStats, error) {
	_, found, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return domain.CampaignStats{}, err
	}
	if !found {
		return domain.CampaignStats{}, domain.ErrNotFound
	}
	return s.Store.CampaignStats(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Campaign, error) {
	c, found, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if !found {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *Service) ListBatches(ctx context.Context, campaignID string, page int) ([]domain.Batch, error) {
	limit, offset := s.pageBounds(page)
	return s.Store.ListBatches(ctx, campaignID, limit, offset)
}

func (s *Service) ListOutcomes(ctx context.Context, campaignID string, page int) ([]domain.RecipientOutcome, error) {
	limit, offset := s.pageBounds(page)
	return s.Store.ListOutcomes(ctx, campaignID, limit, offset)
}

func (s *Service) pageBounds(page int) (limit, offset int) {
	size := s.PageSize
	if size <= 0 {
		size = 50
	}
	if page < 1 {
		page = 1
	}
	return size, (page - 1) * size
}

func (s *Service) validateAttachments(atts []domain.Attachment) error {
	if s.MaxAttachmentBytes <= 0 || len(atts) == 0 {
		return nil
	}
	total := 0
	for _, a := range atts {
		if a.Filename == "" {
			return &domain.ConfigError{Reason: "attachment needs a filename"}
		}
		total += len(a.Content)
	}
	if total > s.MaxAttachmentBytes {
		return &domain.ConfigError{Reason: fmt.Sprintf("attachments exceed %d bytes", s.MaxAttachmentBytes)}
	}
	return nil
}

func validateTarget(t domain.TargetConfig) error {
	switch t.SegmentType {
	case domain.SegmentAll:
		return nil
	case domain.SegmentTag:
		if len(t.TagIDs) == 0 {
			return &domain.ConfigError{Reason: "tag segment needs at least one tag id"}
		}
		return nil
	case domain.SegmentExternal:
		if len(t.ExternalEmails) == 0 {
			return &domain.ConfigError{Reason: "external segment needs at least one address"}
		}
		return nil
	default:
		return &domain.ConfigError{Reason: fmt.Sprintf("unknown segment type %q", t.SegmentType)}
	}
}
