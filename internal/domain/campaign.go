package domain

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignPartial   CampaignStatus = "partial"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether a campaign status admits no further transitions.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignSent, CampaignPartial, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleOneShot   ScheduleType = "scheduled"
	ScheduleRecurring ScheduleType = "recurring"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// RecurringConfig describes when a recurring campaign fires. Days holds
// weekday indices (0=Sunday..6=Saturday) for weekly campaigns and
// month-day numbers (1..31) for monthly ones; it is unused for daily.
type RecurringConfig struct {
	Frequency Frequency  `json:"frequency"`
	Time      string     `json:"time"` // HH:MM, 24h
	StartDate time.Time  `json:"startDate"`
	EndDate   *time.Time `json:"endDate,omitempty"`
	Days      []int      `json:"days,omitempty"`
}

type SegmentType string

const (
	SegmentAll      SegmentType = "all"
	SegmentTag      SegmentType = "tag"
	SegmentExternal SegmentType = "external"
)

// TargetConfig selects the recipient set of a campaign.
type TargetConfig struct {
	SegmentType    SegmentType `json:"segmentType"`
	TagIDs         []string    `json:"tagIds,omitempty"`
	ExternalEmails []string    `json:"externalEmails,omitempty"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	ContentType string `json:"contentType"`
}

type Campaign struct {
	ID           string           `json:"id"`
	Subject      string           `json:"subject"`
	Content      string           `json:"content"` // templated HTML, {token} placeholders
	ScheduleType ScheduleType     `json:"scheduleType"`
	ScheduledAt  *time.Time       `json:"scheduledAt,omitempty"` // only for ScheduleOneShot
	Recurring    *RecurringConfig `json:"recurringConfig,omitempty"`
	Target       TargetConfig     `json:"targetConfig"`
	TemplateID   string           `json:"templateId,omitempty"`
	Attachments  []Attachment     `json:"attachments,omitempty"`
	Status       CampaignStatus   `json:"status"`

	// NextFireAt is the next instant the scheduler should pick this
	// campaign up. For one-shot campaigns it mirrors ScheduledAt.
	NextFireAt *time.Time `json:"nextFireAt,omitempty"`

	// StopRequested marks a mid-send cancellation: the in-flight batch
	// finishes its current recipient and nothing further is claimed.
	StopRequested bool `json:"stopRequested,omitempty"`

	// SkippedCount counts recipients dropped at resolution time
	// (invalid addresses, inactive accounts). They never get outcome rows.
	SkippedCount int `json:"skippedCount"`

	SentCount   int `json:"sentCount"`
	FailedCount int `json:"failedCount"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Recipient is one resolved target of a campaign. External recipients
// carry a synthetic ID with no backing account.
type Recipient struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// CampaignStats is a read-only projection derived from outcome rows,
// never a source of truth.
type CampaignStats struct {
	Total    int     `json:"total"`
	Sent     int     `json:"sent"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	OpenRate float64 `json:"openRate"`
}
