package domain

import "time"

type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// Batch is a bounded slice of a campaign's recipients dispatched
// together. SentCount+FailedCount never exceeds RecipientCount.
type Batch struct {
	ID             string      `json:"id"`
	CampaignID     string      `json:"campaignId"`
	ScheduledTime  time.Time   `json:"scheduledTime"`
	Status         BatchStatus `json:"status"`
	RecipientCount int         `json:"recipientCount"`
	SentCount      int         `json:"sentCount"`
	FailedCount    int         `json:"failedCount"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

type OutcomeStatus string

const (
	OutcomePending OutcomeStatus = "pending"
	OutcomeSent    OutcomeStatus = "sent"
	OutcomeFailed  OutcomeStatus = "failed"
	// OutcomeOpened is reachable only from OutcomeSent via the external
	// open-tracking signal, never written by the dispatcher.
	OutcomeOpened OutcomeStatus = "opened"
)

// RecipientOutcome is the delivery state of one message to one
// recipient. Exactly one row exists per recipient within a batch;
// every fire of a recurring campaign gets fresh rows.
type RecipientOutcome struct {
	ID           string        `json:"id"`
	CampaignID   string        `json:"campaignId"`
	BatchID      string        `json:"batchId"`
	RecipientID  string        `json:"recipientId"`
	Email        string        `json:"email"`
	DisplayName  string        `json:"displayName,omitempty"`
	Status       OutcomeStatus `json:"status"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	SentAt       *time.Time    `json:"sentAt,omitempty"`
	OpenedAt     *time.Time    `json:"openedAt,omitempty"`
}
