// Package batch slices a resolved recipient set into bounded,
// rate-spaced dispatch batches.
package batch

import (
	"fmt"
	"time"

	"mailcast/internal/domain"
)

// PlannedBatch is one slice of recipients and the instant it becomes
// eligible for dispatch.
type PlannedBatch struct {
	Recipients    []domain.Recipient
	ScheduledTime time.Time
}

// Plan splits recipients into consecutive batches of at most
// maxBatchSize, preserving resolution order. Batch i is scheduled at
// now + i*(maxBatchSize/maxSendRate) seconds, which spaces dispatches so
// the transport never sees more than maxSendRate messages per second
// without a hard limiter. Zero recipients yields zero batches; the
// caller resolves such a campaign straight to sent.
func Plan(recipients []domain.Recipient, maxBatchSize, maxSendRate int, now time.Time) ([]PlannedBatch, error) {
	if maxBatchSize <= 0 {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("max batch size %d must be positive", maxBatchSize)}
	}
	if maxSendRate <= 0 {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("max send rate %d must be positive", maxSendRate)}
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	spacing := time.Duration(float64(maxBatchSize) / float64(maxSendRate) * float64(time.Second))

	batches := make([]PlannedBatch, 0, (len(recipients)+maxBatchSize-1)/maxBatchSize)
	for i := 0; i < len(recipients); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, PlannedBatch{
			Recipients:    recipients[i:end],
			ScheduledTime: now.Add(time.Duration(len(batches)) * spacing),
		})
	}
	return batches, nil
}
