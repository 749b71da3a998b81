package batch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcast/internal/domain"
)

func recipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{
			ID:    fmt.Sprintf("u%d", i),
			Email: fmt.Sprintf("u%d@example.com", i),
		}
	}
	return out
}

func TestPlanSizesAndOrder(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	batches, err := Plan(recipients(7), 3, 10, now)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	assert.Len(t, batches[0].Recipients, 3)
	assert.Len(t, batches[1].Recipients, 3)
	assert.Len(t, batches[2].Recipients, 1)

	// Resolution order is preserved across the whole plan.
	idx := 0
	for _, b := range batches {
		for _, r := range b.Recipients {
			assert.Equal(t, fmt.Sprintf("u%d", idx), r.ID)
			idx++
		}
	}
	assert.Equal(t, 7, idx)
}

func TestPlanBatchCountInvariant(t *testing.T) {
	now := time.Now()
	for _, tc := range []struct{ n, size, want int }{
		{1, 1, 1},
		{10, 3, 4},
		{9, 3, 3},
		{2, 100, 1},
		{100, 10, 10},
	} {
		batches, err := Plan(recipients(tc.n), tc.size, 5, now)
		require.NoError(t, err)
		assert.Len(t, batches, tc.want, "n=%d size=%d", tc.n, tc.size)

		total := 0
		for _, b := range batches {
			assert.LessOrEqual(t, len(b.Recipients), tc.size)
			total += len(b.Recipients)
		}
		assert.Equal(t, tc.n, total)
	}
}

func TestPlanSpacingHonorsSendRate(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	// 100 per batch at 20/sec: one batch every 5 seconds.
	batches, err := Plan(recipients(250), 100, 20, now)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	assert.Equal(t, now, batches[0].ScheduledTime)
	assert.Equal(t, now.Add(5*time.Second), batches[1].ScheduledTime)
	assert.Equal(t, now.Add(10*time.Second), batches[2].ScheduledTime)

	for i := 1; i < len(batches); i++ {
		assert.False(t, batches[i].ScheduledTime.Before(batches[i-1].ScheduledTime))
	}
}

func TestPlanZeroRecipients(t *testing.T) {
	batches, err := Plan(nil, 10, 5, time.Now())
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestPlanInvalidConfig(t *testing.T) {
	var cfgErr *domain.ConfigError

	_, err := Plan(recipients(3), 10, 0, time.Now())
	require.ErrorAs(t, err, &cfgErr)

	_, err = Plan(recipients(3), 10, -5, time.Now())
	require.ErrorAs(t, err, &cfgErr)

	_, err = Plan(recipients(3), 0, 5, time.Now())
	require.ErrorAs(t, err, &cfgErr)
}
