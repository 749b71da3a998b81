package campaign

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailcast/internal/domain"
)

func TestResolveStatus(t *testing.T) {
	cases := []struct {
		total, failed int
		want          domain.CampaignStatus
	}{
		{10, 0, domain.CampaignSent},
		{10, 3, domain.CampaignPartial},
		{10, 10, domain.CampaignFailed},
		{0, 0, domain.CampaignSent}, // empty recipient set still counts as sent
		{1, 0, domain.CampaignSent},
		{1, 1, domain.CampaignFailed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ResolveStatus(tc.total, tc.failed),
			"total=%d failed=%d", tc.total, tc.failed)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]domain.CampaignStatus{
		{domain.CampaignDraft, domain.CampaignScheduled},
		{domain.CampaignDraft, domain.CampaignSending}, // immediate sends
		{domain.CampaignScheduled, domain.CampaignSending},
		{domain.CampaignScheduled, domain.CampaignCancelled},
		{domain.CampaignSending, domain.CampaignScheduled}, // recurring, between fires
		{domain.CampaignSending, domain.CampaignSent},
		{domain.CampaignSending, domain.CampaignPartial},
		{domain.CampaignSending, domain.CampaignFailed},
	}
	for _, p := range allowed {
		assert.True(t, CanTransition(p[0], p[1]), "%s -> %s", p[0], p[1])
	}

	denied := [][2]domain.CampaignStatus{
		{domain.CampaignDraft, domain.CampaignSent},
		{domain.CampaignScheduled, domain.CampaignPartial},
		{domain.CampaignSent, domain.CampaignSending},
		{domain.CampaignCancelled, domain.CampaignScheduled},
		{domain.CampaignFailed, domain.CampaignSent},
	}
	for _, p := range denied {
		assert.False(t, CanTransition(p[0], p[1]), "%s -> %s", p[0], p[1])
	}
}
