// Package campaign owns campaign lifecycle: status transitions,
// creation-time validation and terminal-status resolution.
package campaign

import "mailcast/internal/domain"

var transitions = map[domain.CampaignStatus][]domain.CampaignStatus{
	domain.CampaignDraft:     {domain.CampaignScheduled, domain.CampaignSending, domain.CampaignCancelled},
	domain.CampaignScheduled: {domain.CampaignSending, domain.CampaignCancelled},
	domain.CampaignSending: {
		// Recurring campaigns drop back to scheduled between fires.
		domain.CampaignScheduled,
		domain.CampaignSent, domain.CampaignPartial, domain.CampaignFailed, domain.CampaignCancelled,
	},
}

// CanTransition reports whether from→to is a legal status move.
func CanTransition(from, to domain.CampaignStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ResolveStatus derives the terminal status from outcome counts:
// sent when nothing failed (including the empty campaign), failed when
// everything did, partial in between.
func ResolveStatus(total, failed int) domain.CampaignStatus {
	switch {
	case failed == 0:
		return domain.CampaignSent
	case failed >= total:
		return domain.CampaignFailed
	default:
		return domain.CampaignPartial
	}
}
