// Package recipient resolves a campaign's target configuration into the
// concrete recipient set at send time.
package recipient

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"mailcast/internal/domain"
	"mailcast/internal/util"
)

// Directory is the account/tag store the resolver reads from. It is
// external to the dispatch core; the pg store provides the production
// implementation.
type Directory interface {
	ListActiveCustomers(ctx context.Context) ([]domain.Recipient, error)
	ListAccountsByTags(ctx context.Context, tagIDs []string) ([]domain.Recipient, error)
}

// Resolution is the deduplicated recipient set plus the number of
// entries dropped on the way (invalid external addresses, duplicates).
// Dropped entries never get outcome rows; they surface as "skipped" in
// campaign stats.
type Resolution struct {
	Recipients []domain.Recipient
	Skipped    int
}

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

type Resolver struct {
	Directory Directory
}

// Resolve is a pure read: it creates nothing and must not advance
// campaign state. Order is stable so batch planning is deterministic.
func (r *Resolver) Resolve(ctx context.Context, target domain.TargetConfig) (Resolution, error) {
	switch target.SegmentType {
	case domain.SegmentAll:
		accounts, err := r.Directory.ListActiveCustomers(ctx)
		if err != nil {
			return Resolution{}, &domain.ResolutionError{Err: err}
		}
		return dedupeByID(accounts), nil

	case domain.SegmentTag:
		// ANY-match: union of accounts carrying any listed tag.
		accounts, err := r.Directory.ListAccountsByTags(ctx, target.TagIDs)
		if err != nil {
			return Resolution{}, &domain.ResolutionError{Err: err}
		}
		return dedupeByID(accounts), nil

	case domain.SegmentExternal:
		return resolveExternal(target.ExternalEmails), nil

	default:
		return Resolution{}, &domain.ResolutionError{
			Err: fmt.Errorf("unknown segment type %q", target.SegmentType),
		}
	}
}

func dedupeByID(accounts []domain.Recipient) Resolution {
	seen := make(map[string]bool, len(accounts))
	out := make([]domain.Recipient, 0, len(accounts))
	skipped := 0
	for _, a := range accounts {
		if seen[a.ID] {
			skipped++
			continue
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	return Resolution{Recipients: out, Skipped: skipped}
}

// resolveExternal validates literal addresses and assigns synthetic ids
// so external recipients can still carry outcome rows. Invalid entries
// are silently dropped (they only show up in the skipped count).
func resolveExternal(emails []string) Resolution {
	seen := make(map[string]bool, len(emails))
	out := make([]domain.Recipient, 0, len(emails))
	skipped := 0
	for _, e := range emails {
		addr := strings.TrimSpace(e)
		key := strings.ToLower(addr)
		if !emailPattern.MatchString(addr) || seen[key] {
			skipped++
			continue
		}
		seen[key] = true
		out = append(out, domain.Recipient{
			ID:    util.NewRecipientID(),
			Email: addr,
		})
	}
	return Resolution{Recipients: out, Skipped: skipped}
}
