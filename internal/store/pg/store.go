// Package pg is the Postgres persistence for campaigns, batches and
// recipient outcomes. Aggregate counters are updated with atomic SQL
// increments and claims are conditional UPDATEs, so concurrent workers
// never double-count or double-claim.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailcast/internal/domain"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// --- campaigns ---

func (s *Store) InsertCampaign(ctx context.Context, c domain.Campaign) error {
	recurring, target, attachments, err := marshalConfigs(c)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO campaigns
			(id, subject, content, schedule_type, scheduled_at, recurring_json, target_json,
			 template_id, attachments_json, status, next_fire_at, stop_requested,
			 skipped_count, sent_count, failed_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,false,0,0,0,$12,$12)
	`, c.ID, c.Subject, c.Content, c.ScheduleType, c.ScheduledAt, recurring, target,
		nullIfEmpty(c.TemplateID), attachments, c.Status, c.NextFireAt, c.CreatedAt)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, subject, content, schedule_type, scheduled_at, recurring_json, target_json,
		       COALESCE(template_id,''), attachments_json, status, next_fire_at, stop_requested,
		       skipped_count, sent_count, failed_count, created_at, updated_at, completed_at
		FROM campaigns WHERE id=$1
	`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	return c, true, nil
}

// ListDueCampaigns returns campaigns whose fire time has arrived.
// Draft is included so immediate sends go draft→sending directly. Also
// returned: sending campaigns whose claim lease expired with no batch
// still running, meaning the claimer died mid-fire (no batches at all)
// or the final aggregation call was lost (all batches terminal). The
// scheduler recovers both.
func (s *Store) ListDueCampaigns(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]domain.Campaign, error) {
	staleBefore := now.Add(-staleAfter)
	rows, err := s.DB.Query(ctx, `
		SELECT id, subject, content, schedule_type, scheduled_at, recurring_json, target_json,
		       COALESCE(template_id,''), attachments_json, status, next_fire_at, stop_requested,
		       skipped_count, sent_count, failed_count, created_at, updated_at, completed_at
		FROM campaigns
		WHERE (status IN ('draft','scheduled') AND next_fire_at IS NOT NULL AND next_fire_at <= $1)
		   OR (status = 'sending' AND updated_at < $2
		       AND NOT EXISTS (SELECT 1 FROM batches b
		                       WHERE b.campaign_id = campaigns.id
		                         AND b.status NOT IN ('COMPLETED','FAILED')))
		ORDER BY next_fire_at
		LIMIT $3
	`, now, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimCampaignFire moves a due campaign into sending. The WHERE clause
// makes the claim atomic: overlapping ticks see zero rows affected. A
// sending campaign with zero batches whose lease (updated_at +
// staleAfter) expired is claimable again, so a fire lost between the
// claim and the batch insert is re-run instead of stranded.
func (s *Store) ClaimCampaignFire(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	staleBefore := now.Add(-staleAfter)
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='sending', updated_at=$2
		WHERE id=$1 AND (
			(status IN ('draft','scheduled')
			   AND next_fire_at IS NOT NULL AND next_fire_at <= $2)
			OR (status = 'sending' AND updated_at < $3
			    AND NOT EXISTS (SELECT 1 FROM batches b WHERE b.campaign_id = campaigns.id))
		)
	`, id, now, staleBefore)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReturnToScheduled puts a sending campaign back into scheduled with a
// new fire time: recurring campaigns between fires, or a fire whose
// recipient resolution failed and will be retried.
func (s *Store) ReturnToScheduled(ctx context.Context, id string, nextFireAt, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='scheduled', next_fire_at=$2, updated_at=$3
		WHERE id=$1 AND status='sending'
	`, id, nextFireAt, now)
	return err
}

// FinalizeCampaign writes the terminal status. completed_at is written
// exactly once; a second finalization attempt affects zero rows.
func (s *Store) FinalizeCampaign(ctx context.Context, id string, status domain.CampaignStatus, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, completed_at=$3, next_fire_at=NULL, updated_at=$3
		WHERE id=$1 AND status='sending' AND completed_at IS NULL
	`, id, status, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// CancelCampaign cancels a campaign that has not started sending.
func (s *Store) CancelCampaign(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='cancelled', completed_at=$2, next_fire_at=NULL, updated_at=$2
		WHERE id=$1 AND status IN ('draft','scheduled')
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// RequestStop flags a mid-send campaign for graceful stop.
func (s *Store) RequestStop(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET stop_requested=true, updated_at=$2
		WHERE id=$1 AND status='sending'
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) IsStopRequested(ctx context.Context, id string) (bool, error) {
	var stop bool
	err := s.DB.QueryRow(ctx, `SELECT stop_requested FROM campaigns WHERE id=$1`, id).Scan(&stop)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return stop, nil
}

func (s *Store) AddCampaignSkipped(ctx context.Context, id string, n int, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET skipped_count = skipped_count + $2, updated_at=$3 WHERE id=$1
	`, id, n, now)
	return err
}

// IncrementCampaignCounters adds send results atomically; concurrent
// batches of one campaign never clobber each other's counts.
func (s *Store) IncrementCampaignCounters(ctx context.Context, id string, sentDelta, failedDelta int, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET sent_count = sent_count + $2, failed_count = failed_count + $3, updated_at=$4
		WHERE id=$1
	`, id, sentDelta, failedDelta, now)
	return err
}

// --- batches ---

// CreateBatches inserts a fire's batches and their pending outcome rows
// in one transaction. All-or-nothing: a fire interrupted here leaves
// zero batches behind, which is what makes the fire claim retryable.
// outcomes[i] belongs to batches[i].
func (s *Store) CreateBatches(ctx context.Context, batches []domain.Batch, outcomes [][]domain.RecipientOutcome) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, b := range batches {
		_, err = tx.Exec(ctx, `
			INSERT INTO batches (id, campaign_id, scheduled_time, status, recipient_count,
			                     sent_count, failed_count, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,0,0,$6,$6)
		`, b.ID, b.CampaignID, b.ScheduledTime, b.Status, b.RecipientCount, b.CreatedAt)
		if err != nil {
			return err
		}

		for _, o := range outcomes[i] {
			_, err = tx.Exec(ctx, `
				INSERT INTO recipient_outcomes
					(id, campaign_id, batch_id, recipient_id, email, display_name, status)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, o.ID, o.CampaignID, o.BatchID, o.RecipientID, o.Email, nullIfEmpty(o.DisplayName), o.Status)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetBatch(ctx context.Context, id string) (domain.Batch, bool, error) {
	var b domain.Batch
	err := s.DB.QueryRow(ctx, `
		SELECT id, campaign_id, scheduled_time, status, recipient_count,
		       sent_count, failed_count, created_at, updated_at
		FROM batches WHERE id=$1
	`, id).Scan(&b.ID, &b.CampaignID, &b.ScheduledTime, &b.Status, &b.RecipientCount,
		&b.SentCount, &b.FailedCount, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Batch{}, false, nil
		}
		return domain.Batch{}, false, err
	}
	return b, true, nil
}

// ListDueBatches returns batches eligible for dispatch: due PENDING
// ones plus PROCESSING ones whose lease expired (crashed or paused
// worker). Batches of stopped campaigns are never handed out.
func (s *Store) ListDueBatches(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]string, error) {
	staleBefore := now.Add(-staleAfter)
	rows, err := s.DB.Query(ctx, `
		SELECT b.id
		FROM batches b
		JOIN campaigns c ON c.id = b.campaign_id
		WHERE c.status='sending' AND NOT c.stop_requested
		  AND b.scheduled_time <= $1
		  AND (b.status='PENDING' OR (b.status='PROCESSING' AND b.updated_at < $2))
		ORDER BY b.scheduled_time
		LIMIT $3
	`, now, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimBatch attempts to move a batch into PROCESSING. At most one
// worker wins; a PROCESSING batch can be reclaimed once its lease
// (updated_at + staleAfter) has expired.
func (s *Store) ClaimBatch(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	staleBefore := now.Add(-staleAfter)
	ct, err := s.DB.Exec(ctx, `
		UPDATE batches SET status='PROCESSING', updated_at=$2
		WHERE id=$1 AND scheduled_time <= $2
		  AND (status='PENDING' OR (status='PROCESSING' AND updated_at < $3))
	`, id, now, staleBefore)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) SetBatchStatus(ctx context.Context, id string, status domain.BatchStatus, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE batches SET status=$2, updated_at=$3 WHERE id=$1
	`, id, status, now)
	return err
}

func (s *Store) IncrementBatchCounters(ctx context.Context, id string, sentDelta, failedDelta int, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE batches
		SET sent_count = sent_count + $2, failed_count = failed_count + $3, updated_at=$4
		WHERE id=$1
	`, id, sentDelta, failedDelta, now)
	return err
}

func (s *Store) CountBatches(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM batches WHERE campaign_id=$1
	`, campaignID).Scan(&n)
	return n, err
}

func (s *Store) CountUnfinishedBatches(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM batches
		WHERE campaign_id=$1 AND status NOT IN ('COMPLETED','FAILED')
	`, campaignID).Scan(&n)
	return n, err
}

func (s *Store) ListBatches(ctx context.Context, campaignID string, limit, offset int) ([]domain.Batch, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, campaign_id, scheduled_time, status, recipient_count,
		       sent_count, failed_count, created_at, updated_at
		FROM batches WHERE campaign_id=$1
		ORDER BY scheduled_time
		LIMIT $2 OFFSET $3
	`, campaignID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Batch
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.CampaignID, &b.ScheduledTime, &b.Status, &b.RecipientCount,
			&b.SentCount, &b.FailedCount, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- recipient outcomes ---

func (s *Store) ListPendingOutcomes(ctx context.Context, batchID string) ([]domain.RecipientOutcome, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, campaign_id, batch_id, recipient_id, email, COALESCE(display_name,''),
		       status, COALESCE(error_message,''), sent_at, opened_at
		FROM recipient_outcomes
		WHERE batch_id=$1 AND status='pending'
		ORDER BY id
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutcomes(rows)
}

func (s *Store) MarkOutcomeSent(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE recipient_outcomes SET status='sent', sent_at=$2, error_message=NULL WHERE id=$1
	`, id, now)
	return err
}

func (s *Store) MarkOutcomeFailed(ctx context.Context, id, errMsg string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE recipient_outcomes SET status='failed', error_message=$2 WHERE id=$1
	`, id, nullIfEmpty(errMsg))
	return err
}

// MarkOutcomeOpened flips sent→opened. Only the first signal matches
// the WHERE clause, so repeats record nothing new.
func (s *Store) MarkOutcomeOpened(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE recipient_outcomes SET status='opened', opened_at=$2
		WHERE id=$1 AND status='sent' AND opened_at IS NULL
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ListOutcomes(ctx context.Context, campaignID string, limit, offset int) ([]domain.RecipientOutcome, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, campaign_id, batch_id, recipient_id, email, COALESCE(display_name,''),
		       status, COALESCE(error_message,''), sent_at, opened_at
		FROM recipient_outcomes
		WHERE campaign_id=$1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, campaignID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutcomes(rows)
}

// OutcomeTotals counts outcomes for status aggregation. Opened implies
// sent. Recipients still pending inside a FAILED batch count as failed:
// the batch died before they could be attempted.
func (s *Store) OutcomeTotals(ctx context.Context, campaignID string) (total, sent, failed int, err error) {
	err = s.DB.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE o.status IN ('sent','opened')),
		       COUNT(*) FILTER (WHERE o.status = 'failed'
		                           OR (o.status = 'pending' AND b.status = 'FAILED'))
		FROM recipient_outcomes o
		JOIN batches b ON b.id = o.batch_id
		WHERE o.campaign_id=$1
	`, campaignID).Scan(&total, &sent, &failed)
	return total, sent, failed, err
}

// CampaignStats derives the admin-facing aggregate from outcome rows
// plus the campaign's resolution-time skip counter. Outcome rows stay
// the single source of truth.
func (s *Store) CampaignStats(ctx context.Context, campaignID string) (domain.CampaignStats, error) {
	var stats domain.CampaignStats
	var opened int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE o.status IN ('sent','opened')),
		       COUNT(*) FILTER (WHERE o.status = 'failed'
		                           OR (o.status = 'pending' AND b.status = 'FAILED')),
		       COUNT(*) FILTER (WHERE o.status = 'opened')
		FROM recipient_outcomes o
		JOIN batches b ON b.id = o.batch_id
		WHERE o.campaign_id=$1
	`, campaignID).Scan(&stats.Total, &stats.Sent, &stats.Failed, &opened)
	if err != nil {
		return domain.CampaignStats{}, err
	}
	err = s.DB.QueryRow(ctx, `
		SELECT skipped_count FROM campaigns WHERE id=$1
	`, campaignID).Scan(&stats.Skipped)
	if err != nil {
		return domain.CampaignStats{}, err
	}
	if stats.Sent > 0 {
		stats.OpenRate = float64(opened) / float64(stats.Sent)
	}
	return stats, nil
}

// --- account/tag directory (recipient resolution reads) ---

func (s *Store) ListActiveCustomers(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, email, COALESCE(display_name,'')
		FROM accounts
		WHERE role='customer' AND active
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecipients(rows)
}

func (s *Store) ListAccountsByTags(ctx context.Context, tagIDs []string) ([]domain.Recipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT DISTINCT a.id, a.email, COALESCE(a.display_name,'')
		FROM accounts a
		JOIN account_tags t ON t.account_id = a.id
		WHERE a.role='customer' AND a.active AND t.tag_id = ANY($1)
		ORDER BY a.id
	`, tagIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecipients(rows)
}

// --- helpers ---

func collectRecipients(rows pgx.Rows) ([]domain.Recipient, error) {
	var out []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.ID, &r.Email, &r.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func collectOutcomes(rows pgx.Rows) ([]domain.RecipientOutcome, error) {
	var out []domain.RecipientOutcome
	for rows.Next() {
		var o domain.RecipientOutcome
		if err := rows.Scan(&o.ID, &o.CampaignID, &o.BatchID, &o.RecipientID, &o.Email,
			&o.DisplayName, &o.Status, &o.ErrorMessage, &o.SentAt, &o.OpenedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var c domain.Campaign
	var recurring, target, attachments []byte
	err := row.Scan(&c.ID, &c.Subject, &c.Content, &c.ScheduleType, &c.ScheduledAt,
		&recurring, &target, &c.TemplateID, &attachments, &c.Status, &c.NextFireAt,
		&c.StopRequested, &c.SkippedCount, &c.SentCount, &c.FailedCount,
		&c.CreatedAt, &c.UpdatedAt, &c.CompletedAt)
	if err != nil {
		return domain.Campaign{}, err
	}
	if len(recurring) > 0 {
		c.Recurring = &domain.RecurringConfig{}
		if err := json.Unmarshal(recurring, c.Recurring); err != nil {
			return domain.Campaign{}, err
		}
	}
	if len(target) > 0 {
		if err := json.Unmarshal(target, &c.Target); err != nil {
			return domain.Campaign{}, err
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &c.Attachments); err != nil {
			return domain.Campaign{}, err
		}
	}
	return c, nil
}

func marshalConfigs(c domain.Campaign) (recurring, target, attachments []byte, err error) {
	if c.Recurring != nil {
		if recurring, err = json.Marshal(c.Recurring); err != nil {
			return nil, nil, nil, err
		}
	}
	if target, err = json.Marshal(c.Target); err != nil {
		return nil, nil, nil, err
	}
	if len(c.Attachments) > 0 {
		if attachments, err = json.Marshal(c.Attachments); err != nil {
			return nil, nil, nil, err
		}
	}
	return recurring, target, attachments, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
