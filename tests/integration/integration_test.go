//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mailcast/internal/campaign"
	"mailcast/internal/domain"
	"mailcast/internal/mailer"
	"mailcast/internal/recipient"
	"mailcast/internal/scheduler"
	"mailcast/internal/store/pg"
	"mailcast/internal/util"
	"mailcast/internal/worker"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []string
	errs map[string]error // keyed by recipient address
}

func (t *recordingTransport) Send(ctx context.Context, msg mailer.Message) error {
	if err, ok := t.errs[msg.To]; ok {
		return err
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg.To)
	t.mu.Unlock()
	return nil
}

func newStack(db *pgxpool.Pool, tr mailer.Transport) (*campaign.Service, *scheduler.Scheduler, *pg.Store) {
	store := pg.New(db)
	svc := &campaign.Service{Store: store, IDGen: util.NewCampaignID}
	machine := &campaign.Machine{Store: store}
	dispatcher := &worker.Dispatcher{
		Store:      store,
		Transport:  tr,
		Finisher:   machine,
		StaleAfter: 10 * time.Minute,
	}
	sched := &scheduler.Scheduler{
		Store:             store,
		Resolver:          &recipient.Resolver{Directory: store},
		Dispatcher:        dispatcher,
		Finisher:          machine,
		MaxBatchSize:      2,
		MaxSendRate:       1000000, // near-zero spacing so every batch is due at once
		MaxConcurrent:     2,
		StaleAfter:        10 * time.Minute,
		ResolveRetryDelay: time.Minute,
	}
	return svc, sched, store
}

func seedCustomers(t *testing.T, db *pgxpool.Pool, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := db.Exec(context.Background(), `
			INSERT INTO accounts (id, email, display_name, role, active)
			VALUES ($1, $2, $3, 'customer', TRUE)
		`, fmt.Sprintf("acc-%d", i), fmt.Sprintf("c%d@example.com", i), fmt.Sprintf("Customer %d", i))
		if err != nil {
			t.Fatalf("seed account: %v", err)
		}
	}
}

func TestImmediateCampaignEndToEnd(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	seedCustomers(t, db, 5)
	tr := &recordingTransport{}
	svc, sched, store := newStack(db, tr)

	c, err := svc.Create(ctx, campaign.CreateInput{
		Subject:      "Launch",
		Content:      "<p>Hi {name}</p>",
		ScheduleType: domain.ScheduleImmediate,
		Target:       domain.TargetConfig{SegmentType: domain.SegmentAll},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// first tick fires the campaign and dispatches the due batches
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(tr.sent) != 5 {
		t.Fatalf("expected 5 sends, got %d", len(tr.sent))
	}
	assertCampaignStatus(t, db, c.ID, "sent")

	stats, err := store.CampaignStats(ctx, c.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.Sent != 5 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPartialDeliveryEndToEnd(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	seedCustomers(t, db, 3)
	tr := &recordingTransport{errs: map[string]error{
		"c1@example.com": &domain.PermanentSendError{StatusCode: 400, Err: fmt.Errorf("mailbox unavailable")},
	}}
	svc, sched, store := newStack(db, tr)

	c, err := svc.Create(ctx, campaign.CreateInput{
		Subject:      "Digest",
		Content:      "body",
		ScheduleType: domain.ScheduleImmediate,
		Target:       domain.TargetConfig{SegmentType: domain.SegmentAll},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	assertCampaignStatus(t, db, c.ID, "partial")

	stats, err := store.CampaignStats(ctx, c.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Sent != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestOpenTrackingIdempotent(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	seedCustomers(t, db, 1)
	tr := &recordingTransport{}
	svc, sched, store := newStack(db, tr)

	c, err := svc.Create(ctx, campaign.CreateInput{
		Subject:      "Open me",
		Content:      "body",
		ScheduleType: domain.ScheduleImmediate,
		Target:       domain.TargetConfig{SegmentType: domain.SegmentAll},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	outcomes, err := store.ListOutcomes(ctx, c.ID, 10, 0)
	if err != nil || len(outcomes) != 1 {
		t.Fatalf("list outcomes: %v (%d)", err, len(outcomes))
	}
	id := outcomes[0].ID

	recorded, err := store.MarkOutcomeOpened(ctx, id, time.Now())
	if err != nil || !recorded {
		t.Fatalf("first open: recorded=%v err=%v", recorded, err)
	}
	recorded, err = store.MarkOutcomeOpened(ctx, id, time.Now())
	if err != nil || recorded {
		t.Fatalf("second open must be a no-op: recorded=%v err=%v", recorded, err)
	}

	stats, err := store.CampaignStats(ctx, c.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.OpenRate != 1.0 {
		t.Fatalf("expected open rate 1.0, got %f", stats.OpenRate)
	}
}

func TestClaimBatchExactlyOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)
	now := time.Now().UTC()

	c := domain.Campaign{
		ID: util.NewCampaignID(), Subject: "s", Content: "b",
		ScheduleType: domain.ScheduleImmediate,
		Target:       domain.TargetConfig{SegmentType: domain.SegmentAll},
		Status:       domain.CampaignSending,
		CreatedAt:    now,
	}
	if err := store.InsertCampaign(ctx, c); err != nil {
		t.Fatalf("insert campaign: %v", err)
	}

	b := domain.Batch{
		ID: util.NewBatchID(), CampaignID: c.ID,
		ScheduledTime: now.Add(-time.Minute), Status: domain.BatchPending,
		RecipientCount: 1, CreatedAt: now,
	}
	if err := store.CreateBatches(ctx, []domain.Batch{b}, [][]domain.RecipientOutcome{nil}); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	won, err := store.ClaimBatch(ctx, b.ID, now, 10*time.Minute)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = store.ClaimBatch(ctx, b.ID, now, 10*time.Minute)
	if err != nil || won {
		t.Fatalf("second claim must lose: won=%v err=%v", won, err)
	}

	// after the lease expires the batch is claimable again
	won, err = store.ClaimBatch(ctx, b.ID, now.Add(11*time.Minute), 10*time.Minute)
	if err != nil || !won {
		t.Fatalf("stale reclaim: won=%v err=%v", won, err)
	}
}

func TestClaimCampaignFireLease(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)
	now := time.Now().UTC()
	fire := now.Add(-time.Minute)

	c := domain.Campaign{
		ID: util.NewCampaignID(), Subject: "s", Content: "b",
		ScheduleType: domain.ScheduleImmediate,
		Target:       domain.TargetConfig{SegmentType: domain.SegmentAll},
		Status:       domain.CampaignScheduled,
		NextFireAt:   &fire,
		CreatedAt:    now,
	}
	if err := store.InsertCampaign(ctx, c); err != nil {
		t.Fatalf("insert campaign: %v", err)
	}

	won, err := store.ClaimCampaignFire(ctx, c.ID, now, 10*time.Minute)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = store.ClaimCampaignFire(ctx, c.ID, now, 10*time.Minute)
	if err != nil || won {
		t.Fatalf("second claim must lose: won=%v err=%v", won, err)
	}

	// a claimer that died before expanding the fire left the campaign in
	// sending with zero batches; the due scan surfaces it once the lease
	// expires and the claim succeeds again
	later := now.Add(11 * time.Minute)
	due, err := store.ListDueCampaigns(ctx, later, 10*time.Minute, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != c.ID || due[0].Status != domain.CampaignSending {
		t.Fatalf("expected the stranded sending campaign to be due, got %+v", due)
	}
	won, err = store.ClaimCampaignFire(ctx, c.ID, later, 10*time.Minute)
	if err != nil || !won {
		t.Fatalf("stale reclaim: won=%v err=%v", won, err)
	}

	// once batches exist the fire claim is settled and never reissued
	b := domain.Batch{
		ID: util.NewBatchID(), CampaignID: c.ID,
		ScheduledTime: later, Status: domain.BatchPending,
		RecipientCount: 1, CreatedAt: later,
	}
	if err := store.CreateBatches(ctx, []domain.Batch{b}, [][]domain.RecipientOutcome{nil}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	won, err = store.ClaimCampaignFire(ctx, c.ID, later.Add(11*time.Minute), 10*time.Minute)
	if err != nil || won {
		t.Fatalf("claim after expansion must lose: won=%v err=%v", won, err)
	}
}

func assertCampaignStatus(t *testing.T, db *pgxpool.Pool, id, want string) {
	t.Helper()
	var got string
	if err := db.QueryRow(context.Background(), `SELECT status FROM campaigns WHERE id=$1`, id).Scan(&got); err != nil {
		t.Fatalf("select status: %v", err)
	}
	if got != want {
		t.Fatalf("expected status %s, got %s", want, got)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	if _, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "migrations", "001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}
	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
