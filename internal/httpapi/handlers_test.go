package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcast/internal/campaign"
	"mailcast/internal/domain"
)

type fakeCampaignStore struct {
	inserted []domain.Campaign
	campaign domain.Campaign
	found    bool
	stats    domain.CampaignStats
}

func (f *fakeCampaignStore) InsertCampaign(ctx context.Context, c domain.Campaign) error {
	f.inserted = append(f.inserted, c)
	return nil
}

func (f *fakeCampaignStore) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	return f.campaign, f.found, nil
}

func (f *fakeCampaignStore) CancelCampaign(ctx context.Context, id string, now time.Time) (bool, error) {
	return true, nil
}

func (f *fakeCampaignStore) RequestStop(ctx context.Context, id string, now time.Time) (bool, error) {
	return true, nil
}

func (f *fakeCampaignStore) CampaignStats(ctx context.Context, campaignID string) (domain.CampaignStats, error) {
	return f.stats, nil
}

func (f *fakeCampaignStore) ListBatches(ctx context.Context, campaignID string, limit, offset int) ([]domain.Batch, error) {
	return nil, nil
}

func (f *fakeCampaignStore) ListOutcomes(ctx context.Context, campaignID string, limit, offset int) ([]domain.RecipientOutcome, error) {
	return nil, nil
}

func newTestServer(st *fakeCampaignStore) *Server {
	svc := &campaign.Service{
		Store: st,
		IDGen: func() string { return "cmp_test" },
		Now:   func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	s := New()
	api := &API{Svc: svc}
	api.Register(s.Mux)
	return s
}

func TestCreateCampaign(t *testing.T) {
	st := &fakeCampaignStore{}
	s := newTestServer(st)

	body := `{
		"subject": "Summer menu",
		"content": "<p>Hi {name}</p>",
		"scheduleType": "immediate",
		"targetConfig": {"segmentType": "all"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c domain.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.Equal(t, "cmp_test", c.ID)
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Len(t, st.inserted, 1)
}

func TestCreateCampaignInvalidJSON(t *testing.T) {
	s := newTestServer(&fakeCampaignStore{})
	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCampaignConfigError(t *testing.T) {
	s := newTestServer(&fakeCampaignStore{})
	body := `{"content": "b", "scheduleType": "immediate", "targetConfig": {"segmentType": "all"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "subject")
}

func TestGetCampaignNotFound(t *testing.T) {
	s := newTestServer(&fakeCampaignStore{found: false})
	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns/cmp_nope", nil)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelCampaign(t *testing.T) {
	st := &fakeCampaignStore{
		campaign: domain.Campaign{ID: "cmp_1", Status: domain.CampaignScheduled},
		found:    true,
	}
	s := newTestServer(st)
	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns/cmp_1/cancel", nil)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCampaignStats(t *testing.T) {
	st := &fakeCampaignStore{
		campaign: domain.Campaign{ID: "cmp_1", Status: domain.CampaignSent},
		found:    true,
		stats:    domain.CampaignStats{Total: 10, Sent: 8, Failed: 2, Skipped: 1, OpenRate: 0.5},
	}
	s := newTestServer(st)
	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns/cmp_1/stats", nil)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats domain.CampaignStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 8, stats.Sent)
	assert.InDelta(t, 0.5, stats.OpenRate, 1e-9)
}

func TestListRecipientsEmptyIsArray(t *testing.T) {
	st := &fakeCampaignStore{found: true}
	s := newTestServer(st)
	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns/cmp_1/recipients?page=2", nil)
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}
