package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	CampaignFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_campaign_fires_total", Help: "Campaign fire outcomes"},
		[]string{"result"},
	)
	BatchClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_batch_claims_total", Help: "Batch claim outcomes"},
		[]string{"result"},
	)
	MailSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_send_total", Help: "Provider send outcomes"},
		[]string{"result", "http_status"},
	)
	MailLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "mailcast_send_latency_seconds", Help: "Provider send latency"},
	)
	OpenEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_open_events_total", Help: "Tracking pixel hits"},
		[]string{"result"},
	)
	Skipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_recipients_skipped_total", Help: "Recipients dropped during resolution"},
		[]string{"reason"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, CampaignFires, BatchClaims, MailSend, MailLatency, OpenEvents, Skipped)
}
