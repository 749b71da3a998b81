package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mailcast/internal/observability"
	"mailcast/internal/util"
)

// 1x1 transparent GIF, served on every tracking hit.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type OpenRecorder interface {
	MarkOutcomeOpened(ctx context.Context, id string, now time.Time) (bool, error)
}

// Tracker serves the open pixel. The response is always the pixel with
// 200, whatever happens to the recording: mail clients are not an error
// channel.
type Tracker struct {
	Store OpenRecorder
	Now   func() time.Time
}

func (t *Tracker) Register(mux *mux.Router) {
	mux.HandleFunc("/t/open/{id}.gif", t.handleOpen).Methods(http.MethodGet)
}

func (t *Tracker) handleOpen(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	now := util.NowUTC()
	if t.Now != nil {
		now = t.Now()
	}

	recorded, err := t.Store.MarkOutcomeOpened(r.Context(), id, now)
	switch {
	case err != nil:
		slog.Error("record open failed", "err", err, "outcome_id", id)
		observability.OpenEvents.WithLabelValues("error").Inc()
	case recorded:
		observability.OpenEvents.WithLabelValues("opened").Inc()
	default:
		// repeat open or unknown id; first signal already counted
		observability.OpenEvents.WithLabelValues("repeat").Inc()
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)
}
