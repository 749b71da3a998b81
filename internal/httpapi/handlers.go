package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"mailcast/internal/campaign"
	"mailcast/internal/domain"
	"mailcast/internal/observability"
)

type API struct {
	Svc *campaign.Service
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns", a.handleCreate).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGet).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/stats", a.handleStats).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/batches", a.handleListBatches).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/recipients", a.handleListRecipients).Methods(http.MethodGet)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		observability.APIRequests.WithLabelValues("/v1/campaigns", "400").Inc()
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	c, err := a.Svc.Create(r.Context(), in)
	if err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			observability.APIRequests.WithLabelValues("/v1/campaigns", "400").Inc()
			http.Error(w, cfgErr.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("create campaign failed", "err", err, "subject", in.Subject)
		observability.APIRequests.WithLabelValues("/v1/campaigns", "502").Inc()
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	observability.APIRequests.WithLabelValues("/v1/campaigns", "201").Inc()
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := a.Svc.Get(r.Context(), id)
	if err != nil {
		a.writeLookupError(w, err, "get campaign", id)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Svc.Cancel(r.Context(), id); err != nil {
		a.writeLookupError(w, err, "cancel campaign", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, err := a.Svc.Stats(r.Context(), id)
	if err != nil {
		a.writeLookupError(w, err, "campaign stats", id)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleListBatches(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	batches, err := a.Svc.ListBatches(r.Context(), id, pageParam(r))
	if err != nil {
		a.writeLookupError(w, err, "list batches", id)
		return
	}
	if batches == nil {
		batches = []domain.Batch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

func (a *API) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	outcomes, err := a.Svc.ListOutcomes(r.Context(), id, pageParam(r))
	if err != nil {
		a.writeLookupError(w, err, "list recipients", id)
		return
	}
	if outcomes == nil {
		outcomes = []domain.RecipientOutcome{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (a *API) writeLookupError(w http.ResponseWriter, err error, op, id string) {
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	slog.Error(op+" failed", "err", err, "id", id)
	http.Error(w, ErrDependency, http.StatusBadGateway)
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
