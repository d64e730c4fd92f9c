package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"farmchat/internal/retention"
	"farmchat/pkg/logger"
	"farmchat/pkg/store"
	"farmchat/pkg/utils"
)

// RegisterAdmin wires the admin surface onto the /v1 router. The auth
// middleware already restricts /v1/admin to admin keys.
func RegisterAdmin(r *mux.Router, d Deps) {
	r.HandleFunc("/admin/stats", d.adminStats).Methods(http.MethodGet)
	r.HandleFunc("/admin/retention/run", d.runRetention).Methods(http.MethodPost)
}

type queueStats struct {
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	InFlight int64  `json:"in_flight"`
	Dropped  uint64 `json:"dropped"`
	Enqueued uint64 `json:"enqueued"`
}

type adminStatsResponse struct {
	Store   store.Stats `json:"store"`
	Async   bool        `json:"ingest_async"`
	Queue   *queueStats `json:"queue,omitempty"`
	Gateway struct {
		Connections int `json:"connections"`
	} `json:"gateway"`
}

func (d Deps) adminStats(w http.ResponseWriter, r *http.Request) {
	var resp adminStatsResponse
	st, err := store.GetStats(r.Context())
	if err != nil {
		logger.Error("admin_stats_failed", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp.Store = st
	resp.Async = d.Dispatcher.Async()
	if q := d.Dispatcher.Queue(); q != nil {
		resp.Queue = &queueStats{
			Depth:    q.Len(),
			Capacity: q.Cap(),
			InFlight: q.InFlight(),
			Dropped:  q.Dropped(),
			Enqueued: q.EnqueuedTotal(),
		}
	}
	if d.Presence != nil {
		resp.Gateway.Connections = d.Presence.Connections()
	}
	_ = utils.JSONWrite(w, http.StatusOK, resp)
}

// runRetention forces one sweep now instead of waiting for the schedule.
func (d Deps) runRetention(w http.ResponseWriter, r *http.Request) {
	if d.Retention == nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "retention is not configured")
		return
	}
	stats, err := d.Retention.Run(r.Context())
	switch {
	case errors.Is(err, retention.ErrDisabled):
		utils.JSONError(w, http.StatusServiceUnavailable, "retention is disabled")
		return
	case errors.Is(err, retention.ErrSweepRunning):
		utils.JSONError(w, http.StatusConflict, "a sweep is already running")
		return
	case err != nil:
		logger.Error("retention_manual_run_failed", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("retention_manual_run", "scanned", stats.Scanned, "deleted", stats.Deleted)
	_ = utils.JSONWrite(w, http.StatusOK, stats)
}
