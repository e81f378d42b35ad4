package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/router"
	"oss.nandlabs.io/dispatch/scheduler"
	"oss.nandlabs.io/dispatch/turbo"
)

// newAdminRouter builds the operator-facing HTTP surface: a liveness
// check, a per-store job listing, and an out-of-band job trigger. It is a
// plain http.Handler, callers wrap it in an *http.Server themselves so
// TLS, timeouts, and shutdown stay the caller's decision.
func newAdminRouter(r *router.Router) *turbo.Router {
	tr := turbo.NewRouter()
	logger := l3.Get()

	tr.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"stores": r.Keys(),
		})
	})

	tr.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		type jobView struct {
			Store        string    `json:"store"`
			Name         string    `json:"name"`
			CronSchedule string    `json:"cronSchedule"`
			Topic        string    `json:"topic"`
			IsEnabled    bool      `json:"isEnabled"`
			NextDueTime  time.Time `json:"nextDueTime"`
		}
		var out []jobView
		for _, key := range r.Keys() {
			sc, err := r.GetScheduler(key)
			if err != nil {
				logger.WarnF("admin /jobs: store %q: %v", key, err)
				continue
			}
			jobs, err := sc.ListJobs(ctx)
			if err != nil {
				logger.WarnF("admin /jobs: listing store %q: %v", key, err)
				continue
			}
			for _, j := range jobs {
				out = append(out, jobView{
					Store:        key,
					Name:         j.Name,
					CronSchedule: j.CronSchedule,
					Topic:        j.Topic,
					IsEnabled:    j.IsEnabled,
					NextDueTime:  j.NextDueTime,
				})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	tr.Post("/jobs/{name}/trigger", func(w http.ResponseWriter, req *http.Request) {
		name, err := tr.GetPathParams("name", req)
		if err != nil {
			http.Error(w, "missing job name", http.StatusBadRequest)
			return
		}
		storeKey := req.URL.Query().Get("store")

		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		var sc *scheduler.Scheduler
		var lookupErr error
		if storeKey != "" {
			sc, lookupErr = r.GetScheduler(storeKey)
		} else {
			sc, lookupErr = r.Scheduler()
		}
		if lookupErr != nil {
			http.Error(w, lookupErr.Error(), http.StatusBadRequest)
			return
		}

		runID, err := sc.TriggerJob(ctx, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"jobRunId": runID})
	})

	return tr
}
