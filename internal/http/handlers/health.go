package handlers

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string    `json:"status"`
	Time          time.Time `json:"time"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// Health reports liveness. It does not touch the job store.
func (a *App) Health(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	w.Header().Set("Cache-Control", "no-store")
	a.json(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Time:          now,
		UptimeSeconds: int64(now.Sub(a.started) / time.Second),
	})
}
