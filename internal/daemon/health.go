package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/stewardmcp/steward/pkg/status"
)

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Servers       int    `json:"servers"`
	Running       int    `json:"running"`
	Quarantined   int    `json:"quarantined"`
	Clients       int    `json:"clients"`
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(d.started).Seconds()),
		Clients:       d.hub.Count(),
	}
	for _, o := range d.manager.Overviews() {
		resp.Servers++
		if o.State == status.StateRunning {
			resp.Running++
		}
		if o.Quarantined {
			resp.Quarantined++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}
