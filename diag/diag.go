/*Package diag exposes a read-only diagnostics surface over HTTP: a
liveness probe and a status snapshot. It binds routes the way
server.Server/Mainframe do (a route table keyed by path, bound in one
pass, with a JSON-encoding handler pattern), but onto a
github.com/go-chi/chi router instead of the bare http.DefaultServeMux,
matching generichttp/motion's chi.Router usage.

Nothing here can mutate bridge state; it exists purely for operators and
monitoring, and has no bearing on the framing protocol.
*/
package diag

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/dronebridge/dbusbbridge/bridge"
)

// StatusSource is the minimal surface diag needs from the running
// engine; bridge.Engine satisfies it.
type StatusSource interface {
	Status() bridge.Snapshot
}

// statusResponse is the JSON body served by GET /status.
type statusResponse struct {
	State           string `json:"state"`
	Connected       bool   `json:"connected"`
	LastWriteAgeMs  int64  `json:"last_write_age_ms"`
	ActiveEndpoints int    `json:"active_endpoints"`
	FragmentCount   uint64 `json:"fragment_count"`
	KeepAliveCount  uint64 `json:"keep_alive_count"`
}

// Router builds a chi.Router exposing GET /healthz and GET /status over
// src. Gating of /healthz (503 whenever the engine is not in RUN) mirrors
// the protect/do-not-protect split server/middleware/locker used to wall
// off routes during a locked state, simplified here to the one
// not-yet-ready condition diag actually has.
func Router(src StatusSource) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", healthzHandler(src))
	r.Get("/status", statusHandler(src))
	return r
}

func healthzHandler(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := src.Status()
		if snap.State != bridge.StateRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func statusHandler(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := src.Status()
		resp := statusResponse{
			State:           snap.State.String(),
			Connected:       snap.Connected,
			LastWriteAgeMs:  snap.LastWriteAge.Milliseconds(),
			ActiveEndpoints: snap.ActiveEndpoints,
			FragmentCount:   snap.FragmentCount,
			KeepAliveCount:  snap.KeepAliveCount,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
