package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Status struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	Database  bool   `json:"database,omitempty"`
	LastSweep string `json:"last_sweep,omitempty"`
}

// HTTPHandler reports service health: database reachability plus the
// time of the dispatcher's last completed sweep. lastSweep may be nil
// for processes that do not run the sweep loop.
func HTTPHandler(pool *pgxpool.Pool, lastSweep func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		if lastSweep != nil {
			if t := lastSweep(); !t.IsZero() {
				st.LastSweep = t.UTC().Format(time.RFC3339)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
