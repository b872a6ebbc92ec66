package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/testground/hostsync/pkg/logging"
)

func (d *Daemon) sessionsHandler(sessions SessionLister) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logging.S().With("req_id", r.Header.Get("X-Request-ID"))

		infos := sessions.Sessions()
		log.Debugw("handle request", "command", "sessions", "count", len(infos))

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(infos); err != nil {
			log.Warnw("failed to write response", "err", err)
		}
	}
}

func (d *Daemon) healthcheckHandler() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}
}
