package channel

import (
	"net/http"

	"uniq/internal/config"
)

// handleGetConfig returns the running configuration with secrets masked.
func (w *Web) handleGetConfig(rw http.ResponseWriter, r *http.Request) {
	if w.cfg == nil {
		writeError(rw, http.StatusServiceUnavailable, "config not loaded")
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		v, err := config.GetByPath(config.Sanitize(w.cfg), path)
		if err != nil {
			writeError(rw, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"path": path, "value": v})
		return
	}
	writeJSON(rw, http.StatusOK, config.Sanitize(w.cfg))
}
