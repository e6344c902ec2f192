package api

import (
	"encoding/json"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"howett.net/plist"
)

const plistContentType = "application/x-plist"

// wantsPlist reports whether the client asked for an XML property list
// instead of JSON.
func wantsPlist(r *http.Request) bool {
	if f := r.URL.Query().Get("format"); f != "" {
		return strings.EqualFold(f, "plist")
	}
	return strings.Contains(r.Header.Get("Accept"), plistContentType)
}

func writeValue(w http.ResponseWriter, r *http.Request, status int, v any) {
	if wantsPlist(r) {
		b, err := plist.MarshalIndent(v, plist.XMLFormat, "\t")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", plistContentType)
		w.WriteHeader(status)
		_, _ = w.Write(b)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}
