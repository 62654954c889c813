// Package httpapi provides the HTTP surface next to the WebSocket
// endpoint: health checks and read-only access to stored recordings.
package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sanchopanda/livescribe/internal/observability/logging"
	"github.com/sanchopanda/livescribe/internal/session"
	"github.com/sanchopanda/livescribe/internal/wav"
)

// RecordingInfo describes one stored WAV file.
type RecordingInfo struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// NewRouter constructs the HTTP router. The WebSocket handler is
// mounted alongside the REST routes so everything serves from one
// listener.
func NewRouter(ws http.Handler, manager *session.Manager, persister *wav.Persister) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"activeSessions": manager.ActiveSessions(),
		})
	})

	r.Handle("/ws", ws)

	r.Get("/recordings", listRecordings(persister))
	r.Get("/recordings/{filename}", serveRecording(persister))

	return r
}

func listRecordings(persister *wav.Persister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := os.ReadDir(persister.Dir())
		if err != nil {
			if os.IsNotExist(err) {
				writeJSON(w, http.StatusOK, []RecordingInfo{})
				return
			}
			logger := logging.WithComponent("httpapi")
			logger.Error().Err(err).Msg("Listing recordings failed")
			http.Error(w, "failed to list recordings", http.StatusInternalServerError)
			return
		}

		recordings := make([]RecordingInfo, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".wav") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			recordings = append(recordings, RecordingInfo{
				Filename: e.Name(),
				Size:     info.Size(),
				Modified: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
			})
		}
		sort.Slice(recordings, func(i, j int) bool {
			return recordings[i].Filename > recordings[j].Filename
		})

		writeJSON(w, http.StatusOK, recordings)
	}
}

func serveRecording(persister *wav.Persister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "filename")
		if !validRecordingName(name) {
			http.Error(w, "invalid recording name", http.StatusBadRequest)
			return
		}

		path := filepath.Join(persister.Dir(), name)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "recording not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to open recording", http.StatusInternalServerError)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			http.Error(w, "failed to stat recording", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "audio/wav")
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

// validRecordingName rejects anything that could escape the recordings
// directory or is not a WAV file.
func validRecordingName(name string) bool {
	if name == "" || !strings.HasSuffix(name, ".wav") {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
