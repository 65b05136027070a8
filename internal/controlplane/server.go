// Package controlplane implements the HTTP control surface: station and
// storage config CRUD, acquisition session start/stop/status, a
// Server-Sent Events preview stream, and the small set of external
// collaborator endpoints (system time, log tail) spec.md lists for
// completeness.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/multiverse-hardware-labs/daqedge/internal/acquisition"
	"github.com/multiverse-hardware-labs/daqedge/internal/config"
	"github.com/multiverse-hardware-labs/daqedge/internal/preview"
	"github.com/multiverse-hardware-labs/daqedge/internal/session"
)

// defaultLogTail is how many lines GET /logs returns when the caller
// omits ?limit.
const defaultLogTail = 50

// maxLogTail bounds the largest ?limit a caller may request.
const maxLogTail = 500

// defaultPreviewMaxDurationS bounds one SSE preview stream's cumulative
// delivered span when the request doesn't override it.
const defaultPreviewMaxDurationS = 300.0

// Server wires the control-plane HTTP routes to a station/storage config
// store, the session manager, and the shared log ring.
type Server struct {
	StationStore *config.Store
	StorageStore *config.Store
	Sessions     *session.Manager
	Logger       *log.Logger
	LogRing      *LogRing
	Metrics      http.Handler

	// BearerToken gates every route when non-empty, matching the
	// original's "no token configured means open" default.
	BearerToken string

	mux *http.ServeMux
}

// NewServer builds a Server with all routes registered.
func NewServer(stationStore, storageStore *config.Store, sessions *session.Manager, logRing *LogRing, metrics http.Handler) *Server {
	s := &Server{
		StationStore: stationStore,
		StorageStore: storageStore,
		Sessions:     sessions,
		Logger:       log.Default(),
		LogRing:      logRing,
		Metrics:      metrics,
	}
	s.routes()
	return s
}

// Handler returns the complete, token-gated HTTP handler.
func (s *Server) Handler() http.Handler {
	return requireToken(s.BearerToken, s.mux)
}

func (s *Server) routes() {
	mux := http.NewServeMux()
	mux.HandleFunc("/config/mcc128", s.handleStationConfig)
	mux.HandleFunc("/config/storage", s.handleStorageConfig)
	mux.HandleFunc("/config/influx", s.handleStorageConfig)
	mux.HandleFunc("/config/influx/status", s.handleInfluxStatus)
	mux.HandleFunc("/acquisition/start", s.handleStart)
	mux.HandleFunc("/acquisition/stop", s.handleStop)
	mux.HandleFunc("/acquisition/session", s.handleSessionStatus)
	mux.HandleFunc("/preview/stream", s.handlePreviewStream)
	mux.HandleFunc("/system/time", s.handleSystemTime)
	mux.HandleFunc("/system/time/sync", s.handleSystemTimeSync)
	mux.HandleFunc("/logs", s.handleLogs)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}
	s.mux = mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.Logger.Printf("controlplane: encoding response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleStationConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st, err := s.StationStore.LoadStation()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, st)
	case http.MethodPut:
		var st config.Station
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding body: %v", err))
			return
		}
		if err := s.StationStore.SaveStation(st); err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, st)
	default:
		w.Header().Set("Allow", "GET, PUT")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleStorageConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		storage, err := s.StorageStore.LoadStorage()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		storage.Token = redactToken(storage.Token)
		s.writeJSON(w, http.StatusOK, storage)
	case http.MethodPut:
		var storage config.Storage
		if err := json.NewDecoder(r.Body).Decode(&storage); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding body: %v", err))
			return
		}
		if err := s.StorageStore.SaveStorage(storage); err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		storage.Token = redactToken(storage.Token)
		s.writeJSON(w, http.StatusOK, storage)
	default:
		w.Header().Set("Allow", "GET, PUT")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func redactToken(token string) string {
	if token == "" {
		return ""
	}
	return "****"
}

// handleInfluxStatus performs a health probe: it loads the storage
// config and issues a zero-line dry-run write to the configured bucket,
// reporting whether the endpoint accepted it.
func (s *Server) handleInfluxStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	storage, err := s.StorageStore.LoadStorage()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeURL := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns",
		strings.TrimRight(storage.URL, "/"), storage.Org, storage.Bucket)
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(storage.TimeoutS*float64(time.Second)))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, writeURL, bytes.NewReader(nil))
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	req.Header.Set("Authorization", "Token "+storage.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	defer resp.Body.Close()

	s.writeJSON(w, http.StatusOK, map[string]any{"ok": resp.StatusCode < 300, "status_code": resp.StatusCode})
}

type startRequestBody struct {
	Mode    string `json:"mode"`
	Preview bool   `json:"preview"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body := startRequestBody{Mode: string(acquisition.ModeContinuous), Preview: true}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	summary, err := s.Sessions.Start(session.StartRequest{
		Mode:    acquisition.Mode(body.Mode),
		Preview: body.Preview,
	})
	if err != nil {
		var conflict *session.ErrConflict
		if errors.As(err, &conflict) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, summaryJSON(summary))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	summary, err := s.Sessions.Stop()
	if err != nil {
		var conflict *session.ErrConflict
		if errors.As(err, &conflict) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "session stopped", "session": summaryJSON(summary)})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if current, ok := s.Sessions.Current(); ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"active": true, "session": summaryJSON(current)})
		return
	}
	last, ok := s.Sessions.Last()
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"active": false, "last_session": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"active": false, "last_session": summaryJSON(last)})
}

func summaryJSON(sm session.Summary) map[string]any {
	return map[string]any{
		"mode":        sm.Mode,
		"preview":     sm.Preview,
		"status":      sm.Status,
		"started_at":  sm.StartedAt,
		"finished_at": sm.FinishedAt,
		"station_id":  sm.StationID,
		"error":       sm.Error,
	}
}

func (s *Server) handlePreviewStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ch, err := s.Sessions.AcquirePreview()
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer s.Sessions.ReleasePreview(ch)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	maxDuration := defaultPreviewMaxDurationS
	if raw := r.URL.Query().Get("max_duration_s"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			maxDuration = parsed
		}
	}
	step := 1
	if raw := r.URL.Query().Get("step"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			step = parsed
		}
	}
	var channels []int
	if raw := r.URL.Query().Get("channels"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if idx, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				channels = append(channels, idx)
			}
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	streamer := preview.New(ch, preview.Options{
		ChannelIndices: channels,
		Step:           step,
		MaxDurationS:   maxDuration,
	})

	err = streamer.Stream(r.Context(), func(frame preview.Frame) error {
		data, marshalErr := json.Marshal(previewFrameJSON(frame))
		if marshalErr != nil {
			return marshalErr
		}
		if _, writeErr := fmt.Fprintf(w, "data: %s\n\n", data); writeErr != nil {
			return writeErr
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		s.Logger.Printf("controlplane: preview stream ended with error: %v", err)
	}
}

func previewFrameJSON(f preview.Frame) map[string]any {
	channels := make([]map[string]any, 0, len(f.Channels))
	for _, ch := range f.Channels {
		channels = append(channels, map[string]any{
			"index":  ch.Index,
			"name":   ch.Name,
			"unit":   ch.Unit,
			"values": ch.Values,
		})
	}
	return map[string]any{
		"station_id":     f.StationID,
		"captured_at_ns": f.CapturedAtNs,
		"timestamps_ns":  f.TimestampsNs,
		"channels":       channels,
	}
}

func (s *Server) handleSystemTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"system_time": time.Now()})
}

// handleSystemTimeSync is a documented stub: triggering an NTP
// resynchronization means shelling out to timedatectl/systemctl, an
// external OS collaborator this module does not own. It reports 501
// rather than faking success.
func (s *Server) handleSystemTimeSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeError(w, http.StatusNotImplemented, "NTP resync is not implemented; it requires shelling out to timedatectl/systemctl on the host")
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := defaultLogTail
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > maxLogTail {
			parsed = maxLogTail
		}
		limit = parsed
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lines": s.LogRing.Tail(limit)})
}
