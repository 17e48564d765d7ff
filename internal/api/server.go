package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"hrwatch/internal/config"
	"hrwatch/internal/engine"
	"hrwatch/internal/history"
	"hrwatch/internal/metrics"
	"hrwatch/internal/model"
)

// Host is the part of the session host the API drives.
type Host interface {
	Snapshot() model.Snapshot
	Remount() error
	Subscribe(fn func(model.Snapshot)) func()
	UpdateConfig(cfg *config.Config)
}

type Server struct {
	cfg     *config.Manager
	host    Host
	history history.Source
	metrics *metrics.Collector
	hub     *Hub
	logger  *slog.Logger
	version string

	broadcastMu sync.Mutex
	lastSession string
	lastSeq     uint64
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Stream     streamStatus    `json:"stream"`
	API        apiStatus       `json:"api"`
	Detection  detectionStatus `json:"detection"`
	History    historyStatus   `json:"history"`
	WSClients  int             `json:"ws_clients"`
}

type streamStatus struct {
	Transport string          `json:"transport"`
	SessionID string          `json:"session_id"`
	State     model.ConnState `json:"state"`
	Error     string          `json:"error,omitempty"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type detectionStatus struct {
	LowBPM       float64 `json:"low_bpm"`
	HighBPM      float64 `json:"high_bpm"`
	DeltaBPM     float64 `json:"delta_bpm"`
	AlertTTL     string  `json:"alert_ttl"`
	DedupeWindow string  `json:"dedupe_window"`
}

// detectionUpdate is a partial PUT body; durations use time.ParseDuration syntax.
type detectionUpdate struct {
	LowBPM       *float64 `json:"low_bpm"`
	HighBPM      *float64 `json:"high_bpm"`
	DeltaBPM     *float64 `json:"delta_bpm"`
	AlertTTL     *string  `json:"alert_ttl"`
	DedupeWindow *string  `json:"dedupe_window"`
}

func newDetectionStatus(d config.DetectionConfig) detectionStatus {
	return detectionStatus{
		LowBPM:       d.LowBPM,
		HighBPM:      d.HighBPM,
		DeltaBPM:     d.DeltaBPM,
		AlertTTL:     d.AlertTTL.String(),
		DedupeWindow: d.DedupeWindow.String(),
	}
}

func (u detectionUpdate) apply(d config.DetectionConfig) (config.DetectionConfig, error) {
	if u.LowBPM != nil {
		d.LowBPM = *u.LowBPM
	}
	if u.HighBPM != nil {
		d.HighBPM = *u.HighBPM
	}
	if u.DeltaBPM != nil {
		d.DeltaBPM = *u.DeltaBPM
	}
	if u.AlertTTL != nil {
		ttl, err := time.ParseDuration(*u.AlertTTL)
		if err != nil || ttl <= 0 {
			return d, fmt.Errorf("invalid alert_ttl %q", *u.AlertTTL)
		}
		d.AlertTTL = ttl
	}
	if u.DedupeWindow != nil {
		window, err := time.ParseDuration(*u.DedupeWindow)
		if err != nil {
			return d, fmt.Errorf("invalid dedupe_window %q", *u.DedupeWindow)
		}
		d.DedupeWindow = window
	}
	return d, nil
}

type historyStatus struct {
	Enabled bool   `json:"enabled"`
	Source  string `json:"source"`
}

type historyResponse struct {
	Count   int             `json:"count"`
	Window  []model.Reading `json:"window"`
	Stats   model.Stats     `json:"stats"`
	HasData bool            `json:"has_data"`
}

func NewServer(cfg *config.Manager, host Host, src history.Source, collector *metrics.Collector, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		host:    host,
		history: src,
		metrics: collector,
		hub:     NewHub(),
		logger:  logger,
		version: version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/history/all", s.handleHistoryAll)
	mux.HandleFunc("/config/detection", s.handleDetection)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/admin/remount", s.handleRemount)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Run serves until ctx is done, pushing every snapshot change to websocket
// clients, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	current := s.cfg.Get().API
	if !current.Enabled {
		if s.logger != nil {
			s.logger.Info("api disabled")
		}
		<-ctx.Done()
		return nil
	}
	if s.logger != nil {
		s.logger.Info("api enabled", "addr", current.Addr)
	}
	if s.host != nil {
		unsubscribe := s.host.Subscribe(s.broadcast)
		defer unsubscribe()
	}

	httpServer := &http.Server{Addr: current.Addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("api server error", "err", err)
			}
			return err
		}
		return nil
	case <-ctx.Done():
	}
	s.hub.closeAll()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctxShutdown)
}

// broadcast pushes snap to websocket clients unless a newer snapshot of the
// same session already went out. Snapshots come from the session loop and
// from the alert timer, so they can arrive out of order.
func (s *Server) broadcast(snap model.Snapshot) {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()
	if snap.SessionID == s.lastSession && snap.Seq < s.lastSeq {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	s.lastSession, s.lastSeq = snap.SessionID, snap.Seq
	s.hub.broadcastText(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Stream:     streamStatus{Transport: cfg.Stream.Transport},
		API:        apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Detection:  newDetectionStatus(cfg.Detection),
		History:   historyStatus{Enabled: cfg.History.Enabled && s.history != nil, Source: cfg.History.Source},
		WSClients: s.hub.Len(),
	}
	if s.host != nil {
		snap := s.host.Snapshot()
		resp.Stream.SessionID = snap.SessionID
		resp.Stream.State = snap.State
		resp.Stream.Error = snap.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.host == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.host.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": history.ErrUnavailable.Error()})
		return
	}
	cfg := s.cfg.Get()
	count := cfg.History.Count
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		count = n
	}
	readings, err := s.history.Latest(r.Context(), count)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("history fetch failed", "count", count, "err", err)
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	st := engine.SeedState(cfg.Window.Capacity, readings)
	writeJSON(w, http.StatusOK, historyResponse{
		Count:   len(readings),
		Window:  st.Window.Readings(),
		Stats:   st.Stats,
		HasData: st.HasRealData,
	})
}

// handleHistoryAll returns the whole reading log, newest first.
func (s *Server) handleHistoryAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": history.ErrUnavailable.Error()})
		return
	}
	readings, err := s.history.All(r.Context())
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("history fetch failed", "err", err)
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(readings), "readings": readings})
}

func (s *Server) handleDetection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, newDetectionStatus(s.cfg.Get().Detection))
	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req detectionUpdate
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		current := s.cfg.Get()
		next := *current
		next.Detection, err = req.apply(current.Detection)
		if err == nil {
			err = config.Validate(&next)
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err := s.cfg.Update(&next); err != nil {
			if s.logger != nil {
				s.logger.Error("config update failed", "err", err)
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if s.host != nil {
			s.host.UpdateConfig(&next)
		}
		if s.logger != nil {
			s.logger.Info("detection thresholds updated", "low_bpm", next.Detection.LowBPM, "high_bpm", next.Detection.HighBPM, "delta_bpm", next.Detection.DeltaBPM)
		}
		writeJSON(w, http.StatusOK, newDetectionStatus(next.Detection))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := s.hub.add(conn)
	defer s.hub.remove(c)
	if s.host != nil {
		if data, err := json.Marshal(s.host.Snapshot()); err == nil {
			s.hub.sendTo(c, data)
		}
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) handleRemount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.host == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err := s.host.Remount(); err != nil {
		if s.logger != nil {
			s.logger.Error("remount failed", "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "session_id": s.host.Snapshot().SessionID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
