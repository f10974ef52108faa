// Package httpapi exposes the lookup coordinator over HTTP and upgrades
// requesters to a websocket for notices and result delivery.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/VsevolodSauta/lookuppool"
	"github.com/VsevolodSauta/lookuppool/delivery"
	"github.com/VsevolodSauta/lookuppool/telemetry"
)

const (
	HeaderRequesterID   = "X-Requester-ID"
	HeaderRequesterName = "X-Requester-Name"
)

// Requester-facing messages.
const (
	msgCancelledFromQueue = "Your request has been cancelled and removed from the queue."
	msgCancelMarked       = "Your request has been marked for cancellation. It will be stopped if it's currently processing."
	msgNothingToCancel    = "You currently have no active requests."
	msgNoQueue            = "You currently have no active requests in the queue."
	msgInvalidIdentifier  = "Please send a valid 8 or 9-digit ID number."
	msgBusy               = "The system is currently under high load. Please try again later."
	msgRateLimited        = "Too many requests. Please wait a minute and try again."
	msgNoPrevious         = "No previous search to repeat."
)

type ctxKey int

const (
	requesterKey ctxKey = iota
	requesterNameKey
)

// Server implements the HTTP surface of the lookup service.
type Server struct {
	coord     *lookuppool.Coordinator
	hub       *delivery.Hub
	logDir    string
	developer lookuppool.RequesterID
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// New creates a server. logDir is where error.log is read from for the
// developer download.
func New(coord *lookuppool.Coordinator, hub *delivery.Hub, logDir string, developer lookuppool.RequesterID, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coord:     coord,
		hub:       hub,
		logDir:    logDir,
		developer: developer,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns a chi.Router with every endpoint mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireRequester)

		r.Post("/lookups", s.handleSubmit)
		r.Delete("/lookups", s.handleCancel)
		r.Post("/lookups/repeat", s.handleRepeat)
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Get("/history.xlsx", s.handleHistoryExport)
		r.Get("/stats", s.handleStats)
		r.Get("/errors", s.handleErrorLog)
		r.Get("/ws", s.handleWebSocket)
	})
	return r
}

func (s *Server) requireRequester(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequesterID)
		if id == "" {
			// Browsers cannot set headers on websocket upgrades.
			id = r.URL.Query().Get("requester")
		}
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing "+HeaderRequesterID)
			return
		}
		name := r.Header.Get(HeaderRequesterName)
		if name == "" {
			name = id
		}
		ctx := context.WithValue(r.Context(), requesterKey, lookuppool.RequesterID(id))
		ctx = context.WithValue(ctx, requesterNameKey, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requesterFrom(r *http.Request) (lookuppool.RequesterID, string) {
	id, _ := r.Context().Value(requesterKey).(lookuppool.RequesterID)
	name, _ := r.Context().Value(requesterNameKey).(string)
	return id, name
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Identifier string `json:"identifier"`
}

type submitResponse struct {
	Position         int     `json:"position"`
	EstimatedWaitSec float64 `json:"estimated_wait_sec"`
	Message          string  `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	requester, name := requesterFrom(r)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	position, err := s.coord.Submit(r.Context(), requester, name, req.Identifier)
	s.respondSubmit(w, position, err)
}

func (s *Server) handleRepeat(w http.ResponseWriter, r *http.Request) {
	requester, name := requesterFrom(r)
	position, err := s.coord.Repeat(r.Context(), requester, name)
	s.respondSubmit(w, position, err)
}

func (s *Server) respondSubmit(w http.ResponseWriter, position int, err error) {
	switch {
	case errors.Is(err, lookuppool.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, msgInvalidIdentifier)
		return
	case errors.Is(err, lookuppool.ErrNoPreviousLookup):
		writeError(w, http.StatusNotFound, msgNoPrevious)
		return
	case errors.Is(err, lookuppool.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	case errors.Is(err, lookuppool.ErrQueueBusy), errors.Is(err, lookuppool.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, msgBusy)
		return
	case err != nil:
		s.logger.Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue request")
		return
	}

	wait := s.coord.EstimatedWait(position)
	writeJSON(w, http.StatusAccepted, submitResponse{
		Position:         position,
		EstimatedWaitSec: wait.Seconds(),
		Message: fmt.Sprintf("Your request has been added to the queue. You are currently #%d in line. Estimated wait time: ~%s.",
			position, FormatWait(wait)),
	})
}

type cancelResponse struct {
	RemovedFromQueue bool   `json:"removed_from_queue"`
	Flagged          bool   `json:"flagged"`
	Message          string `json:"message"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requester, _ := requesterFrom(r)
	outcome := s.coord.RequestCancel(requester)

	resp := cancelResponse{RemovedFromQueue: outcome.RemovedFromQueue, Flagged: outcome.Flagged}
	switch {
	case outcome.RemovedFromQueue:
		resp.Message = msgCancelledFromQueue
	case outcome.Flagged:
		resp.Message = msgCancelMarked
	default:
		resp.Message = msgNothingToCancel
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Position         int     `json:"position"`
	QueueLength      int     `json:"queue_length"`
	EstimatedWaitSec float64 `json:"estimated_wait_sec"`
	InProgress       bool    `json:"in_progress"`
	Message          string  `json:"message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requester, _ := requesterFrom(r)
	st := s.coord.QueryStatus(requester)

	resp := statusResponse{
		Position:         st.Position,
		QueueLength:      st.QueueLength,
		EstimatedWaitSec: st.EstimatedWait.Seconds(),
		InProgress:       st.InProgress,
	}
	switch {
	case st.Position > 0:
		resp.Message = fmt.Sprintf("There are currently %d users in the queue. You are #%d in line. Estimated wait time: ~%s.",
			st.QueueLength, st.Position, FormatWait(st.EstimatedWait))
	case st.InProgress:
		resp.Message = "Your request is being processed."
	default:
		resp.Message = msgNoQueue
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Identifier  string    `json:"id_number"`
	DurationSec *float64  `json:"duration_sec"`
	Status      string    `json:"status"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	requester, _ := requesterFrom(r)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.coord.QueryHistory(r.Context(), requester, limit)
	if err != nil {
		s.logger.Error("failed to load history", "requester", requester, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load history: "+err.Error())
		return
	}

	out := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, historyEntry{
			Timestamp:   rec.Timestamp,
			Identifier:  rec.Identifier,
			DurationSec: rec.DurationSec,
			Status:      string(rec.Status),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	requester, _ := requesterFrom(r)
	data, err := s.coord.ExportHistory(r.Context(), requester)
	if err != nil {
		s.logger.Error("failed to export history", "requester", requester, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export history")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="history.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type statsResponse struct {
	TotalRuns      int     `json:"total_runs"`
	AvgRuntimeSec  float64 `json:"avg_runtime"`
	TotalCancelled int     `json:"total_cancelled"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	requester, _ := requesterFrom(r)
	stats, err := s.coord.QueryStats(r.Context(), requester)
	if err != nil {
		s.logger.Error("failed to load stats", "requester", requester, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TotalRuns:      stats.TotalRuns,
		AvgRuntimeSec:  stats.AvgRuntimeSec,
		TotalCancelled: stats.TotalCancelled,
	})
}

func (s *Server) handleErrorLog(w http.ResponseWriter, r *http.Request) {
	requester, _ := requesterFrom(r)
	if s.developer == "" || requester != s.developer {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}

	path := filepath.Join(s.logDir, telemetry.ErrorLogName)
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "No error log file found.")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to send error log: "+err.Error())
		return
	case info.Size() == 0:
		writeError(w, http.StatusNotFound, "The error log file exists but is empty.")
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="error.log"`)
	http.ServeFile(w, r, path)
	s.logger.Info("sent error log", "requester", requester)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	requester, _ := requesterFrom(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "requester", requester, "error", err)
		return
	}
	s.hub.AddClient(requester, conn)
}

// FormatWait renders a wait estimate as "M min S sec" or "S seconds".
func FormatWait(d time.Duration) string {
	total := int(d.Seconds())
	minutes, seconds := total/60, total%60
	if minutes > 0 {
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	}
	return fmt.Sprintf("%d seconds", seconds)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
