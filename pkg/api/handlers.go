package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/flakeguard/flakeguard/pkg/memory"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// defaultRunsLimit caps unbounded run listings.
const defaultRunsLimit = 100

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns returns persisted runs, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")

	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), project, limit)
	if err != nil {
		s.log.WithError(err).Error("Listing runs failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs"})

		return
	}

	if runs == nil {
		runs = []memory.Run{}
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleRunResults returns all result rows of one run.
func (s *server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	results, err := s.store.ListResults(r.Context(), uid)
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"run not found"})

		return
	}

	if results == nil {
		results = []memory.Result{}
	}

	writeJSON(w, http.StatusOK, results)
}

// recurrenceResponse answers a recurrence query.
type recurrenceResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Days    int    `json:"days"`
	Count   int64  `json:"count"`
}

// handleRecurrences counts identical failures in the trailing window.
func (s *server) handleRecurrences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	name := q.Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"name is required"})

		return
	}

	message := q.Get("message")

	days := memory.RecurrenceDays
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"days must be a positive integer"})

			return
		}

		days = n
	}

	count, err := s.store.FindRecurrences(r.Context(), name, message, days)
	if err != nil {
		s.log.WithError(err).Error("Recurrence query failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"querying recurrences"})

		return
	}

	writeJSON(w, http.StatusOK, recurrenceResponse{
		Name:    name,
		Message: message,
		Days:    days,
		Count:   count,
	})
}

// requestLogger logs each request at debug level.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("Request handled")
	})
}
