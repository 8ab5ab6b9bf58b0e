package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/registry"
)

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Host        string `json:"host,omitempty"`
	Uptime      string `json:"uptime"`
	Paused      bool   `json:"paused"`
	RoundActive bool   `json:"round_active"`
	Tasks       int    `json:"tasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ctrl := s.deps.Controller
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Version:     s.deps.Version,
		Host:        s.deps.HostUUID,
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
		Paused:      ctrl.Paused(),
		RoundActive: ctrl.RoundActive(),
		Tasks:       len(ctrl.Tasks()),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.deps.Devices.Snapshot()})
}

func (s *Server) handleListRoutines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"routines": s.deps.Controller.Routines()})
}

type taskView struct {
	Key       string    `json:"key"`
	Scope     string    `json:"scope"`
	Task      string    `json:"task"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Resumable bool      `json:"resumable"`
}

func viewOf(entry registry.Entry) taskView {
	return taskView{
		Key:       entry.Key.String(),
		Scope:     entry.Key.Scope.String(),
		Task:      entry.Key.Task,
		RunID:     entry.RunID,
		StartedAt: entry.Started,
		Resumable: entry.Resumable,
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	entries := s.deps.Controller.Tasks()
	out := make([]taskView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, viewOf(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// startRequest is the body of POST /tasks. Routine defaults to the key's
// task qualifier.
type startRequest struct {
	Key     string         `json:"key"`
	Routine string         `json:"routine,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "key is required")
		return
	}
	if err := s.deps.Controller.StartTaskByKey(req.Key, req.Routine, req.Params); err != nil {
		log.Warn().Err(err).Str("key", req.Key).Msg("api start task failed")
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"key": strings.TrimSpace(req.Key), "started": true})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	raw, ok := taskKeyParam(w, r)
	if !ok {
		return
	}
	key, err := registry.ParseKey(raw)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	for _, entry := range s.deps.Controller.Tasks() {
		if entry.Key == key {
			writeJSON(w, http.StatusOK, viewOf(entry))
			return
		}
	}
	writeError(w, http.StatusNotFound, codeNotFound, "task "+key.String()+" is not running")
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	raw, ok := taskKeyParam(w, r)
	if !ok {
		return
	}
	stopped, err := s.deps.Controller.StopTaskByKey(raw)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	if !stopped {
		writeError(w, http.StatusNotFound, codeNotFound, "task "+raw+" is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"key": raw, "stopped": true})
}

func taskKeyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid task key")
		return "", false
	}
	return raw, true
}

const defaultRunsLimit = 50

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "run history is not enabled")
		return
	}
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.deps.Runs.RecentRuns(r.Context(), r.URL.Query().Get("key"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type pauseRequest struct {
	Paused *bool `json:"paused"`
}

func (s *Server) handleGetPause(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.deps.Controller.Paused()})
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Paused == nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, `body must be {"paused": true|false}`)
		return
	}
	s.deps.Controller.SetPause(*req.Paused)
	log.Info().Bool("paused", *req.Paused).Msg("pause switch set via api")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.deps.Controller.Paused()})
}

func (s *Server) handleRunRepair(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Controller.RunRepairRound(r.Context())
	body := map[string]any{
		"healthy":     report.Healthy,
		"reconnected": report.Reconnected,
		"failed":      report.Failed,
	}
	if err != nil {
		if registry.IsRefused(err) || errors.Is(err, registry.ErrRoundInProgress) {
			s.writeControllerError(w, err)
			return
		}
		body["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleBeginRepair(w http.ResponseWriter, _ *http.Request) {
	n, err := s.deps.Controller.BeginRepairRound()
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"suspended": n})
}

func (s *Server) handleEndRepair(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Controller.EndRepairRound(); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}
