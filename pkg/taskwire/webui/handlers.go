package webui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels/whatsapp"
	"github.com/jholhewres/taskwire/pkg/taskwire/store"
)

const maxBodyBytes = 64 << 10

// handleHealthz reports process liveness plus database and channel state.
// The channel being down does not make the process unhealthy.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	code := http.StatusOK

	if s.deps.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		db := s.deps.Database.Health(ctx)
		resp["database"] = db
		if !db.Healthy {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.WhatsApp != nil {
		resp["whatsapp"] = s.deps.WhatsApp.GetStatus().Status
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.WhatsApp.GetStatus())
}

func (s *Server) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.WhatsApp.GetDetailedStatus())
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("operator requested initialize")
	s.deps.WhatsApp.Initialize()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "initialize requested"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("operator requested force restart")
	s.deps.WhatsApp.ForceRestart()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restart requested"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("operator requested reset")
	s.deps.WhatsApp.ResetService()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reset requested"})
}

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type outcomeResponse struct {
	Outcome   whatsapp.Outcome `json:"outcome"`
	Delivered bool             `json:"delivered"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Phone == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "phone and message are required")
		return
	}

	out := s.deps.Sender.Send(r.Context(), req.Phone, req.Message)
	writeJSON(w, outcomeStatus(out), outcomeResponse{Outcome: out, Delivered: out.Delivered()})
}

type notifyRequest struct {
	// Kind is "assignment" (default) or "status".
	Kind string `json:"kind"`

	// UpdatedBy is the user who changed the status; required for "status".
	UpdatedBy int64 `json:"updated_by"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	var req notifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var out whatsapp.Outcome
	switch req.Kind {
	case "", "assignment":
		out, err = s.deps.Notifier.NotifyAssignment(r.Context(), id)
	case "status":
		if req.UpdatedBy <= 0 {
			writeError(w, http.StatusBadRequest, "updated_by is required for status notices")
			return
		}
		out, err = s.deps.Notifier.NotifyStatusChange(r.Context(), id, req.UpdatedBy)
	default:
		writeError(w, http.StatusBadRequest, "unknown notice kind")
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Error("task notification", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "notification failed")
	default:
		writeJSON(w, outcomeStatus(out), outcomeResponse{Outcome: out, Delivered: out.Delivered()})
	}
}

// outcomeStatus maps a delivery outcome onto an HTTP status.
func outcomeStatus(out whatsapp.Outcome) int {
	switch out {
	case whatsapp.OutcomeSent, whatsapp.OutcomeFallbackSuppressed:
		return http.StatusOK
	case whatsapp.OutcomeNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
