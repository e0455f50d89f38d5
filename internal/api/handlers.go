package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"corral/internal/audit"
	"corral/internal/instance"
	"corral/pkg/protocol"
)

const defaultEventLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(protocol.HealthOK))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, protocol.ErrorResponse{Error: "Request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	var cfg instance.Config
	if req.Config != nil {
		cfg = instance.Config{
			RDPPassword:    req.Config.RDPPassword,
			WineDebugLevel: req.Config.WineDebugLevel,
			CPULimit:       req.Config.CPULimit,
		}
		if cfg.CPULimit != nil && *cfg.CPULimit <= 0 {
			writeError(w, instance.InvalidPayload("cpulimit must be positive"))
			return
		}
	}

	inst, err := s.manager.Create(r.Context(), req.Payload, cfg)
	if err != nil {
		s.logger.Printf("create instance: %v", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.CreateInstanceResponse{
		InstanceID:  inst.ID,
		RDPPort:     inst.Ports.RDP,
		ConsolePort: inst.Ports.Console,
		XpraPort:    inst.Ports.Xpra,
		RDPURL:      protocol.RDPURL(s.cfg.PublicHost, inst.Ports.RDP),
		XpraURL:     protocol.XpraURL(s.cfg.PublicHost, inst.Ports.Xpra),
		Status:      inst.Status.String(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	instances := s.manager.List(r.Context())
	out := make([]protocol.InstanceDetails, 0, len(instances))
	for _, inst := range instances {
		out = append(out, s.details(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.details(inst))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "Invalid tail: " + v})
			return
		}
		tail = n
	}

	logs, err := s.manager.Logs(r.Context(), id, tail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.LogsResponse{InstanceID: id, Logs: logs})
}

// handleLogStream is a placeholder until log following is implemented.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	hasContainer, err := s.manager.HasContainer(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !hasContainer {
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: "Container not yet created"})
		return
	}
	writeJSON(w, http.StatusOK, protocol.StreamResponse{
		InstanceID: id,
		Message:    "Log streaming not yet implemented. Use GET /api/instances/" + id + "/logs instead.",
	})
}

type actionFunc func(ctx context.Context, id string) (instance.Status, error)

func (s *Server) handleAction(action actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		status, err := action(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.StatusResponse{ID: id, Status: status.String()})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "Invalid limit: " + v})
			return
		}
		limit = n
	}

	events, err := audit.ReadLog(s.cfg.AuditPath, limit)
	if err != nil {
		s.logger.Printf("read audit log error: %v", err)
		writeError(w, instance.Internal("Failed to read audit log", err))
		return
	}

	out := make([]protocol.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, protocol.Event{
			Timestamp:   ev.Timestamp,
			Action:      ev.Action,
			InstanceID:  ev.InstanceID,
			ContainerID: ev.ContainerID,
			Status:      ev.Status,
			Error:       ev.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
