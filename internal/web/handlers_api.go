package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"aircontrolbase-go-home/internal/climate"
	"aircontrolbase-go-home/internal/coordinator"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deviceViews())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	view, err := s.deviceView(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.FindDevice(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	var req renameDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if _, err := s.coord.Rename(dev.ID, req.FriendlyName); err != nil {
		s.logger.Error("rename device", "id", dev.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	view, err := s.deviceView(dev.ID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// handleAPIClimate applies a combined climate command, for example
// {"hvac_mode":"cool","temperature":23}.
func (s *Server) handleAPIClimate(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.FindDevice(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	var cmd coordinator.Command
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if cmd.Empty() {
		s.writeError(w, http.StatusBadRequest, "no changes requested")
		return
	}

	if _, err := s.coord.Execute(r.Context(), dev.ID, cmd); err != nil {
		status := commandErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("climate command", "id", dev.ID, "err", err)
		}
		s.writeError(w, status, err.Error())
		return
	}

	view, err := s.deviceView(dev.ID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// commandErrorStatus maps a command error to an HTTP status. Validation
// errors are the caller's fault; anything else came from the vendor cloud.
func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, climate.ErrInvalidMode),
		errors.Is(err, climate.ErrInvalidFanMode),
		errors.Is(err, climate.ErrInvalidSwingMode),
		errors.Is(err, climate.ErrTemperatureRange):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Refresh(r.Context()); err != nil {
		s.logger.Warn("manual refresh failed", "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  err.Error(),
			"status": s.coord.Status(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Status())
}

// decodeBody decodes a JSON request body into v, answering 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
