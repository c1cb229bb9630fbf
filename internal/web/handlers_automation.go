package web

import (
	"errors"
	"net/http"

	"aircontrolbase-go-home/internal/automation"
)

// scriptView is a script plus whether its VM is running.
type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

func (s *Server) scriptView(sc *automation.Script) scriptView {
	v := scriptView{Script: sc}
	if s.autoEngine != nil {
		v.Running = s.autoEngine.Running(sc.ID)
	}
	return v
}

func (s *Server) handleAutomationsPage(w http.ResponseWriter, r *http.Request) {
	var scripts []scriptView
	if s.scriptMgr != nil {
		list, err := s.scriptMgr.List()
		if err != nil {
			s.logger.Error("list scripts", "err", err)
		}
		for _, sc := range list {
			scripts = append(scripts, s.scriptView(sc))
		}
	}

	s.renderTemplate(w, "automations.html", map[string]interface{}{
		"PageTitle": "Automations",
		"Scripts":   scripts,
		"Enabled":   s.scriptMgr != nil,
	})
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	views := []scriptView{}
	if s.scriptMgr != nil {
		scripts, err := s.scriptMgr.List()
		if err != nil {
			s.logger.Error("list scripts", "err", err)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		for _, sc := range scripts {
			views = append(views, s.scriptView(sc))
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireScripts(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.scriptView(sc))
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireScripts(w) {
		return
	}

	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.writeScriptError(w, err)
		return
	}

	s.reload(saved.ID)
	s.writeJSON(w, http.StatusCreated, s.scriptView(saved))
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireScripts(w) {
		return
	}

	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, err)
		return
	}

	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	existing.Meta = automation.ScriptMeta{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled,
	}
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.writeScriptError(w, err)
		return
	}

	s.reload(saved.ID)
	s.writeJSON(w, http.StatusOK, s.scriptView(saved))
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireScripts(w) {
		return
	}

	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeScriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireScripts(w) {
		return
	}

	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, err)
		return
	}

	sc.Meta.Enabled = !sc.Meta.Enabled
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.writeScriptError(w, err)
		return
	}

	s.reload(saved.ID)
	s.writeJSON(w, http.StatusOK, s.scriptView(saved))
}

// handleAPIRunAutomation runs a stored script once, or inline code when the
// id is "_inline".
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automation engine not available")
		return
	}

	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeBody(w, r, &req) {
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}

	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
}

// reload restarts a script after a change; disabled scripts are stopped.
func (s *Server) reload(id string) {
	if s.autoEngine == nil {
		return
	}
	if err := s.autoEngine.ReloadScript(id); err != nil {
		s.logger.Error("reload script", "id", id, "err", err)
	}
}

func (s *Server) requireScripts(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return false
	}
	return true
}

func (s *Server) writeScriptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
	case errors.Is(err, automation.ErrInvalidScript):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("script operation", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
