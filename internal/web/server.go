package web

import (
	"bytes"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"aircontrolbase-go-home/internal/automation"
	"aircontrolbase-go-home/internal/climate"
	"aircontrolbase-go-home/internal/coordinator"
	"aircontrolbase-go-home/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed cross-origin and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the web interface and the local API.
type Server struct {
	coord          *coordinator.Coordinator
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// DeviceView is the climate state of a unit plus its record metadata.
// It is both the template model and the API representation.
type DeviceView struct {
	climate.State
	VendorName   string    `json:"vendor_name"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	Power        bool      `json:"power"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// NewServer creates a new web server.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	// Each page is parsed against its own copy of the layout so their
	// "content" blocks do not collide.
	base, err := template.New("layout.html").Funcs(templateFuncs).ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	pages := []string{"index.html", "device_detail.html", "automations.html"}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		coord:     coord,
		templates: tmpl,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	// HTML pages
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /devices/{id}", s.handleDeviceDetailPage)
	s.mux.HandleFunc("GET /automations", s.handleAutomationsPage)

	// REST API
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{id}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/climate", s.handleAPIClimate)
	s.mux.HandleFunc("POST /api/refresh", s.handleAPIRefresh)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying origin and API key checks.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Mutating requests from a browser must come from an allowed origin.
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Pages, static files and the WebSocket stay open: browsers cannot send
	// custom headers on navigation or upgrade.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// deviceView resolves a unit by id or name and builds its view.
func (s *Server) deviceView(ref string) (DeviceView, error) {
	dev, err := s.coord.FindDevice(ref)
	if err != nil {
		return DeviceView{}, err
	}
	st, err := s.coord.State(dev.ID)
	if err != nil {
		return DeviceView{}, err
	}
	return newDeviceView(st, dev), nil
}

func (s *Server) deviceViews() []DeviceView {
	devices := s.coord.ListDevices()
	views := make([]DeviceView, 0, len(devices))
	for _, dev := range devices {
		st, err := s.coord.State(dev.ID)
		if err != nil {
			continue
		}
		views = append(views, newDeviceView(st, dev))
	}
	return views
}

func newDeviceView(st climate.State, dev *store.Device) DeviceView {
	v := DeviceView{
		State:        st,
		FriendlyName: dev.FriendlyName,
		FirstSeen:    dev.FirstSeen,
		LastSeen:     dev.LastSeen,
	}
	if dev.Snapshot != nil {
		v.VendorName = dev.Snapshot.Name
		v.Power = dev.Snapshot.IsOn()
	}
	return v
}

var templateFuncs = template.FuncMap{
	"temp": func(v *float64) string {
		if v == nil {
			return "–"
		}
		return fmt.Sprintf("%.0f°", *v)
	},
	"ago": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return time.Since(t).Truncate(time.Second).String() + " ago"
	},
}

// Page handlers
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	views := s.deviceViews()
	s.renderTemplate(w, "index.html", map[string]interface{}{
		"PageTitle":   "Overview",
		"Devices":     views,
		"DeviceCount": len(views),
		"Status":      s.coord.Status(),
	})
}

func (s *Server) handleDeviceDetailPage(w http.ResponseWriter, r *http.Request) {
	view, err := s.deviceView(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	s.renderTemplate(w, "device_detail.html", map[string]interface{}{
		"PageTitle": view.Name,
		"Device":    view,
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders to a buffer first, so partial write failures don't corrupt the response.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data map[string]interface{}) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data["Version"] = s.version
	if s.apiKey != "" {
		data["APIKey"] = s.apiKey
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
