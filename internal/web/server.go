package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"squeezer-go/internal/apperr"
	"squeezer-go/internal/config"
	"squeezer-go/internal/session"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const wsWriteTimeout = 5 * time.Second

type Server struct {
	sess       *session.Session
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	// Lifetime of work started by requests, such as folder watches.
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type AddImagesRequest struct {
	Paths []string `json:"paths"`
}

type WatchRequest struct {
	Path string `json:"path"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(sess *session.Session, log *logrus.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sess:      sess,
		log:       log,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local tool, any origin
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}

	s.unsubscribe = sess.Subscribe(func(ev session.Event) {
		s.broadcastWSMessage(string(ev.Type), ev)
	})
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/presets", s.handlePresets).Methods("GET")

	api.HandleFunc("/images", s.handleListImages).Methods("GET")
	api.HandleFunc("/images", s.handleAddImages).Methods("POST")
	api.HandleFunc("/images", s.handleClearImages).Methods("DELETE")
	api.HandleFunc("/images/{id}", s.handleRemoveImage).Methods("DELETE")
	api.HandleFunc("/images/{id}/optimize", s.handleOptimizeImage).Methods("POST")
	api.HandleFunc("/images/{id}/preview", s.handlePreview).Methods("GET")
	api.HandleFunc("/optimize", s.handleOptimizeAll).Methods("POST")

	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods("PUT")

	api.HandleFunc("/watch", s.handleStartWatch).Methods("POST")
	api.HandleFunc("/watch", s.handleStopWatch).Methods("DELETE")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.unsubscribe()
	s.cancel()

	s.wsMutex.Lock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
	s.wsMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dir, watching := s.sess.WatchStatus()

	data := map[string]interface{}{
		"watching":   watching,
		"watch_path": dir,
		"totals":     s.sess.Totals(),
		"statistics": s.sess.Statistics().Snapshot(),
	}
	if cache, ok := s.sess.MarkCacheStats(); ok {
		data["mark_cache"] = cache
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    data,
	})
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    config.GetAvailablePresets(),
	})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"images": s.sess.Items(),
			"totals": s.sess.Totals(),
		},
	})
}

func (s *Server) handleAddImages(w http.ResponseWriter, r *http.Request) {
	var req AddImagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Paths) == 0 {
		s.writeError(w, "At least one path is required", http.StatusBadRequest)
		return
	}

	added, errs := s.sess.AddFiles(req.Paths)
	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Error()
	}

	status := http.StatusOK
	if len(added) == 0 && len(errs) > 0 {
		status = http.StatusBadRequest
	}
	s.writeJSONStatus(w, status, APIResponse{
		Success: len(errs) == 0,
		Message: fmt.Sprintf("Added %d image(s)", len(added)),
		Data: map[string]interface{}{
			"added":  added,
			"errors": messages,
		},
	})
}

func (s *Server) handleClearImages(w http.ResponseWriter, r *http.Request) {
	s.sess.Clear()
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "List cleared",
	})
}

func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sess.Remove(id); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Image removed",
	})
}

// handleOptimizeAll starts optimizing the list in the background; progress
// arrives over the WebSocket. With ?wait=true the results are returned
// instead.
func (s *Server) handleOptimizeAll(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") != "true" {
		go func() {
			if _, err := s.sess.OptimizeAll(s.ctx); err != nil {
				s.log.Warnf("Optimization finished with errors: %v", err)
			}
		}()
		s.writeJSONStatus(w, http.StatusAccepted, APIResponse{
			Success: true,
			Message: "Optimization started",
		})
		return
	}

	results, err := s.sess.OptimizeAll(r.Context())
	resp := APIResponse{
		Success: err == nil,
		Message: fmt.Sprintf("Optimized %d image(s)", len(results)),
		Data: map[string]interface{}{
			"results": results,
			"totals":  s.sess.Totals(),
		},
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleOptimizeImage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.sess.Optimize(r.Context(), id)
	if err != nil && res.InputPath == "" {
		// The image never ran: unknown id or already busy.
		s.writeAppError(w, err)
		return
	}

	resp := APIResponse{
		Success: err == nil,
		Message: res.Message,
		Data:    res,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	item, err := s.sess.Item(mux.Vars(r)["id"])
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if !item.HasPreview() {
		s.writeError(w, "No preview available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Write(item.Preview)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    s.sess.Settings(),
	})
}

// handleUpdateSettings replaces the settings. ?save=true also writes them
// to the settings file.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.sess.Settings()
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := s.sess.UpdateSettings(s.ctx, cfg)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	message := "Settings updated"
	if r.URL.Query().Get("save") == "true" {
		if err := s.sess.SaveSettings(); err != nil {
			s.writeAppError(w, err)
			return
		}
		message = "Settings saved"
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: message,
		Data:    updated,
	})
}

func (s *Server) handleStartWatch(w http.ResponseWriter, r *http.Request) {
	var req WatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.sess.StartWatching(s.ctx, req.Path); err != nil {
		s.writeAppError(w, err)
		return
	}

	dir, _ := s.sess.WatchStatus()
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Watching " + dir,
		Data:    map[string]interface{}{"path": dir},
	})
}

func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.StopWatching(); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Watch stopped",
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// A connection allows one writer at a time.
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSONStatus(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	s.writeError(w, err.Error(), statusFor(err))
}

// statusFor maps an error kind to an HTTP status code.
func statusFor(err error) int {
	if errors.Is(err, session.ErrBusy) {
		return http.StatusConflict
	}
	switch apperr.KindOf(err) {
	case apperr.KindFileNotFound:
		return http.StatusNotFound
	case apperr.KindUnsupportedFormat, apperr.KindInvalidImage,
		apperr.KindInvalidSettings, apperr.KindWatchFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
