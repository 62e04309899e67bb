package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/franckalain/healthscan/internal/history"
	"github.com/franckalain/healthscan/internal/identity"
	"github.com/franckalain/healthscan/internal/logger"
	"github.com/franckalain/healthscan/internal/models"
	"github.com/franckalain/healthscan/internal/scan"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the UI is served from the same process
	},
}

// client serializes writes; gorilla allows one concurrent writer per conn.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// PreferenceStore saves the signed-in user's dietary preferences.
type PreferenceStore interface {
	SavePreferences(ctx context.Context, prefs models.UserPreferences) error
}

type Server struct {
	scanner *scan.Controller
	history *history.Store
	session *identity.Session
	prefs   PreferenceStore
	log     *logger.Logger
	clients sync.Map

	// ctx outlives single requests; scans started by a client keep running
	// after it disconnects.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders background work against Close: nothing is added to wg once
	// closed is set.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a server. prefs may be nil when no profile store is configured.
func New(scanner *scan.Controller, hist *history.Store, session *identity.Session, prefs PreferenceStore, log *logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		scanner: scanner,
		history: hist,
		session: session,
		prefs:   prefs,
		log:     log.With("service", "WebSocketServer"),
		ctx:     ctx,
		cancel:  cancel,
	}

	events, unsubscribe := scanner.Subscribe(64)
	s.goBackground(func() {
		defer unsubscribe()
		s.broadcastEvents(events)
	})
	return s
}

// goBackground runs fn tracked by wg, unless the server is closed.
func (s *Server) goBackground(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// Handler returns the HTTP routes: the websocket, a health check and the
// static UI.
func (s *Server) Handler(staticDir string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port, staticDir string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(staticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting server", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close stops the event broadcaster, disconnects every client and waits for
// running scans to finish. It is safe to call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.clients.Range(func(key, value any) bool {
		_ = value.(*client).conn.Close()
		s.clients.Delete(key)
		return true
	})
	s.wg.Wait()
}

func (s *Server) broadcastEvents(events <-chan scan.Event) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.broadcast("scan_state", ev)
		}
	}
}

func (s *Server) broadcast(messageType string, data any) {
	msg := map[string]any{"type": messageType, "data": data}
	s.clients.Range(func(key, value any) bool {
		if err := value.(*client).writeJSON(msg); err != nil {
			s.log.Debug("Broadcast to client failed", "client", key, "error", err)
		}
		return true
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	clientID := uuid.New().String()
	c := &client{conn: conn}
	s.clients.Store(clientID, c)
	defer s.clients.Delete(clientID)
	s.log.Debug("Client connected", "client", clientID)

	s.sendMessage(c, "scan_state", s.scanner.State())

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Error reading message", "client", clientID, "error", err)
			}
			break
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Debug("Error parsing message", "client", clientID, "error", err)
			s.sendError(c, "Invalid message format")
			continue
		}
		s.handleWebSocketMessage(c, msg)
	}
}

type inbound struct {
	Type string `json:"type"`
	Data struct {
		Barcode string `json:"barcode"`
		ID      string `json:"id"`
		Query   string `json:"query"`
		Token   string `json:"token"`
		Limit   int    `json:"limit"`

		Diet      []string `json:"diet"`
		Allergies []string `json:"allergies"`
	} `json:"data"`
}

func (s *Server) handleWebSocketMessage(c *client, msg inbound) {
	switch msg.Type {
	case "start_scan":
		if err := s.scanner.StartScan(); err != nil {
			s.sendError(c, err.Error())
		}
	case "scan":
		s.handleScan(c, msg.Data.Barcode)
	case "cancel_scan":
		s.scanner.Cancel()
	case "close_result":
		if !s.scanner.Close() {
			s.sendError(c, "No result to close")
		}
	case "acknowledge":
		if !s.scanner.Acknowledge() {
			s.sendError(c, "No failure to acknowledge")
		}
	case "get_history":
		s.handleGetHistory(c, msg.Data.Limit)
	case "get_recent":
		s.sendMessage(c, "recent", s.history.Recent(s.ctx, msg.Data.Limit))
	case "get_scan":
		s.handleGetScan(c, msg.Data.ID)
	case "search_history":
		s.sendMessage(c, "history", map[string]any{
			"query": msg.Data.Query,
			"items": s.history.Search(s.ctx, msg.Data.Query),
		})
	case "remove_scan":
		if msg.Data.ID == "" {
			s.sendError(c, "Missing scan id")
			return
		}
		s.history.Remove(s.ctx, msg.Data.ID)
		s.handleGetHistory(c, 0)
	case "clear_history":
		s.history.Clear(s.ctx)
		s.handleGetHistory(c, 0)
	case "sign_in":
		s.handleSignIn(c, msg.Data.Token)
	case "sign_out":
		s.session.SignOut()
		s.sendMessage(c, "signed_out", nil)
	case "set_preferences":
		s.handleSetPreferences(c, models.UserPreferences{
			Diet:      msg.Data.Diet,
			Allergies: msg.Data.Allergies,
		})
	default:
		s.sendError(c, "Unknown message type")
	}
}

// handleScan runs the pipeline off the read loop so the client can still
// cancel while a lookup is in flight.
func (s *Server) handleScan(c *client, barcode string) {
	if barcode == "" {
		s.sendError(c, "Missing barcode")
		return
	}
	started := s.goBackground(func() {
		res := s.scanner.Submit(s.ctx, barcode)
		s.sendMessage(c, "scan_result", res)
	})
	if !started {
		s.sendError(c, "Server is shutting down")
	}
}

func (s *Server) handleGetHistory(c *client, limit int) {
	s.sendMessage(c, "history", s.history.Overview(s.ctx, time.Now(), limit))
}

func (s *Server) handleGetScan(c *client, id string) {
	rec, ok := s.history.Get(s.ctx, id)
	if !ok {
		s.sendError(c, "Scan not found")
		return
	}
	s.sendMessage(c, "scan", rec)
}

func (s *Server) handleSignIn(c *client, token string) {
	id, err := s.session.SignIn(token)
	if err != nil {
		s.log.Warn("Sign-in rejected", "error", err)
		s.sendError(c, "Invalid access token")
		return
	}
	s.sendMessage(c, "signed_in", map[string]string{
		"user_id": id.UserID,
		"email":   id.Email,
	})
}

func (s *Server) handleSetPreferences(c *client, prefs models.UserPreferences) {
	if s.prefs == nil {
		s.sendError(c, "Preferences are not available")
		return
	}
	if err := s.prefs.SavePreferences(s.ctx, prefs); err != nil {
		if errors.Is(err, identity.ErrSignedOut) {
			s.sendError(c, "Sign in to save preferences")
			return
		}
		s.log.Error("Failed to save preferences", "error", err)
		s.sendError(c, "Failed to save preferences")
		return
	}
	s.sendMessage(c, "preferences_saved", prefs)
}

func (s *Server) sendMessage(c *client, messageType string, data any) {
	msg := map[string]any{
		"type": messageType,
		"data": data,
	}
	if err := c.writeJSON(msg); err != nil {
		s.log.Debug("Error sending message", "type", messageType, "error", err)
	}
}

func (s *Server) sendError(c *client, message string) {
	msg := map[string]any{
		"type":    "error",
		"message": message,
	}
	if err := c.writeJSON(msg); err != nil {
		s.log.Debug("Error sending error message", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
