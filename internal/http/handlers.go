package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
	"github.com/CoreVine/Tride-backend-sub000/internal/notify"
	"github.com/CoreVine/Tride-backend-sub000/internal/ws"
)

// TokenRegistrar manages the per-user push token window.
type TokenRegistrar interface {
	AddDeviceToken(ctx context.Context, userID, token string) error
}

// Server is the HTTP face of the realtime engine: the websocket upgrade
// endpoint plus the internal notification trigger, health and metrics.
type Server struct {
	gateway *ws.Gateway
	fanout  *notify.Fanout
	tokens  TokenRegistrar
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(gateway *ws.Gateway, fanout *notify.Fanout, tokens TokenRegistrar, logger *slog.Logger) *Server {
	s := &Server{
		gateway: gateway,
		fanout:  fanout,
		tokens:  tokens,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.gateway.Handle)
	s.mux.HandleFunc("/internal/notifications", s.handleNotification).Methods("POST")
	s.mux.HandleFunc("/internal/device-tokens", s.handleRegisterDeviceToken).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleNotification is the inbound path for business events that trigger
// fan-out. Persistence failures surface as hard errors to the caller.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	var n models.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if n.RecipientID == "" || n.Type == "" {
		http.Error(w, "recipient_id and type are required", http.StatusBadRequest)
		return
	}
	if err := s.fanout.Deliver(r.Context(), &n); err != nil {
		s.logger.Error("notification delivery failed",
			"recipient_id", n.RecipientID, "error", err, "request_id", requestIDFromContext(r.Context()))
		http.Error(w, "notification not persisted", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": n.ID})
}

// handleRegisterDeviceToken records a push token for the push-fallback
// channel. The store caps the window per user, evicting the oldest.
func (s *Server) handleRegisterDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Token == "" {
		http.Error(w, "user_id and token are required", http.StatusBadRequest)
		return
	}
	if err := s.tokens.AddDeviceToken(r.Context(), req.UserID, req.Token); err != nil {
		s.logger.Error("device token registration failed",
			"user_id", req.UserID, "error", err, "request_id", requestIDFromContext(r.Context()))
		http.Error(w, "token not registered", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
