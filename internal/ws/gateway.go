package ws

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/CoreVine/Tride-backend-sub000/internal/auth"
	"github.com/CoreVine/Tride-backend-sub000/internal/models"
	"github.com/CoreVine/Tride-backend-sub000/internal/observability"
	"github.com/CoreVine/Tride-backend-sub000/internal/presence"
	"github.com/CoreVine/Tride-backend-sub000/internal/ride"
	"github.com/CoreVine/Tride-backend-sub000/internal/session"
)

// Gateway authenticates the handshake and runs the connection lifecycle:
// gate, admit, pump, and on disconnect the departure broadcast followed by
// presence cleanup.
type Gateway struct {
	hub         *Hub
	gate        *auth.Gate
	coordinator *ride.Coordinator
	registry    presence.Registry
	router      *Router
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

func NewGateway(hub *Hub, gate *auth.Gate, coordinator *ride.Coordinator, registry presence.Registry, router *Router, logger *slog.Logger) *Gateway {
	return &Gateway{
		hub:         hub,
		gate:        gate,
		coordinator: coordinator,
		registry:    registry,
		router:      router,
		logger:      logger,
		upgrader:    websocket.Upgrader{},
	}
}

func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}

	// The credential is validated before the connection is accepted into
	// any room.
	identity, err := g.gate.Authenticate(r.Context(), token)
	if err != nil {
		g.rejectHandshake(w, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.ConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		return
	}

	sess := session.New(uuid.NewString(), identity)
	client := newClient(g.hub, conn, sess, g.logger)
	g.hub.addClient(client)
	g.hub.JoinRoom(sess.ConnID, PersonalRoom(identity.UserID))
	g.gate.Register(r.Context(), sess)

	observability.ConnectionsTotal.WithLabelValues("accepted").Inc()
	observability.ConnectionsActive.Inc()
	g.logger.Info("connection admitted",
		"conn_id", sess.ConnID, "user_id", identity.UserID, "account_type", identity.AccountType)

	go client.writePump()
	client.readPump(r.Context(), g.router)

	// The departure broadcast runs before presence cleanup completes.
	g.coordinator.HandleDisconnect(sess)
	g.hub.removeClient(sess.ConnID)
	if err := g.registry.Remove(r.Context(), sess.ConnID); err != nil {
		g.logger.Warn("presence removal failed", "conn_id", sess.ConnID, "error", err)
	}
	observability.ConnectionsActive.Dec()
	g.logger.Info("connection closed", "conn_id", sess.ConnID, "user_id", identity.UserID)
}

func (g *Gateway) rejectHandshake(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrRevoked):
		observability.ConnectionsTotal.WithLabelValues("revoked").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, models.ErrUpstreamUnavailable):
		observability.ConnectionsTotal.WithLabelValues("upstream_unavailable").Inc()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		observability.ConnectionsTotal.WithLabelValues("unauthenticated").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	g.logger.Info("handshake rejected", "error", err)
}
