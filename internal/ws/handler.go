package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/scenesync/internal/identity"
	"github.com/manpreetbhatti/scenesync/internal/ratelimit"
	"github.com/manpreetbhatti/scenesync/internal/room"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

type Config struct {
	MaxMessageSize int64
	SendBuffer     int
	// PongWait is how long a silent connection is kept open.
	PongWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 1024 * 1024,
		SendBuffer:     512,
		PongWait:       60 * time.Second,
	}
}

func (c Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// Handler upgrades requests on /ws/{scene} (or /ws?scene=) and joins the
// caller to the scene.
type Handler struct {
	hub      *Hub
	registry *room.Registry
	resolver *identity.Resolver
	limits   *ratelimit.Set
	config   Config
	log      *slog.Logger
}

func NewHandler(hub *Hub, registry *room.Registry, resolver *identity.Resolver, limits *ratelimit.Set, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		registry: registry,
		resolver: resolver,
		limits:   limits,
		config:   config,
		log:      logger.With("component", "ws"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sceneID := mux.Vars(r)["scene"]
	if sceneID == "" {
		sceneID = r.URL.Query().Get("scene")
	}
	if err := room.ValidateSceneID(sceneID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	participant, err := h.resolver.Resolve(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, identity.ErrInvalidToken) {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}

	doc, err := h.registry.Open(r.Context(), sceneID)
	if err != nil {
		h.log.Error("open scene failed", "scene", sceneID, "error", err)
		status := http.StatusInternalServerError
		if scene.IsInvalid(err) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:         h.hub,
		conn:        conn,
		doc:         doc,
		send:        make(chan []byte, h.config.SendBuffer),
		session:     uuid.NewString(),
		participant: participant,
		limits:      h.limits,
		limiter:     h.limits.Acquire(participant.ID),
		config:      h.config,
	}
	client.log = h.log.With("scene", sceneID, "session", client.session)

	h.hub.add(client)
	go client.writePump()

	if _, err := doc.Join(client, participant.DisplayName); err != nil {
		client.log.Warn("join failed", "error", err)
		client.Close()
		h.hub.remove(client)
		h.limits.Release(participant.ID)
		return
	}
	go client.readPump()
}
