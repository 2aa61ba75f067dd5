package ws

import (
	"log/slog"
	"sort"
	"sync"
)

// Hub tracks every open connection by scene. Scene state and fan-out live
// in the room package; the hub only knows who is connected, for stats and
// for closing everything on shutdown.
type Hub struct {
	// Connected clients by scene
	scenes map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	log *slog.Logger
	mu  sync.RWMutex
}

// Stats is a point-in-time count of connections.
type Stats struct {
	Connections int            `json:"connections"`
	Scenes      int            `json:"scenes"`
	PerScene    map[string]int `json:"per_scene"`
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		scenes:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logger.With("component", "hub"),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			sceneID := client.SceneID()
			if _, ok := h.scenes[sceneID]; !ok {
				h.scenes[sceneID] = make(map[*Client]bool)
			}
			h.scenes[sceneID][client] = true
			count := len(h.scenes[sceneID])
			h.mu.Unlock()

			h.log.Debug("client connected", "scene", sceneID, "participant", client.Participant(), "connections", count)

		case client := <-h.unregister:
			h.mu.Lock()
			sceneID := client.SceneID()
			if clients, ok := h.scenes[sceneID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					if len(clients) == 0 {
						delete(h.scenes, sceneID)
					}
					h.log.Debug("client disconnected", "scene", sceneID, "participant", client.Participant(), "connections", len(clients))
				}
			}
			h.mu.Unlock()

		case <-h.done:
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Stop ends Run. Connections stay open; see CloseAll.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{Scenes: len(h.scenes), PerScene: make(map[string]int, len(h.scenes))}
	for id, clients := range h.scenes {
		s.Connections += len(clients)
		s.PerScene[id] = len(clients)
	}
	return s
}

// CloseAll closes every tracked connection and returns how many there were.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	var clients []*Client
	for _, set := range h.scenes {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].session < clients[j].session })
	for _, c := range clients {
		c.Close()
	}
	return len(clients)
}
