package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/scenesync/internal/hook"
	"github.com/manpreetbhatti/scenesync/internal/oplog"
	"github.com/manpreetbhatti/scenesync/internal/persist"
	"github.com/manpreetbhatti/scenesync/internal/presence"
	"github.com/manpreetbhatti/scenesync/internal/room"
	"github.com/manpreetbhatti/scenesync/internal/scene"
	"github.com/manpreetbhatti/scenesync/internal/ws"
)

// StoreStats is implemented by stores that can count what they hold.
type StoreStats interface {
	Stats(ctx context.Context) (map[string]int64, error)
}

type API struct {
	hub      *ws.Hub
	registry *room.Registry
	gateway  *persist.Gateway
	hook     *hook.Dispatcher
	log      *slog.Logger
}

func New(hub *ws.Hub, registry *room.Registry, gateway *persist.Gateway, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		hub:      hub,
		registry: registry,
		gateway:  gateway,
		log:      logger.With("component", "api"),
	}
}

// SetHook reports the drop count of the observer queue in the stats.
func (a *API) SetHook(d *hook.Dispatcher) {
	a.hook = d
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error("encode response", "error", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, code, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message, "code": code})
}

// fail maps err onto a status from its domain code.
func (a *API) fail(w http.ResponseWriter, err error) {
	code := scene.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case scene.CodeInvalidOperation, scene.CodeClockError:
		status = http.StatusBadRequest
	case scene.CodeUnknownDocument:
		status = http.StatusNotFound
	case scene.CodeNotLockHolder:
		status = http.StatusConflict
	case scene.CodeDependencyTimeout:
		status = http.StatusRequestTimeout
	default:
		code = "INTERNAL"
		a.log.Error("request failed", "error", err)
	}
	a.errorResponse(w, status, string(code), err.Error())
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	conns := a.hub.Stats()
	stats := map[string]interface{}{
		"live_scenes":        a.registry.Len(),
		"active_connections": conns.Connections,
		"connected_scenes":   conns.Scenes,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.hook != nil {
		stats["hook_dropped"] = a.hook.Dropped()
	}

	if s, ok := a.gateway.Store().(StoreStats); ok {
		storeStats, err := s.Stats(r.Context())
		if err == nil {
			stats["stored_checkpoints"] = storeStats["checkpoint_count"]
			stats["stored_batches"] = storeStats["batch_count"]
		} else {
			a.log.Warn("store stats unavailable", "error", err)
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// SceneResponse describes one scene, live or only persisted.
type SceneResponse struct {
	ID                string    `json:"id"`
	Version           int64     `json:"version"`
	CheckpointVersion int64     `json:"checkpoint_version"`
	Live              bool      `json:"live"`
	Participants      int       `json:"participants"`
	Connections       int       `json:"connections"`
	UpdatedAt         time.Time `json:"updated_at,omitzero"`
}

func (a *API) ListScenesHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	stored, err := a.gateway.ListScenes(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}

	scenes := make(map[string]*SceneResponse, len(stored))
	for _, s := range stored {
		scenes[s.SceneID] = &SceneResponse{
			ID:                s.SceneID,
			Version:           s.LatestVersion,
			CheckpointVersion: s.CheckpointVersion,
			UpdatedAt:         s.UpdatedAt,
		}
	}
	for _, info := range a.registry.List() {
		s, ok := scenes[info.SceneID]
		if !ok {
			s = &SceneResponse{ID: info.SceneID}
			scenes[info.SceneID] = s
		}
		s.Live = true
		s.Version = info.Version
		s.CheckpointVersion = info.CheckpointVersion
		s.Participants = info.Participants
		s.Connections = info.Sessions
	}

	ids := make([]string, 0, len(scenes))
	for id := range scenes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	response := make([]SceneResponse, 0, limit)
	for i := offset; i < len(ids) && len(response) < limit; i++ {
		response = append(response, *scenes[ids[i]])
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"scenes": response,
		"total":  len(ids),
		"limit":  limit,
		"offset": offset,
	})
}

type SceneDetail struct {
	room.Info
	Presence []presence.Entry `json:"presence"`
	Locks    []presence.Lock  `json:"locks"`
}

func (a *API) GetSceneHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := a.registry.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}

	a.jsonResponse(w, http.StatusOK, SceneDetail{
		Info:     doc.Info(),
		Presence: doc.Presence(),
		Locks:    doc.Locks(),
	})
}

func (a *API) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := a.registry.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}

	snap, version := doc.Snapshot()
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"scene_id": doc.ID(),
		"version":  version,
		"snapshot": snap,
	})
}

type HistoryResponse struct {
	SceneID string        `json:"scene_id"`
	Since   int64         `json:"since"`
	Version int64         `json:"version"`
	Batches []oplog.Batch `json:"batches"`
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			a.errorResponse(w, http.StatusBadRequest, string(scene.CodeInvalidOperation), "since must be a non-negative integer")
			return
		}
		since = v
	}

	doc, err := a.registry.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, err)
		return
	}

	batches, version, err := doc.History(r.Context(), since)
	if err != nil {
		a.fail(w, err)
		return
	}
	if batches == nil {
		batches = []oplog.Batch{}
	}

	a.jsonResponse(w, http.StatusOK, HistoryResponse{
		SceneID: doc.ID(),
		Since:   since,
		Version: version,
		Batches: batches,
	})
}

func (a *API) FlushHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	version, err := a.registry.Flush(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}

	a.log.Info("scene flushed on request", "scene", id, "version", version)
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"scene_id": id,
		"version":  version,
		"flushed":  true,
	})
}

func (a *API) DeleteSceneHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.registry.Destroy(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Scene deleted"})
}
