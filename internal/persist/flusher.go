package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Target is what the flusher keeps durable, normally the room registry.
type Target interface {
	// DirtyScenes lists scenes with changes newer than their checkpoint.
	DirtyScenes() []string
	// SyncScene writes the scene's unsynced log batches.
	SyncScene(ctx context.Context, sceneID string) error
	// FlushScene writes unsynced batches and a fresh checkpoint.
	FlushScene(ctx context.Context, sceneID string) error
}

type FlusherConfig struct {
	// Interval between checkpoints of dirty scenes.
	Interval time.Duration
	// Timeout bounds a single scene write.
	Timeout time.Duration
}

func DefaultFlusherConfig() FlusherConfig {
	return FlusherConfig{
		Interval: 30 * time.Second,
		Timeout:  time.Minute,
	}
}

// Flusher checkpoints dirty scenes periodically and syncs the log of a
// scene soon after each append.
type Flusher struct {
	target Target
	config FlusherConfig
	log    *slog.Logger

	requests chan string
	mu       sync.Mutex
	pending  map[string]bool

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewFlusher(target Target, config FlusherConfig, logger *slog.Logger) *Flusher {
	def := DefaultFlusherConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		target:   target,
		config:   config,
		log:      logger.With("component", "flusher"),
		requests: make(chan string, 256),
		pending:  make(map[string]bool),
		stop:     make(chan struct{}),
	}
}

func (f *Flusher) Start() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run()
	f.log.Info("flusher started", "interval", f.config.Interval)
}

// Stop waits for the worker and then checkpoints every dirty scene once
// more.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	f.mu.Unlock()

	close(f.stop)
	f.wg.Wait()
	f.flushDirty()
	f.log.Info("flusher stopped")
}

// Schedule asks for the log of sceneID to be synced. Requests for a scene
// that is already queued are coalesced; Schedule never blocks.
func (f *Flusher) Schedule(sceneID string) {
	f.mu.Lock()
	if f.pending[sceneID] {
		f.mu.Unlock()
		return
	}
	f.pending[sceneID] = true
	f.mu.Unlock()

	select {
	case f.requests <- sceneID:
	default:
		// The next tick checkpoints it anyway.
		f.mu.Lock()
		delete(f.pending, sceneID)
		f.mu.Unlock()
	}
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case sceneID := <-f.requests:
			f.mu.Lock()
			delete(f.pending, sceneID)
			f.mu.Unlock()
			f.sync(sceneID)
		case <-ticker.C:
			f.flushDirty()
		}
	}
}

func (f *Flusher) sync(sceneID string) {
	ctx, cancel := context.WithTimeout(context.Background(), f.config.Timeout)
	defer cancel()
	if err := f.target.SyncScene(ctx, sceneID); err != nil {
		f.log.Error("log sync failed", "scene", sceneID, "error", err)
	}
}

func (f *Flusher) flushDirty() {
	flushed := 0
	for _, sceneID := range f.target.DirtyScenes() {
		ctx, cancel := context.WithTimeout(context.Background(), f.config.Timeout)
		err := f.target.FlushScene(ctx, sceneID)
		cancel()
		if err != nil {
			f.log.Error("checkpoint failed", "scene", sceneID, "error", err)
			continue
		}
		flushed++
	}
	if flushed > 0 {
		f.log.Debug("checkpointed scenes", "count", flushed)
	}
}
