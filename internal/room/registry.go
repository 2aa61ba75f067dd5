package room

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/manpreetbhatti/scenesync/internal/hook"
	"github.com/manpreetbhatti/scenesync/internal/persist"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

var sceneIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSceneID accepts 1 to 128 letters, digits, dots, dashes and
// underscores, starting with a letter or digit.
func ValidateSceneID(id string) error {
	if !sceneIDPattern.MatchString(id) {
		return scene.Invalid("invalid scene id %q", id)
	}
	return nil
}

// Registry owns every live document. Documents are created on first use,
// loaded from storage when they were persisted before, and live until
// they are destroyed explicitly.
type Registry struct {
	gateway *persist.Gateway
	config  Config
	hook    *hook.Dispatcher
	log     *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	docs  map[string]*Document
	sched Scheduler
	loads singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*Registry)

// WithHook mirrors every document event to d.
func WithHook(d *hook.Dispatcher) Option {
	return func(r *Registry) { r.hook = d }
}

// WithNow replaces the wall clock used for presence, buffering and log
// timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(gateway *persist.Gateway, config Config, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		gateway: gateway,
		config:  config,
		log:     logger.With("component", "room"),
		now:     time.Now,
		docs:    make(map[string]*Document),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetScheduler installs the persistence scheduler on current and future
// documents.
func (r *Registry) SetScheduler(s Scheduler) {
	r.mu.Lock()
	r.sched = s
	docs := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.Unlock()

	for _, d := range docs {
		d.setScheduler(s)
	}
}

// Open returns the live document for sceneID, loading or creating it.
func (r *Registry) Open(ctx context.Context, sceneID string) (*Document, error) {
	return r.load(ctx, sceneID, true)
}

// Lookup returns the document for sceneID if it is live or persisted, and
// an UNKNOWN_DOCUMENT error otherwise.
func (r *Registry) Lookup(ctx context.Context, sceneID string) (*Document, error) {
	return r.load(ctx, sceneID, false)
}

// Get returns a live document without touching storage.
func (r *Registry) Get(sceneID string) (*Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[sceneID]
	return d, ok
}

func (r *Registry) load(ctx context.Context, sceneID string, create bool) (*Document, error) {
	if err := ValidateSceneID(sceneID); err != nil {
		return nil, err
	}
	if d, ok := r.Get(sceneID); ok {
		return d, nil
	}

	key := "lookup/" + sceneID
	if create {
		key = "open/" + sceneID
	}
	v, err, _ := r.loads.Do(key, func() (interface{}, error) {
		if d, ok := r.Get(sceneID); ok {
			return d, nil
		}
		loaded, err := r.gateway.Load(ctx, sceneID)
		if err != nil {
			return nil, err
		}
		if !loaded.Found && !create {
			return nil, scene.UnknownDocument(sceneID)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if d, ok := r.docs[sceneID]; ok {
			return d, nil
		}
		d, err := newDocument(sceneID, loaded, r.gateway, r.config, r.log, r.hook, r.now)
		if err != nil {
			return nil, err
		}
		d.sched = r.sched
		r.docs[sceneID] = d
		r.log.Info("scene opened", "scene", sceneID, "version", loaded.Version, "restored", loaded.Found)
		return d, nil
	})
	if err != nil {
		if scene.CodeOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("open scene %s: %w", sceneID, err)
	}
	return v.(*Document), nil
}

// List returns a summary of every live document ordered by scene id.
func (r *Registry) List() []Info {
	docs := r.documents()
	out := make([]Info, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Info())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

func (r *Registry) documents() []*Document {
	r.mu.RLock()
	out := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// DirtyScenes lists documents with batches newer than their checkpoint.
func (r *Registry) DirtyScenes() []string {
	var ids []string
	for _, d := range r.documents() {
		if d.dirty() {
			ids = append(ids, d.id)
		}
	}
	return ids
}

// SyncScene writes the unsynced log batches of a live document.
func (r *Registry) SyncScene(ctx context.Context, sceneID string) error {
	d, ok := r.Get(sceneID)
	if !ok {
		return nil
	}
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	if d.isClosed() {
		return nil
	}

	batches := d.oplog.Unsynced()
	if len(batches) == 0 {
		return nil
	}
	if err := r.gateway.SyncLog(ctx, sceneID, batches); err != nil {
		return err
	}
	d.oplog.MarkSynced(batches[len(batches)-1].Version)
	return nil
}

// FlushScene writes a checkpoint of a live document.
func (r *Registry) FlushScene(ctx context.Context, sceneID string) error {
	d, ok := r.Get(sceneID)
	if !ok {
		return nil
	}
	_, err := r.flush(ctx, d)
	return err
}

// Flush checkpoints sceneID now and returns the version written.
func (r *Registry) Flush(ctx context.Context, sceneID string) (int64, error) {
	d, err := r.Lookup(ctx, sceneID)
	if err != nil {
		return 0, err
	}
	return r.flush(ctx, d)
}

func (r *Registry) flush(ctx context.Context, d *Document) (int64, error) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	if d.isClosed() {
		return 0, ErrClosed
	}

	p := d.point()
	if err := r.gateway.Flush(ctx, p); err != nil {
		return 0, err
	}
	d.markCheckpointed(p.Version)
	return p.Version, nil
}

// Destroy disconnects everyone from sceneID, forgets it and deletes its
// persisted state.
func (r *Registry) Destroy(ctx context.Context, sceneID string) error {
	if err := ValidateSceneID(sceneID); err != nil {
		return err
	}

	r.mu.Lock()
	d, live := r.docs[sceneID]
	delete(r.docs, sceneID)
	r.mu.Unlock()

	if live {
		d.flushMu.Lock()
		defer d.flushMu.Unlock()
		d.Close()
	} else {
		loaded, err := r.gateway.Load(ctx, sceneID)
		if err != nil {
			return fmt.Errorf("destroy scene %s: %w", sceneID, err)
		}
		if !loaded.Found {
			return scene.UnknownDocument(sceneID)
		}
	}

	if err := r.gateway.Delete(ctx, sceneID); err != nil {
		return fmt.Errorf("destroy scene %s: %w", sceneID, err)
	}
	r.log.Info("scene destroyed", "scene", sceneID)
	return nil
}

// Maintain expires stale buffered batches and silent participants of
// every document.
func (r *Registry) Maintain(now time.Time) {
	for _, d := range r.documents() {
		if n := d.ExpirePending(now); n > 0 {
			r.log.Debug("expired pending batches", "scene", d.id, "batches", n)
		}
		d.ExpirePresence(now)
	}
}

// Start runs Maintain every interval until Stop.
func (r *Registry) Start(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.log.Info("maintenance started", "interval", interval)
		for {
			select {
			case <-ticker.C:
				r.Maintain(r.now())
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
