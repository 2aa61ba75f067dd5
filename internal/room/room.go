// Package room hosts live scenes.
//
// A Document is the single serialization point of one scene: its replica,
// log, presence roster and lock table are mutated only under the document
// mutex, and nothing done under that mutex waits on I/O. Replies and
// broadcasts are enqueued on member send buffers without blocking; storage
// writes happen outside the mutex on a consistent copy.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/scenesync/internal/broadcast"
	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/crdt"
	"github.com/manpreetbhatti/scenesync/internal/hook"
	"github.com/manpreetbhatti/scenesync/internal/oplog"
	"github.com/manpreetbhatti/scenesync/internal/orderkey"
	"github.com/manpreetbhatti/scenesync/internal/persist"
	"github.com/manpreetbhatti/scenesync/internal/presence"
	"github.com/manpreetbhatti/scenesync/internal/protocol"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

var ErrClosed = errors.New("room: scene closed")

type Config struct {
	// DependencyWindow bounds how long a batch waits for missing causal
	// dependencies before it is rejected.
	DependencyWindow time.Duration
	// HeartbeatTimeout expires participants that stop sending heartbeats.
	HeartbeatTimeout time.Duration
	// TailRetain is the number of batches kept in memory after a checkpoint.
	TailRetain int
	// MaxBatch bounds the operations of one submission. Zero means no limit.
	MaxBatch int
}

func DefaultConfig() Config {
	return Config{
		DependencyWindow: 30 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		TailRetain:       1000,
		MaxBatch:         1000,
	}
}

// Scheduler is told when a scene has new batches to persist.
type Scheduler interface {
	Schedule(sceneID string)
}

// Origin identifies the submitter of a request and where replies go. An
// empty SessionID sends no replies.
type Origin struct {
	SessionID   string
	Participant string
	RequestID   string
}

type Status int

const (
	StatusApplied Status = iota + 1
	StatusBuffered
	StatusDuplicate
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusBuffered:
		return "buffered"
	case StatusDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Result describes an accepted submission.
type Result struct {
	Status     Status
	Version    int64
	Operations []scene.Operation
	Outcomes   []crdt.Outcome
	Missing    []clock.OpID
}

// Info summarizes a live document.
type Info struct {
	SceneID           string       `json:"scene_id"`
	Version           int64        `json:"version"`
	CheckpointVersion int64        `json:"checkpoint_version"`
	SyncedVersion     int64        `json:"synced_version"`
	Clock             int64        `json:"clock"`
	Participants      int          `json:"participants"`
	Sessions          int          `json:"sessions"`
	Locks             int          `json:"locks"`
	PendingBatches    int          `json:"pending_batches"`
	WaitingFor        []clock.OpID `json:"waiting_for,omitempty"`
	TailBatches       int          `json:"tail_batches"`
	Nodes             int          `json:"nodes"`
	OpenedAt          time.Time    `json:"opened_at"`
}

// Document is one live scene.
type Document struct {
	id     string
	config Config
	log    *slog.Logger
	hook   *hook.Dispatcher
	now    func() time.Time

	mu           sync.Mutex
	state        *crdt.State
	clock        *clock.Clock
	oplog        *oplog.Log
	pending      crdt.Buffer[Origin]
	roster       *presence.Roster
	locks        *presence.LockTable
	group        *broadcast.Group
	sessions     map[string]string
	sched        Scheduler
	checkpointed int64
	closed       bool
	openedAt     time.Time

	// flushMu serializes storage writes of this scene so an older point
	// never overwrites a newer checkpoint.
	flushMu sync.Mutex
}

func newDocument(id string, loaded *persist.Loaded, source oplog.Source, config Config, logger *slog.Logger, dispatcher *hook.Dispatcher, now func() time.Time) (*Document, error) {
	log := oplog.New(id, loaded.Version, source)
	if err := log.Restore(loaded.Tail); err != nil {
		return nil, fmt.Errorf("restore log of %s: %w", id, err)
	}
	// Everything loaded is already durable.
	log.MarkSynced(loaded.Version)

	d := &Document{
		id:           id,
		config:       config,
		log:          logger.With("scene", id),
		hook:         dispatcher,
		now:          now,
		state:        loaded.State,
		clock:        loaded.Clock,
		oplog:        log,
		roster:       presence.NewRoster(),
		locks:        presence.NewLockTable(id),
		group:        broadcast.NewGroup(),
		sessions:     make(map[string]string),
		checkpointed: loaded.CheckpointVersion,
		openedAt:     now(),
	}
	if d.state == nil {
		d.state = crdt.NewState()
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	return d, nil
}

func (d *Document) ID() string {
	return d.id
}

func (d *Document) setScheduler(s Scheduler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sched = s
}

// Join adds m to the scene and sends it room.joined. Other members learn
// about the participant only when this is its first session.
func (d *Document) Join(m broadcast.Member, displayName string) (protocol.Joined, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return protocol.Joined{}, ErrClosed
	}

	entry, first := d.roster.Join(m.Participant(), displayName, d.now())
	d.sessions[m.SessionID()] = m.Participant()
	d.group.Add(m)

	joined := protocol.Joined{
		SessionID:   m.SessionID(),
		Participant: entry,
		Snapshot:    d.state.Snapshot(),
		Presence:    d.roster.List(),
		Locks:       d.locks.List(),
		Version:     d.oplog.Version(),
	}
	d.send(m.SessionID(), protocol.TypeJoined, "", joined)
	if first {
		d.publish(protocol.TypePresenceJoined, protocol.PresenceChange{Participant: entry}, m.SessionID())
	}
	d.log.Info("session joined", "participant", m.Participant(), "session", m.SessionID(), "sessions", entry.Sessions)
	return joined, nil
}

// Leave removes a session. When it was the participant's last one, its
// locks pass to the next in line and the others are told it left.
func (d *Document) Leave(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	participant, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	delete(d.sessions, sessionID)
	d.group.Remove(sessionID)

	entry, gone := d.roster.Leave(participant)
	d.log.Info("session left", "participant", participant, "session", sessionID)
	if gone {
		d.departed(entry, "left")
	}
}

// Heartbeat refreshes the presence of the session's participant.
func (d *Document) Heartbeat(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	participant, ok := d.sessions[sessionID]
	if !ok {
		return false
	}
	return d.roster.Touch(participant, d.now())
}

// Submit validates, stamps and applies a batch. Replies go to the origin
// session: ops.ack, ops.buffered or ops.rejected. Everyone else receives
// ops.applied once the batch is committed.
func (d *Document) Submit(o Origin, ops []scene.Operation) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.submit(o, ops)
	if err != nil {
		d.send(o.SessionID, protocol.TypeRejected, o.RequestID, protocol.RejectedFrom(err))
		d.log.Debug("batch rejected", "participant", o.Participant, "error", err)
		return Result{}, err
	}
	return res, nil
}

func (d *Document) submit(o Origin, ops []scene.Operation) (Result, error) {
	if d.closed {
		return Result{}, ErrClosed
	}
	if len(ops) == 0 {
		return Result{}, scene.Invalid("batch has no operations")
	}
	if d.config.MaxBatch > 0 && len(ops) > d.config.MaxBatch {
		return Result{}, scene.Invalid("batch has %d operations, the limit is %d", len(ops), d.config.MaxBatch)
	}

	batch := make([]scene.Operation, len(ops))
	seen := make(map[clock.OpID]struct{}, len(ops))
	stamp := false
	for i, op := range ops {
		if op.SceneID != "" && op.SceneID != d.id {
			return Result{}, scene.Invalid("operation %d belongs to scene %q", i, op.SceneID)
		}
		op.SceneID = d.id
		if err := op.Validate(); err != nil {
			return Result{}, fmt.Errorf("operation %d: %w", i, err)
		}
		if op.ID.IsZero() {
			stamp = true
		} else {
			if _, dup := seen[op.ID]; dup {
				return Result{}, scene.Invalid("op_id %s appears twice in the batch", op.ID)
			}
			seen[op.ID] = struct{}{}
		}
		batch[i] = op
	}
	if stamp && o.Participant == "" {
		return Result{}, scene.Invalid("operations without op_id need a participant")
	}
	if err := normalize(batch); err != nil {
		return Result{}, err
	}

	// Buffered batches stay unstamped and keep their relative positions
	// until their dependencies are applied.
	if missing := d.state.Missing(batch); len(missing) > 0 {
		d.pending.Add(crdt.Pending[Origin]{Ops: batch, Meta: o, Received: d.now()})
		d.send(o.SessionID, protocol.TypeBuffered, o.RequestID, protocol.Buffered{Missing: missing})
		d.log.Debug("batch buffered", "participant", o.Participant, "missing", len(missing))
		return Result{Status: StatusBuffered, Operations: batch, Missing: missing}, nil
	}

	res, err := d.accept(o, batch)
	if err != nil {
		return Result{}, err
	}
	d.releasePending()
	return res, nil
}

// releasePending commits every buffered batch the replica now satisfies.
// A batch whose relative line positions do not resolve is rejected to its
// submitter.
func (d *Document) releasePending() {
	d.pending.Release(d.state, func(p crdt.Pending[Origin]) {
		if _, err := d.accept(p.Meta, p.Ops); err != nil {
			d.send(p.Meta.SessionID, protocol.TypeRejected, p.Meta.RequestID, protocol.RejectedFrom(err))
			d.log.Debug("buffered batch rejected", "participant", p.Meta.Participant, "error", err)
		}
	})
}

// accept places, stamps and commits a causally ready batch. The clock is
// only touched once nothing can reject the batch any more.
func (d *Document) accept(o Origin, batch []scene.Operation) (Result, error) {
	if err := d.place(batch); err != nil {
		return Result{}, err
	}
	for _, op := range batch {
		if op.ID.IsZero() {
			continue
		}
		if err := d.clock.Observe(op.ID); err != nil {
			return Result{}, err
		}
	}
	for i := range batch {
		if batch[i].ID.IsZero() {
			batch[i].ID = d.clock.NextID(o.Participant)
		}
	}
	return d.commit(o, batch), nil
}

// normalize fills in what does not depend on the replica: ids of new
// records and the generated keys of reorder_lines.
func normalize(batch []scene.Operation) error {
	for i := range batch {
		op := &batch[i]
		if op.Target == "" && op.Kind.IsInsert() {
			op.Target = uuid.NewString()
		}
		if p, ok := op.Payload.(scene.ReorderLines); ok {
			lines, err := fillKeys(p.Lines)
			if err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
			p.Lines = lines
			op.Payload = p
		}
	}
	return nil
}

// place resolves lines positioned relative to other lines into order keys,
// against the live replica plus the earlier operations of the same batch.
// Operations the replica already holds are left alone.
func (d *Document) place(batch []scene.Operation) error {
	var view *crdt.State
	for i := range batch {
		op := &batch[i]
		if !op.ID.IsZero() && d.state.Has(op.ID) {
			continue
		}
		if p, ok := op.Payload.(scene.InsertLine); ok {
			if p.Key == "" {
				if view == nil {
					view = d.state.Clone()
					for j := range batch[:i] {
						view.Apply(provisional(batch[j], j))
					}
				}
				key, err := placeLine(view, p.NodeID, p.After, p.Before)
				if err != nil {
					return fmt.Errorf("operation %d: %w", i, err)
				}
				p.Key = key
			}
			p.After, p.Before = "", ""
			op.Payload = p
		}
		if view != nil {
			view.Apply(provisional(*op, i))
		}
	}
	return nil
}

// provisional gives an unstamped operation a placeholder id that orders
// after every stamped one, as its real stamp will.
func provisional(op scene.Operation, i int) scene.Operation {
	if op.ID.IsZero() {
		op.ID = clock.OpID{Counter: math.MaxInt64/2 + int64(i)}
	}
	return op
}

// placeLine picks a key for a new line of nodeID: right after the line
// after, right before the line before, between both, or at the end.
func placeLine(s *crdt.State, nodeID, after, before string) (string, error) {
	lines := s.OrderedLines(nodeID)
	index := func(id string) int {
		for i, l := range lines {
			if l.ID == id {
				return i
			}
		}
		return -1
	}

	var lo, hi string
	switch {
	case after != "":
		i := index(after)
		if i < 0 {
			return "", scene.Invalid("line %q is not in node %q", after, nodeID)
		}
		lo = lines[i].Key
		if before != "" {
			j := index(before)
			if j < 0 {
				return "", scene.Invalid("line %q is not in node %q", before, nodeID)
			}
			if j <= i {
				return "", scene.Invalid("line %q does not come after %q", before, after)
			}
			hi = lines[j].Key
		} else {
			for _, l := range lines[i+1:] {
				if l.Key > lo {
					hi = l.Key
					break
				}
			}
		}
	case before != "":
		j := index(before)
		if j < 0 {
			return "", scene.Invalid("line %q is not in node %q", before, nodeID)
		}
		hi = lines[j].Key
		for k := j - 1; k >= 0; k-- {
			if lines[k].Key < hi {
				lo = lines[k].Key
				break
			}
		}
	default:
		if len(lines) > 0 {
			lo = lines[len(lines)-1].Key
		}
	}

	key, err := orderkey.Between(lo, hi)
	if err != nil {
		return "", scene.Invalid("cannot place a line between %q and %q", lo, hi)
	}
	return key, nil
}

// fillKeys spreads generated keys over every run of lines listed without
// one, bounded by the listed neighbours of the run.
func fillKeys(lines []scene.LinePosition) ([]scene.LinePosition, error) {
	out := append([]scene.LinePosition(nil), lines...)
	for i := 0; i < len(out); {
		if out[i].Key != "" {
			i++
			continue
		}
		j := i
		for j < len(out) && out[j].Key == "" {
			j++
		}
		var lo, hi string
		if i > 0 {
			lo = out[i-1].Key
		}
		if j < len(out) {
			hi = out[j].Key
		}
		keys, err := orderkey.NBetween(lo, hi, j-i)
		if err != nil {
			return nil, scene.Invalid("reorder_lines keys around %q are not increasing", out[i].LineID)
		}
		for k, key := range keys {
			out[i+k].Key = key
		}
		i = j
	}
	for k := 1; k < len(out); k++ {
		if out[k-1].Key >= out[k].Key {
			return nil, scene.Invalid("reorder_lines keys must increase in listed order")
		}
	}
	return out, nil
}

// commit applies a causally ready batch, appends it to the log and tells
// everyone. Operations applied earlier are dropped from the batch; if none
// is left the submitter is acknowledged at the current version.
func (d *Document) commit(o Origin, ops []scene.Operation) Result {
	fresh := make([]scene.Operation, 0, len(ops))
	for _, op := range ops {
		if !d.state.Has(op.ID) {
			fresh = append(fresh, op)
		}
	}
	if len(fresh) == 0 {
		version := d.oplog.Version()
		d.send(o.SessionID, protocol.TypeAck, o.RequestID, protocol.Applied{
			Version:    version,
			Operations: ops,
			Applied:    true,
		})
		return Result{Status: StatusDuplicate, Version: version, Operations: ops}
	}

	outcomes := d.state.ApplyBatch(fresh)
	batch := d.oplog.Append(fresh, d.now())

	names := make([]string, len(outcomes))
	for i, oc := range outcomes {
		names[i] = oc.String()
	}
	payload := protocol.Applied{
		Version:    batch.Version,
		Operations: fresh,
		Applied:    true,
		Outcomes:   names,
		Author:     o.Participant,
	}
	d.send(o.SessionID, protocol.TypeAck, o.RequestID, payload)
	d.publish(protocol.TypeApplied, payload, o.SessionID)
	if d.sched != nil {
		d.sched.Schedule(d.id)
	}

	d.log.Debug("batch applied", "version", batch.Version, "operations", len(fresh), "participant", o.Participant)
	return Result{Status: StatusApplied, Version: batch.Version, Operations: fresh, Outcomes: outcomes}
}

// AcquireLock grants target to the origin participant or queues it.
func (d *Document) AcquireLock(o Origin, target string) (presence.Grant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.lockable(o, target); err != nil {
		d.send(o.SessionID, protocol.TypeError, o.RequestID, protocol.ErrorFrom(err))
		return presence.Grant{}, err
	}

	before, held := d.locks.Get(target)
	grant := d.locks.Acquire(target, o.Participant, d.now())
	after, _ := d.locks.Get(target)

	if grant.Granted {
		d.send(o.SessionID, protocol.TypeLockGranted, o.RequestID, protocol.LockGranted{Target: target, Holder: o.Participant})
	} else {
		d.send(o.SessionID, protocol.TypeLockQueued, o.RequestID, protocol.LockQueued{
			Target:   target,
			Holder:   grant.Holder,
			Position: grant.Position,
		})
	}
	if !held || len(before.Queue) != len(after.Queue) {
		d.lockChanged(target)
	}
	return grant, nil
}

// ReleaseLock releases target and promotes the next queued participant,
// whose sessions are pushed a lock.granted.
func (d *Document) ReleaseLock(o Origin, target string) (presence.Transfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tr, err := d.release(o, target)
	if err != nil {
		d.send(o.SessionID, protocol.TypeError, o.RequestID, protocol.ErrorFrom(err))
		return presence.Transfer{}, err
	}
	d.send(o.SessionID, protocol.TypeLockReleased, o.RequestID, protocol.LockReleased{Target: target, NextHolder: tr.Next})
	d.transferred([]presence.Transfer{tr})
	return tr, nil
}

func (d *Document) release(o Origin, target string) (presence.Transfer, error) {
	if d.closed {
		return presence.Transfer{}, ErrClosed
	}
	if target == "" {
		return presence.Transfer{}, scene.Invalid("lock request requires target_id")
	}
	return d.locks.Release(target, o.Participant, d.now())
}

func (d *Document) lockable(o Origin, target string) error {
	if d.closed {
		return ErrClosed
	}
	if target == "" {
		return scene.Invalid("lock request requires target_id")
	}
	if !d.roster.Has(o.Participant) {
		return scene.Invalid("participant %q is not present in scene %q", o.Participant, d.id)
	}
	return nil
}

// departed cleans up after a participant that is gone for good.
func (d *Document) departed(entry presence.Entry, reason string) {
	var affected []string
	for _, l := range d.locks.List() {
		if l.Holder == entry.ParticipantID || contains(l.Queue, entry.ParticipantID) {
			affected = append(affected, l.Target)
		}
	}
	transfers := d.locks.ReleaseAll(entry.ParticipantID, d.now())
	for _, target := range affected {
		d.lockChanged(target)
	}
	d.pushGrants(transfers)
	d.publish(protocol.TypePresenceLeft, protocol.PresenceChange{Participant: entry, Reason: reason}, "")
}

func (d *Document) transferred(transfers []presence.Transfer) {
	for _, tr := range transfers {
		d.lockChanged(tr.Target)
	}
	d.pushGrants(transfers)
}

func (d *Document) pushGrants(transfers []presence.Transfer) {
	for _, tr := range transfers {
		if tr.Next == "" {
			continue
		}
		msg := protocol.MustEncode(protocol.TypeLockGranted, "", d.id, protocol.LockGranted{Target: tr.Target, Holder: tr.Next})
		d.drop(d.group.SendTo(tr.Next, msg))
	}
}

func (d *Document) lockChanged(target string) {
	change := protocol.LockChanged{Target: target, Queue: []string{}}
	if l, ok := d.locks.Get(target); ok {
		change.Holder = l.Holder
		change.Queue = l.Queue
	}
	d.publish(protocol.TypeLockChanged, change, "")
}

// ExpirePending rejects buffered batches whose dependencies did not
// arrive within the dependency window.
func (d *Document) ExpirePending(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	expired := d.pending.Expire(now, d.config.DependencyWindow)
	for _, p := range expired {
		missing := d.state.Missing(p.Ops)
		err := scene.DependencyTimeout(d.id, missing)
		d.send(p.Meta.SessionID, protocol.TypeRejected, p.Meta.RequestID, protocol.RejectedFrom(err))
		d.log.Warn("dropped batch with missing dependencies",
			"participant", p.Meta.Participant,
			"operations", len(p.Ops),
			"missing", len(missing))
	}
	return len(expired)
}

// ExpirePresence disconnects participants whose last heartbeat is older
// than the heartbeat timeout and cleans up as if they had left.
func (d *Document) ExpirePresence(now time.Time) []presence.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	expired := d.roster.Expire(now, d.config.HeartbeatTimeout)
	for _, entry := range expired {
		for _, m := range d.group.Sessions(entry.ParticipantID) {
			d.group.Remove(m.SessionID())
			delete(d.sessions, m.SessionID())
			m.Close()
		}
		d.departed(entry, "timeout")
		d.log.Info("participant timed out", "participant", entry.ParticipantID, "last_seen", entry.LastSeen)
	}
	return expired
}

// History returns the batches committed after since. It does not take
// the document lock; the log guards itself and may read from storage.
func (d *Document) History(ctx context.Context, since int64) ([]oplog.Batch, int64, error) {
	batches, err := d.oplog.History(ctx, since)
	if err != nil {
		return nil, 0, err
	}
	return batches, d.oplog.Version(), nil
}

// Snapshot returns the materialized scene and the version it reflects.
func (d *Document) Snapshot() (scene.Snapshot, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Snapshot(), d.oplog.Version()
}

func (d *Document) Version() int64 {
	return d.oplog.Version()
}

func (d *Document) Presence() []presence.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roster.List()
}

func (d *Document) Locks() []presence.Lock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locks.List()
}

func (d *Document) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Info{
		SceneID:           d.id,
		Version:           d.oplog.Version(),
		CheckpointVersion: d.checkpointed,
		SyncedVersion:     d.oplog.Synced(),
		Clock:             d.clock.Current(),
		Participants:      d.roster.Len(),
		Sessions:          d.group.Len(),
		Locks:             d.locks.Len(),
		PendingBatches:    d.pending.Len(),
		WaitingFor:        d.pending.Waiting(d.state),
		TailBatches:       d.oplog.Len(),
		Nodes:             len(d.state.Snapshot().Nodes),
		OpenedAt:          d.openedAt,
	}
}

// point captures everything a checkpoint needs in one consistent copy.
func (d *Document) point() persist.Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	return persist.Point{
		SceneID:  d.id,
		Version:  d.oplog.Version(),
		Clock:    d.clock.State(),
		State:    d.state.Clone(),
		Unsynced: d.oplog.Unsynced(),
	}
}

// markCheckpointed records a durable checkpoint at version and trims the
// in-memory log tail.
func (d *Document) markCheckpointed(version int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.oplog.MarkSynced(version)
	if version > d.checkpointed {
		d.checkpointed = version
	}
	if trimmed := d.oplog.Trim(d.config.TailRetain); trimmed > 0 {
		d.log.Debug("log tail trimmed", "batches", trimmed)
	}
}

func (d *Document) dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && d.oplog.Version() > d.checkpointed
}

func (d *Document) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close disconnects every session. The document rejects further requests.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, m := range d.group.Members() {
		d.group.Remove(m.SessionID())
		m.Close()
	}
	d.sessions = make(map[string]string)
}

func (d *Document) send(sessionID, typ, requestID string, data any) {
	if sessionID == "" {
		return
	}
	msg := protocol.MustEncode(typ, requestID, d.id, data)
	d.drop(d.group.Send(sessionID, msg))
}

// publish broadcasts to every member but except and mirrors the message
// to the observer hook.
func (d *Document) publish(typ string, data any, except string) {
	msg := protocol.MustEncode(typ, "", d.id, data)
	d.drop(d.group.Broadcast(msg, except))
	if d.hook != nil {
		d.hook.Emit(hook.Event{
			SceneID: d.id,
			Type:    typ,
			Version: d.oplog.Version(),
			Message: msg,
			At:      d.now(),
		})
	}
}

// drop closes members whose send buffer overflowed. Their read loop
// calls Leave once the connection is torn down.
func (d *Document) drop(members []broadcast.Member) {
	for _, m := range members {
		d.log.Warn("dropping slow session", "participant", m.Participant(), "session", m.SessionID())
		m.Close()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
