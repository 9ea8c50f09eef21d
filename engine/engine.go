package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"drawtogether-server/core"
)

const (
	DefaultHighWaterMark = 100
	DefaultChunkSize     = 5000
	DefaultOutboxDepth   = 16384
	DefaultMaxLogSize    = 10000
	DefaultRenderTimeout = 30 * time.Second

	maxChatMessagesPerRoom = 100

	// Status strings surfaced to hub callers.
	StatusEmptyMessage      = "Cannot send an empty message."
	StatusMessageReceived   = "Server message received"
	StatusNotInRoom         = "Connect to a room before chatting."
	StatusRendererConnected = "Render worker registered"
)

type (
	// Config tunes the synchronization engine. Zero values fall back to
	// the defaults above.
	Config struct {
		// HighWaterMark is the log length that admits a render cycle.
		HighWaterMark int
		// ChunkSize bounds each snapshot chunk pushed to a peer.
		ChunkSize int
		// OutboxDepth bounds each connection's outbound stroke stream.
		// Keep it above MaxLogSize: joining a room replays the whole log
		// into the outbox before the client starts consuming.
		OutboxDepth int
		// MaxLogSize is the hard cap on a room's log. Beyond it the log
		// force-drops from the front, losing strokes to late joiners.
		MaxLogSize int
		// RenderTimeout reverts a room to idle when a render cycle never
		// delivers a snapshot.
		RenderTimeout time.Duration
	}

	// RoomInfo is the read-only view of a room served over the REST API.
	RoomInfo struct {
		ID             string `json:"id"`
		Members        int    `json:"members"`
		LogLength      int    `json:"log_length"`
		SnapshotBytes  int    `json:"snapshot_bytes"`
		RenderInFlight bool   `json:"render_in_flight"`
		LastActive     int64  `json:"last_active,omitempty"`
	}

	// Engine owns all room and connection state for one process: the
	// registries, the broadcast path, the render-worker handoff and the
	// resync protocol. Construct one at startup and share it by handle.
	Engine struct {
		cfg    Config
		pusher core.Pusher

		mu    sync.RWMutex
		rooms map[string]*Room
		conns map[string]*Connection

		rendererMu sync.RWMutex
		rendererID string
	}
)

func (c Config) withDefaults() Config {
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = DefaultHighWaterMark
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.OutboxDepth <= 0 {
		c.OutboxDepth = DefaultOutboxDepth
	}
	if c.MaxLogSize <= 0 {
		c.MaxLogSize = DefaultMaxLogSize
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = DefaultRenderTimeout
	}
	return c
}

func New(cfg Config, pusher core.Pusher) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		pusher: pusher,
		rooms:  make(map[string]*Room),
		conns:  make(map[string]*Connection),
	}
}

// Config returns the effective configuration after defaulting.
func (e *Engine) Config() Config {
	return e.cfg
}

// GetOrCreateRoom looks up a room by key, creating it on first reference.
// Rooms are never destroyed.
func (e *Engine) GetOrCreateRoom(key string) *Room {
	e.mu.RLock()
	rm, ok := e.rooms[key]
	e.mu.RUnlock()
	if ok {
		return rm
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rm, ok := e.rooms[key]; ok {
		return rm
	}

	rm = newRoom(key)
	e.rooms[key] = rm
	logrus.WithField("room", key).Info("Room created")
	return rm
}

// GetOrCreateConnection looks up a connection by id, creating it on first
// reference.
func (e *Engine) GetOrCreateConnection(id string) *Connection {
	e.mu.RLock()
	conn, ok := e.conns[id]
	e.mu.RUnlock()
	if ok {
		return conn
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if conn, ok := e.conns[id]; ok {
		return conn
	}

	conn = newConnection(id, e.cfg.OutboxDepth)
	e.conns[id] = conn
	return conn
}

func (e *Engine) lookupConnection(id string) *Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conns[id]
}

func (e *Engine) lookupRoom(key string) *Room {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rooms[key]
}

func (e *Engine) roomList() []*Room {
	e.mu.RLock()
	defer e.mu.RUnlock()

	list := make([]*Room, 0, len(e.rooms))
	for _, rm := range e.rooms {
		list = append(list, rm)
	}
	return list
}

// Connect attaches a connection to a room and returns its live outbound
// stroke stream. Before the stream handle is returned, the room's current
// log is replayed into it and the current snapshot is pushed in chunks,
// so a consumer sees backlog, then snapshot, then live strokes with no
// stroke missed or duplicated in between.
func (e *Engine) Connect(connID, roomKey string) (<-chan core.StrokeSegment, error) {
	if roomKey == "" {
		return nil, fmt.Errorf("room key is required")
	}

	conn := e.GetOrCreateConnection(connID)

	// Moving between rooms detaches from the old membership first, so a
	// connection is a member of at most one room.
	if prev := conn.Room(); prev != "" && prev != roomKey {
		if old := e.lookupRoom(prev); old != nil {
			old.mu.Lock()
			delete(old.members, connID)
			old.mu.Unlock()
		}
	}

	rm := e.GetOrCreateRoom(roomKey)

	// Backlog copy, membership join and snapshot capture happen in one
	// critical section: a stroke submitted concurrently lands either in
	// the replayed backlog or in the live stream, never both or neither.
	rm.mu.Lock()
	conn.setRoom(roomKey)
	rm.members[connID] = conn
	rm.lastActive = time.Now().UnixMilli()
	snapshot := rm.snapshot
	replayed := 0
	overflow := false
	for _, seg := range rm.log {
		if !conn.push(seg) {
			overflow = true
			break
		}
		replayed++
	}
	if overflow {
		delete(rm.members, connID)
	}
	rm.mu.Unlock()

	if overflow {
		logrus.WithFields(logrus.Fields{
			"connection": connID,
			"room":       roomKey,
		}).Warn("Backlog does not fit the outbox, disconnecting")
		e.RemoveConnection(connID)
		e.pusher.Disconnect(connID)
		return nil, fmt.Errorf("backlog exceeds outbox depth for connection %s", connID)
	}

	e.pusher.ReloadImage(connID, core.ChunkBytes(snapshot, e.cfg.ChunkSize))

	logrus.WithFields(logrus.Fields{
		"connection": connID,
		"room":       roomKey,
		"backlog":    replayed,
		"snapshot":   len(snapshot),
	}).Info("Connection joined room")

	return conn.outbox, nil
}

// SubmitStroke appends a segment to the caller's room log and fans it out
// to every member of the room, including the caller. Fan-out never blocks:
// a member whose outbox is full is disconnected instead.
func (e *Engine) SubmitStroke(connID string, seg core.StrokeSegment) error {
	conn := e.lookupConnection(connID)
	if conn == nil {
		return fmt.Errorf("unknown connection %s", connID)
	}

	roomKey := conn.Room()
	if roomKey == "" {
		return fmt.Errorf("connection %s has not joined a room", connID)
	}

	rm := e.GetOrCreateRoom(roomKey)

	var stalled []string
	kick := false

	rm.mu.Lock()
	rm.log = append(rm.log, seg)
	rm.lastActive = time.Now().UnixMilli()

	if excess := len(rm.log) - e.cfg.MaxLogSize; excess > 0 {
		dropped := rm.dropFront(excess)
		if rm.trimDebt > 0 {
			// forced drops remove the oldest entries, which are exactly
			// the ones any outstanding debt refers to
			satisfied := dropped
			if satisfied > rm.trimDebt {
				satisfied = rm.trimDebt
			}
			rm.trimDebt -= satisfied
		}
		logrus.WithFields(logrus.Fields{
			"room":    roomKey,
			"dropped": dropped,
			"cap":     e.cfg.MaxLogSize,
		}).Warn("Log cap exceeded, dropping oldest strokes")
	}

	for _, member := range rm.members {
		if !member.push(seg) {
			stalled = append(stalled, member.id)
		}
	}

	if len(rm.log) > e.cfg.HighWaterMark && !rm.renderInFlight {
		rm.renderInFlight = true
		rm.requestIssued = false
		debt := len(rm.log) - 2*e.cfg.HighWaterMark
		if debt < 0 {
			debt = 0
		}
		rm.trimDebt += debt
		rm.cycleDebt = debt
		kick = true
	}
	rm.mu.Unlock()

	for _, id := range stalled {
		logrus.WithFields(logrus.Fields{
			"connection": id,
			"room":       roomKey,
		}).Warn("Outbox overflow, disconnecting slow consumer")
		e.RemoveConnection(id)
		e.pusher.Disconnect(id)
	}

	if kick {
		e.kickRender(rm)
	}

	return nil
}

// kickRender issues the render request for a room whose high-water mark
// has tripped. Without a registered worker the room stays marked in
// flight until one appears; RegisterRenderer kicks such rooms.
func (e *Engine) kickRender(rm *Room) {
	e.rendererMu.RLock()
	rendererID := e.rendererID
	e.rendererMu.RUnlock()

	if rendererID == "" {
		logrus.WithField("room", rm.key).Debug("No render worker registered, render deferred")
		return
	}

	rm.mu.Lock()
	if !rm.renderInFlight || rm.requestIssued {
		rm.mu.Unlock()
		return
	}
	rm.requestIssued = true
	rm.generation++
	gen := rm.generation
	rm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room":     rm.key,
		"renderer": rendererID,
	}).Info("Requesting render cycle")

	go e.pusher.RenderImage(rendererID, rm.key)
	time.AfterFunc(e.cfg.RenderTimeout, func() {
		e.expireRender(rm, gen)
	})
}

// expireRender reverts a room to idle when an issued render cycle outlives
// its deadline, rolling back the debt computed for that cycle so a later
// trim cannot remove entries the lost snapshot never incorporated.
func (e *Engine) expireRender(rm *Room, gen uint64) {
	rm.mu.Lock()
	if !rm.renderInFlight || !rm.requestIssued || rm.generation != gen {
		rm.mu.Unlock()
		return
	}
	rm.renderInFlight = false
	rm.requestIssued = false
	rm.trimDebt -= rm.cycleDebt
	if rm.trimDebt < 0 {
		rm.trimDebt = 0
	}
	rm.cycleDebt = 0
	rm.generation++
	rm.mu.Unlock()

	logrus.WithField("room", rm.key).Error("Render cycle timed out, reverting to idle")
}

// abortIssuedRender is expireRender without the deadline: it reverts any
// cycle whose request was already issued, used when the render worker
// disconnects while results are outstanding.
func (e *Engine) abortIssuedRender(rm *Room) {
	rm.mu.Lock()
	if !rm.renderInFlight || !rm.requestIssued {
		rm.mu.Unlock()
		return
	}
	rm.renderInFlight = false
	rm.requestIssued = false
	rm.trimDebt -= rm.cycleDebt
	if rm.trimDebt < 0 {
		rm.trimDebt = 0
	}
	rm.cycleDebt = 0
	rm.generation++
	rm.mu.Unlock()

	logrus.WithField("room", rm.key).Warn("Render worker lost mid-cycle, reverting to idle")
}

// RegisterRenderer marks the calling connection as the render worker,
// replacing any previous holder, and kicks every room whose render was
// deferred for lack of one.
func (e *Engine) RegisterRenderer(connID string) string {
	e.GetOrCreateConnection(connID)

	e.rendererMu.Lock()
	prev := e.rendererID
	e.rendererID = connID
	e.rendererMu.Unlock()

	if prev != "" && prev != connID {
		logrus.WithFields(logrus.Fields{
			"renderer": connID,
			"replaced": prev,
		}).Warn("Render worker replaced")
	} else {
		logrus.WithField("renderer", connID).Info("Render worker registered")
	}

	for _, rm := range e.roomList() {
		e.kickRender(rm)
	}

	return StatusRendererConnected
}

// RendererID returns the connection id of the registered render worker,
// or "" when none is registered.
func (e *Engine) RendererID() string {
	e.rendererMu.RLock()
	defer e.rendererMu.RUnlock()
	return e.rendererID
}

// RenderBatch pushes the room's current snapshot to the requesting worker
// and returns up to HighWaterMark segments from the front of the log,
// oldest first. The batch is copied at call time: a bounded cursor that
// cannot race with appends or a later trim.
func (e *Engine) RenderBatch(connID, roomKey string) []core.StrokeSegment {
	rm := e.GetOrCreateRoom(roomKey)

	rm.mu.Lock()
	snapshot := rm.snapshot
	n := e.cfg.HighWaterMark
	if n > len(rm.log) {
		n = len(rm.log)
	}
	batch := append([]core.StrokeSegment(nil), rm.log[:n]...)
	rm.mu.Unlock()

	e.pusher.ReloadImage(connID, core.ChunkBytes(snapshot, e.cfg.ChunkSize))

	logrus.WithFields(logrus.Fields{
		"room":  roomKey,
		"batch": len(batch),
	}).Debug("Render batch prepared")

	return batch
}

// InstallSnapshot stores the image a render worker sent back for a room,
// performs the deferred trim and returns the room to idle. The trim
// re-validates against the current log length, so entries appended while
// the render ran are never removed beyond the recorded debt.
func (e *Engine) InstallSnapshot(roomKey string, image []byte) {
	rm := e.GetOrCreateRoom(roomKey)

	rm.mu.Lock()
	if !rm.renderInFlight {
		logrus.WithField("room", roomKey).Warn("Snapshot received outside a render cycle")
	}
	rm.snapshot = image
	removed := rm.dropFront(rm.trimDebt)
	rm.trimDebt -= removed
	rm.cycleDebt = 0
	rm.renderInFlight = false
	rm.requestIssued = false
	rm.generation++
	remaining := len(rm.log)
	rm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room":    roomKey,
		"bytes":   len(image),
		"trimmed": removed,
		"pending": remaining,
	}).Info("Snapshot installed")
}

// SendChatMessage validates and broadcasts a chat message to every member
// of the caller's room, returning a status string for the caller. Empty
// text is rejected, not a fault.
func (e *Engine) SendChatMessage(connID, user, text string) string {
	if text == "" {
		return StatusEmptyMessage
	}

	conn := e.lookupConnection(connID)
	if conn == nil {
		return StatusNotInRoom
	}
	roomKey := conn.Room()
	if roomKey == "" {
		return StatusNotInRoom
	}

	rm := e.GetOrCreateRoom(roomKey)
	msg := core.ChatMessage{
		ID:        ulid.Make().String(),
		Sender:    user,
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
	}

	rm.mu.Lock()
	rm.chat = append(rm.chat, msg)
	if len(rm.chat) > maxChatMessagesPerRoom {
		rm.chat = rm.chat[len(rm.chat)-maxChatMessagesPerRoom:]
	}
	rm.lastActive = msg.Timestamp
	targets := rm.memberIDs()
	rm.mu.Unlock()

	for _, id := range targets {
		e.pusher.ReceiveChatMessage(id, user, text)
	}

	return StatusMessageReceived
}

// ChatHistory returns a copy of a room's retained chat messages, oldest
// first. An unknown room yields an empty history.
func (e *Engine) ChatHistory(roomKey string) []core.ChatMessage {
	rm := e.lookupRoom(roomKey)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]core.ChatMessage(nil), rm.chat...)
}

// RemoveConnection discards a connection's state on transport close. A
// render worker's disconnect clears the worker identity and aborts any
// cycle awaiting its result; it never touches room membership. Removing
// a connection that was never assigned a room, or never existed, is a
// no-op.
func (e *Engine) RemoveConnection(connID string) {
	e.mu.Lock()
	conn := e.conns[connID]
	delete(e.conns, connID)
	e.mu.Unlock()

	e.rendererMu.Lock()
	wasRenderer := e.rendererID == connID
	if wasRenderer {
		e.rendererID = ""
	}
	e.rendererMu.Unlock()

	if wasRenderer {
		logrus.WithField("renderer", connID).Warn("Render worker disconnected")
		for _, rm := range e.roomList() {
			e.abortIssuedRender(rm)
		}
	}

	if conn == nil {
		return
	}

	if roomKey := conn.Room(); roomKey != "" {
		if rm := e.lookupRoom(roomKey); rm != nil {
			rm.mu.Lock()
			delete(rm.members, connID)
			rm.mu.Unlock()
		}
	}

	conn.close()
	logrus.WithField("connection", connID).Info("Connection removed")
}

// Rooms lists every room the engine knows about, busiest first.
func (e *Engine) Rooms() []RoomInfo {
	list := e.roomList()

	infos := make([]RoomInfo, 0, len(list))
	for _, rm := range list {
		rm.mu.Lock()
		infos = append(infos, RoomInfo{
			ID:             rm.key,
			Members:        len(rm.members),
			LogLength:      len(rm.log),
			SnapshotBytes:  len(rm.snapshot),
			RenderInFlight: rm.renderInFlight,
			LastActive:     rm.lastActive,
		})
		rm.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Members == infos[j].Members {
			if infos[i].LastActive == infos[j].LastActive {
				return infos[i].ID < infos[j].ID
			}
			return infos[i].LastActive > infos[j].LastActive
		}
		return infos[i].Members > infos[j].Members
	})

	return infos
}
