package engine

import (
	"sync"

	"drawtogether-server/core"
)

// Room holds the shared canvas state for one key: the stroke log, the
// rasterized snapshot covering everything logically before log[0], the
// member set, the chat history, and the render-cycle bookkeeping.
//
// All fields behind mu. The log only grows while a render cycle is in
// flight; trimming is deferred until the new snapshot is installed so
// strokes appended during a render are never lost.
type Room struct {
	key string

	mu       sync.Mutex
	log      []core.StrokeSegment
	snapshot []byte
	members  map[string]*Connection
	chat     []core.ChatMessage

	// renderInFlight is true from the moment a render cycle is admitted
	// until its snapshot is installed, times out, or is aborted. At most
	// one cycle is in flight per room.
	renderInFlight bool
	// requestIssued distinguishes a cycle whose request reached a render
	// worker from one deferred because no worker was registered.
	requestIssued bool
	// trimDebt counts leading log entries covered by a snapshot that is
	// being computed but not yet installed.
	trimDebt int
	// cycleDebt is the portion of trimDebt added by the in-flight cycle,
	// rolled back if that cycle never delivers a snapshot.
	cycleDebt int
	// generation increments whenever a cycle is issued or settled, so a
	// stale watchdog cannot revert a newer cycle.
	generation uint64

	lastActive int64
}

func newRoom(key string) *Room {
	return &Room{
		key:     key,
		members: make(map[string]*Connection),
	}
}

// Key returns the opaque room key.
func (r *Room) Key() string {
	return r.key
}

// dropFront removes up to n entries from the front of the log and reports
// how many were actually removed. Caller holds r.mu.
func (r *Room) dropFront(n int) int {
	if n > len(r.log) {
		n = len(r.log)
	}
	if n <= 0 {
		return 0
	}

	remaining := len(r.log) - n
	// shift instead of re-slicing so trimmed segments are not pinned
	copy(r.log, r.log[n:])
	r.log = r.log[:remaining]
	return n
}

// memberIDs snapshots the membership set. Caller holds r.mu.
func (r *Room) memberIDs() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}
