package core

type (
	// Point is an integer pixel coordinate on the canvas.
	Point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	// StrokeSegment is one incremental line segment of a pointer drag,
	// the unit of replication between clients.
	StrokeSegment struct {
		From Point `json:"from"`
		To   Point `json:"to"`
	}

	// ChatMessage is one entry of a room's chat history.
	ChatMessage struct {
		ID        string `json:"id"`
		Sender    string `json:"sender"`
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp"`
	}

	// Pusher delivers server-initiated calls to connected peers. The
	// synchronization engine holds one Pusher for the whole transport and
	// addresses peers by their transport session id.
	Pusher interface {
		// ReloadImage pushes a snapshot image to a peer as in-order chunks.
		ReloadImage(connID string, chunks [][]byte)
		// ReceiveChatMessage pushes one chat message to a peer.
		ReceiveChatMessage(connID, user, text string)
		// RenderImage asks the render worker to start a render cycle for a room.
		RenderImage(connID, room string)
		// Disconnect tears down a peer's transport session.
		Disconnect(connID string)
	}
)

// ChunkBytes splits b into size-byte pieces, preserving order; the final
// chunk holds the remainder. An empty b yields no chunks.
func ChunkBytes(b []byte, size int) [][]byte {
	if size <= 0 || len(b) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(b)+size-1)/size)
	for start := 0; start < len(b); start += size {
		end := start + size
		if end > len(b) {
			end = len(b)
		}
		chunks = append(chunks, b[start:end])
	}
	return chunks
}
