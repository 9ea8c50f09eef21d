package rooms

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"drawtogether-server/core"
	"drawtogether-server/engine"
)

// Directory is the read-only view of the engine the REST surface needs.
type Directory interface {
	Rooms() []engine.RoomInfo
	ChatHistory(room string) []core.ChatMessage
}

// HandleList lists every known room, busiest first.
func HandleList(dir Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms := dir.Rooms()
		if rooms == nil {
			rooms = []engine.RoomInfo{}
		}
		render.JSON(w, r, rooms)
	}
}

// HandleChatHistory returns a room's retained chat messages, oldest first.
func HandleChatHistory(dir Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		history := dir.ChatHistory(roomID)
		if history == nil {
			history = []core.ChatMessage{}
		}
		render.JSON(w, r, history)
	}
}
