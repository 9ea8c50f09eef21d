package websocket

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"drawtogether-server/engine"
)

// Transport event names. Together they form the closed set of calls
// exchanged with browser clients and the render worker.
const (
	// client -> server
	evConnectRoom     = "connect-room"
	evSendDrawLine    = "send-draw-line"
	evSendChatMessage = "send-chat-message"

	// server -> client
	evDrawLine           = "draw-line"
	evReloadImage        = "reload-image"
	evReloadImageDone    = "reload-image-done"
	evReceiveChatMessage = "receive-chat-message"

	// render worker <-> server
	evNodeEstablishConnection = "node-establish-connection"
	evRequestDrawEvents       = "request-draw-events"
	evReceiveUpdatedImage     = "receive-updated-image"
	evNodeRenderImage         = "node-render-image"
	evNodeDrawEvent           = "node-draw-event"
	evNodeDrawEventsDone      = "node-draw-events-done"
)

// socketPusher adapts the Socket.IO server to the engine's push surface.
// Every socket is addressable through the personal room Socket.IO joins
// it to under its own id.
type socketPusher struct {
	srv *socketio.Server
}

func (p *socketPusher) ReloadImage(connID string, chunks [][]byte) {
	target := p.srv.To(socketio.Room(connID))
	for _, chunk := range chunks {
		_ = target.Emit(evReloadImage, chunk)
	}
	_ = target.Emit(evReloadImageDone)
}

func (p *socketPusher) ReceiveChatMessage(connID, user, text string) {
	_ = p.srv.To(socketio.Room(connID)).Emit(evReceiveChatMessage, user, text)
}

func (p *socketPusher) RenderImage(connID, room string) {
	_ = p.srv.To(socketio.Room(connID)).Emit(evNodeRenderImage, room)
}

func (p *socketPusher) Disconnect(connID string) {
	p.srv.In(socketio.Room(connID)).DisconnectSockets(true)
}

// SetupSocketIO builds the Socket.IO server and the synchronization
// engine behind it, and wires the whiteboard protocol onto both.
func SetupSocketIO(cfg engine.Config) (*socketio.Server, *engine.Engine) {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	opts.SetCors(&types.Cors{
		Origin: []any{
			"tauri://localhost",
			localhostOrigin,
		},
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	push := &socketPusher{srv: srv}
	eng := engine.New(cfg, push)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		me := string(socket.Id())
		log := logrus.WithField("connection", me)
		log.Debug("Socket connected")

		// The outbox is single-consumer; one pump per socket regardless
		// of how many rooms it joins over its lifetime.
		var pumpOnce sync.Once

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(evConnectRoom, func(datas ...any) {
			ack, args := extractAck(datas)
			roomID, err := parseRoomID(args)
			if err != nil {
				respondWithAck(socket, ack, "connect-room-ack", errorPayload(err), err)
				return
			}

			stream, err := eng.Connect(me, roomID)
			if err != nil {
				respondWithAck(socket, ack, "connect-room-ack", errorPayload(err), err)
				return
			}

			pumpOnce.Do(func() {
				go func() {
					for seg := range stream {
						_ = socket.Emit(evDrawLine, seg)
					}
				}()
			})

			respondWithAck(socket, ack, "connect-room-ack", okPayload(map[string]any{
				"room": roomID,
			}), nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(evSendDrawLine, func(datas ...any) {
			ack, args := extractAck(datas)
			if len(args) == 0 {
				err := fmt.Errorf("stroke segment is required")
				respondWithAck(socket, ack, "draw-line-ack", errorPayload(err), err)
				return
			}

			seg, err := parseSegment(args[0])
			if err != nil {
				respondWithAck(socket, ack, "draw-line-ack", errorPayload(err), err)
				return
			}

			if err := eng.SubmitStroke(me, seg); err != nil {
				log.WithError(err).Warn("Stroke submission rejected")
				respondWithAck(socket, ack, "draw-line-ack", errorPayload(err), err)
				return
			}

			respondWithAck(socket, ack, "", okPayload(nil), nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(evSendChatMessage, func(datas ...any) {
			ack, args := extractAck(datas)
			user := ""
			text := ""
			if len(args) > 0 {
				user, _ = args[0].(string)
			}
			if len(args) > 1 {
				text, _ = args[1].(string)
			}

			status := eng.SendChatMessage(me, user, text)
			respondWithAck(socket, ack, "chat-ack", map[string]any{
				"status": status,
			}, nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(evNodeEstablishConnection, func(datas ...any) {
			ack, _ := extractAck(datas)
			status := eng.RegisterRenderer(me)
			respondWithAck(socket, ack, "node-ack", map[string]any{
				"status": status,
			}, nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(evRequestDrawEvents, func(datas ...any) {
			ack, args := extractAck(datas)
			roomID, err := parseRoomID(args)
			if err != nil {
				respondWithAck(socket, ack, "render-events-ack", errorPayload(err), err)
				return
			}

			// the snapshot push happens inside RenderBatch, before any
			// event is streamed
			batch := eng.RenderBatch(me, roomID)
			for _, seg := range batch {
				_ = socket.Emit(evNodeDrawEvent, seg)
			}
			_ = socket.Emit(evNodeDrawEventsDone, roomID)

			respondWithAck(socket, ack, "", okPayload(map[string]any{
				"count": len(batch),
			}), nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(evReceiveUpdatedImage, func(datas ...any) {
			ack, args := extractAck(datas)
			roomID, err := parseRoomID(args)
			if err != nil {
				respondWithAck(socket, ack, "image-ack", errorPayload(err), err)
				return
			}
			if len(args) < 2 {
				err := fmt.Errorf("image payload is required")
				respondWithAck(socket, ack, "image-ack", errorPayload(err), err)
				return
			}

			image, err := parseImage(args[1])
			if err != nil {
				respondWithAck(socket, ack, "image-ack", errorPayload(err), err)
				return
			}

			eng.InstallSnapshot(roomID, image)
			respondWithAck(socket, ack, "", okPayload(nil), nil)
		})

		socket.On("disconnect", func(datas ...any) {
			log.Debug("Socket disconnected")
			eng.RemoveConnection(me)
			socket.RemoveAllListeners("")
		})
	})

	return srv, eng
}
