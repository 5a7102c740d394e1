package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/esp-monitor/backend/internal/capture"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// WebSocket message types for the live stream protocol
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeLine      = "line"
	MsgTypeCleared   = "cleared"
	MsgTypeStatus    = "status"
	MsgTypePong      = "pong"
)

// WSMessage is the JSON envelope for all stream messages.
type WSMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocketHandler streams capture events to connected frontends.
type WebSocketHandler struct {
	router   *capture.Router
	handler  *Handler
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the live stream handler.
func NewWebSocketHandler(router *capture.Router, h *Handler) *WebSocketHandler {
	return &WebSocketHandler{
		router:  router,
		handler: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The server binds to loopback by default; the dev frontend
				// runs on a different origin.
				return true
			},
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// HandleWebSocket upgrades the connection and relays router events until the
// client goes away. Each connection gets its own subscription; a slow client
// loses events instead of stalling the capture path.
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	fmt.Println("[WebSocket] Client connected to stream")

	obsID, events := wsh.router.Subscribe()
	defer wsh.router.Unsubscribe(obsID)

	// Current state first so the client can render without a REST round-trip.
	wsh.sendMessage(ws, WSMessage{
		Type:      MsgTypeConnected,
		Payload:   mustJSON(wsh.handler.manager.Status()),
		Timestamp: time.Now().UnixMilli(),
	})

	// Reader side: only pings are expected; any error means the client left.
	// Pongs go through the main loop so there is a single writer on the conn.
	clientGone := make(chan struct{})
	pings := make(chan struct{}, 4)
	go func() {
		defer close(clientGone)
		for {
			var msg WSMessage
			if err := ws.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					fmt.Printf("[WebSocket] Connection error: %v\n", err)
				}
				return
			}
			if msg.Type == MsgTypePing {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := wsh.writeEvent(ws, ev); err != nil {
				fmt.Println("[WebSocket] Client disconnected")
				return nil
			}
		case <-pings:
			wsh.sendMessage(ws, WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})
		case <-clientGone:
			fmt.Println("[WebSocket] Client disconnected")
			return nil
		}
	}
}

func (wsh *WebSocketHandler) writeEvent(ws *websocket.Conn, ev capture.Event) error {
	var msgType string
	switch ev.Type {
	case capture.EventLine:
		msgType = MsgTypeLine
	case capture.EventCleared:
		msgType = MsgTypeCleared
	case capture.EventStatus:
		msgType = MsgTypeStatus
	default:
		return nil
	}
	return ws.WriteJSON(WSMessage{
		Type:      msgType,
		Payload:   mustJSON(ev),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (wsh *WebSocketHandler) sendMessage(ws *websocket.Conn, msg WSMessage) {
	if err := ws.WriteJSON(msg); err != nil {
		fmt.Printf("[WebSocket] Failed to send message: %v\n", err)
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
