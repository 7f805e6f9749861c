package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Deadlines applied to every frame.
const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// WriteTyped sends a strongly-typed payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadSignal reads one SignalMessage, applying the read deadline.
func ReadSignal(conn *websocket.Conn) (SignalMessage, error) {
	var msg SignalMessage
	conn.SetReadDeadline(time.Now().Add(readWait))
	err := conn.ReadJSON(&msg)
	return msg, err
}
