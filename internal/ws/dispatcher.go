package ws

import (
	"time"

	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/protocol"
)

// MessageHandler handles a parsed client message. msg is the concrete struct
// returned by protocol.ParseClientMessage (protocol.JoinMsg,
// protocol.BroadcastMsg, ...).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself and replies with a
// structured error to malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	logger   *zap.Logger
}

// NewMessageDispatcher creates a dispatcher. The server is used to send
// replies and may be assigned later with SetServer.
func NewMessageDispatcher(server *Server, logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		logger:   logger.Named("dispatch"),
	}
}

// SetServer assigns the Server reference. NewServer takes Dispatch as its
// callback, so the dispatcher usually exists first.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback. It parses the raw bytes into a typed
// message, handles ping internally, and routes everything else to the
// registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error", zap.String("session", conn.ID), zap.Error(err))
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported message type", zap.String("type", msgType), zap.String("session", conn.ID))
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// sendPong answers a client ping and counts it as activity.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch(time.Now())
	d.send(conn, protocol.TypePong, protocol.PongMsg{})
}

func (d *MessageDispatcher) send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.logger.Error("failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := d.server.write(conn, data); err != nil {
		d.logger.Debug("failed to send message", zap.String("type", msgType), zap.String("session", conn.ID), zap.Error(err))
	}
}
