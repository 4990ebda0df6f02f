// Package ws provides the WebSocket chat transport.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/router"
	"github.com/xiaot623/gogo/turnrouter/internal/session"
)

// Config holds connection limits.
type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// APIKey, when set, must be presented in hello.
	APIKey string
}

// DefaultConfig returns the connection limits used by serve.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// TurnService runs streamed turns.
type TurnService interface {
	StreamTurn(ctx context.Context, req domain.TurnRequest, emit router.EmitFunc) (domain.TurnResult, error)
}

// Subscriber streams the events of a session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.TurnEvent, error)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      Config
	service  TurnService
	events   Subscriber
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server. With a non-nil events source,
// a connection receives every turn of its session, including turns sent
// over other connections; otherwise it only receives its own.
func NewServer(cfg Config, svc TurnService, events Subscriber) *Server {
	return &Server{
		cfg:     cfg,
		service: svc,
		events:  events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers the /ws endpoint.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		id:     uuid.New().String(),
		ws:     ws,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	log.Debug().Str("conn_id", conn.id).Msg("websocket connected")

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

type connection struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessionID string
	owner     string
}

func (c *connection) session() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.owner
}

// enqueue hands data to the write pump, or drops it once the connection is gone.
func (c *connection) enqueue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *connection) {
	defer conn.cancel()

	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("conn_id", conn.id).Msg("websocket error")
			}
			return
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()

	for {
		select {
		case message := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Str("conn_id", conn.id).Msg("failed to write message")
				conn.cancel()
				return
			}

		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.cancel()
				return
			}

		case <-conn.ctx.Done():
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *connection, data []byte) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch base.Type {
	case TypeHello:
		s.handleHello(conn, data)
	case TypeTurn:
		s.handleTurn(conn, data)
	default:
		s.sendError(conn, base.RequestID, ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

// handleHello binds the connection to a session.
func (s *Server) handleHello(conn *connection, data []byte) {
	var msg HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	if s.cfg.APIKey != "" && msg.APIKey != s.cfg.APIKey {
		s.sendError(conn, msg.RequestID, ErrorCodeUnauthorized, "invalid api_key")
		return
	}

	conn.mu.Lock()
	if conn.sessionID != "" {
		conn.mu.Unlock()
		s.sendError(conn, msg.RequestID, ErrorCodeAlreadyBound, "connection already bound to a session")
		return
	}
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = session.NewSessionID()
	}
	conn.sessionID, conn.owner = sessionID, msg.UserID
	conn.mu.Unlock()

	if s.events != nil {
		events, err := s.events.Subscribe(conn.ctx, sessionID)
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("failed to subscribe to session events")
			s.sendError(conn, msg.RequestID, ErrorCodeUnavailable, "session events unavailable")
			return
		}
		go func() {
			for ev := range events {
				if err := conn.enqueue(EventMessage{TurnEvent: ev}); err != nil {
					return
				}
			}
		}()
	}

	ack := HelloAckMessage{
		BaseMessage: BaseMessage{
			Type:      TypeHelloAck,
			Ts:        time.Now().UnixMilli(),
			RequestID: msg.RequestID,
			SessionID: sessionID,
		},
	}
	_ = conn.enqueue(ack)

	log.Info().Str("conn_id", conn.id).Str("session_id", sessionID).Msg("hello handshake completed")
}

// handleTurn runs one turn on the bound session.
func (s *Server) handleTurn(conn *connection, data []byte) {
	var msg TurnMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "invalid turn message")
		return
	}

	sessionID, owner := conn.session()
	if sessionID == "" {
		s.sendError(conn, msg.RequestID, ErrorCodeSessionRequired, "must send hello first")
		return
	}

	req := domain.TurnRequest{SessionID: sessionID, OwnerID: owner, Message: msg.Message}
	var emit router.EmitFunc
	if s.events == nil {
		emit = func(ev domain.TurnEvent) error {
			return conn.enqueue(EventMessage{TurnEvent: ev, RequestID: msg.RequestID})
		}
	}

	// Run asynchronously so pings and further messages keep flowing.
	go func() {
		_, err := s.service.StreamTurn(conn.ctx, req, emit)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInvalidMessage):
			s.sendError(conn, msg.RequestID, ErrorCodeInvalidMessage, err.Error())
		default:
			log.Warn().Err(err).Str("session_id", sessionID).Msg("websocket turn ended with error")
		}
	}()
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *connection, requestID, code, message string) {
	sessionID, _ := conn.session()
	errMsg := ErrorMessage{
		BaseMessage: BaseMessage{
			Type:      TypeError,
			Ts:        time.Now().UnixMilli(),
			RequestID: requestID,
			SessionID: sessionID,
		},
		Code:    code,
		Message: message,
	}
	_ = conn.enqueue(errMsg)
}
