// Package rpc exposes the turn API over JSON-RPC for internal clients.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/service"
)

// ServiceName is the JSON-RPC service methods are registered under.
const ServiceName = "TurnRouter"

// Server exposes internal RPC endpoints.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the turn service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Warn().Err(err).Msg("rpc accept error")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the RPC methods.
type Handler struct {
	service *service.Service
}

// HistoryArgs selects the history of a session.
type HistoryArgs struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

// HistoryReply carries session messages, oldest first.
type HistoryReply struct {
	SessionID string           `json:"session_id"`
	Messages  []domain.Message `json:"messages"`
}

// SessionArgs identifies a session.
type SessionArgs struct {
	SessionID string `json:"session_id"`
}

// AckResponse is a generic OK response.
type AckResponse struct {
	OK bool `json:"ok"`
}

// SubmitTurn routes one user message. A result is returned even when the
// store is unavailable, alongside the error.
func (h *Handler) SubmitTurn(req *domain.TurnRequest, resp *domain.TurnResult) error {
	if req == nil {
		return errors.New("turn request is required")
	}

	result, err := h.service.SubmitTurn(context.Background(), *req)
	if resp != nil {
		*resp = result
	}
	return err
}

// GetHistory returns the recent messages of a session.
func (h *Handler) GetHistory(req *HistoryArgs, resp *HistoryReply) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}

	msgs, err := h.service.GetHistory(context.Background(), req.SessionID, req.Limit)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.SessionID = req.SessionID
		resp.Messages = msgs
	}
	return nil
}

// GetStats summarises a session.
func (h *Handler) GetStats(req *SessionArgs, resp *domain.SessionStats) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}

	stats, err := h.service.GetStats(context.Background(), req.SessionID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *stats
	}
	return nil
}

// DeleteSession removes a session.
func (h *Handler) DeleteSession(req *SessionArgs, resp *AckResponse) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}

	if err := h.service.DeleteSession(context.Background(), req.SessionID); err != nil {
		return err
	}
	if resp != nil {
		resp.OK = true
	}
	return nil
}

// CleanupInactive purges inactive sessions.
func (h *Handler) CleanupInactive(_ *struct{}, resp *service.CleanupResult) error {
	result, err := h.service.CleanupInactive(context.Background())
	if resp != nil {
		*resp = result
	}
	return err
}
