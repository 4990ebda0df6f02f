package router

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// EmitFunc receives streamed events in order.
type EmitFunc func(domain.TurnEvent) error

// Stream runs a turn like Submit and reports it as events: start, one token
// per word, content, complete and end. A turn that errors emits start, error
// and end instead. Emission stops at the first emit error, which is returned;
// the turn itself still completes and is persisted.
func (r *Router) Stream(ctx context.Context, req domain.TurnRequest, emit EmitFunc) (domain.TurnResult, error) {
	s := &streamer{ctx: ctx, router: r, emit: emit, sessionID: req.SessionID}

	t := newTurn(req)
	r.run(ctx, t, func(sessionID string) {
		s.sessionID = sessionID
		s.send(domain.EventTypeStart, "", nil)
	})
	res := t.out
	if res.SessionID != "" {
		s.sessionID = res.SessionID
	}

	if t.state == domain.StateErrored {
		if s.seq == 0 {
			s.send(domain.EventTypeStart, "", nil)
		}
		s.send(domain.EventTypeError, res.Error, &res)
		s.send(domain.EventTypeEnd, "", nil)
		return res, s.err
	}

	for _, tok := range Tokens(res.Text) {
		s.send(domain.EventTypeToken, tok, nil)
	}
	s.send(domain.EventTypeContent, res.Text, nil)
	s.send(domain.EventTypeComplete, "", &res)
	s.send(domain.EventTypeEnd, "", nil)
	return res, s.err
}

type streamer struct {
	ctx       context.Context
	router    *Router
	emit      EmitFunc
	sessionID string
	seq       int
	err       error
}

func (s *streamer) send(typ domain.EventType, data string, result *domain.TurnResult) {
	ev := domain.NewTurnEvent(typ, s.sessionID, s.seq)
	ev.Data = data
	ev.Result = result
	s.seq++

	if pub := s.router.publisher; pub != nil && s.sessionID != "" {
		if err := pub.Publish(context.WithoutCancel(s.ctx), ev); err != nil {
			log.Warn().Err(err).Str("session_id", s.sessionID).Msg("failed to publish turn event")
		}
	}
	if s.err != nil || s.emit == nil {
		return
	}
	if err := s.emit(ev); err != nil {
		s.err = err
	}
}

// Tokens splits text into word tokens that concatenate back to text.
func Tokens(text string) []string {
	var out []string
	start, prevSpace := 0, false
	for i, r := range text {
		space := r == ' '
		if space && !prevSpace && i > start {
			out = append(out, text[start:i])
			start = i
		}
		prevSpace = space
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
