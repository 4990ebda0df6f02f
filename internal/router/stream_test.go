package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/turnrouter/internal/classifier"
	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.TurnEvent
}

func (r *recorder) Publish(_ context.Context, ev domain.TurnEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func types(events []domain.TurnEvent) []domain.EventType {
	out := make([]domain.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestStreamEventOrder(t *testing.T) {
	e := newEnv(t)
	bus := &recorder{}
	r := e.router(nil, WithPublisher(bus))

	var got []domain.TurnEvent
	res, err := r.Stream(context.Background(), domain.TurnRequest{SessionID: "s5", Message: "hello there"}, func(ev domain.TurnEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "general: hello there", res.Text)

	require.Equal(t, []domain.EventType{
		domain.EventTypeStart,
		domain.EventTypeToken, domain.EventTypeToken, domain.EventTypeToken,
		domain.EventTypeContent,
		domain.EventTypeComplete,
		domain.EventTypeEnd,
	}, types(got))

	var text strings.Builder
	for i, ev := range got {
		require.Equal(t, i, ev.Seq)
		require.Equal(t, "s5", ev.SessionID)
		if ev.Type == domain.EventTypeToken {
			text.WriteString(ev.Data)
		}
	}
	require.Equal(t, res.Text, text.String())
	require.Equal(t, res.Text, got[4].Data)
	require.NotNil(t, got[5].Result)
	require.Equal(t, res.Text, got[5].Result.Text)

	require.Equal(t, types(got), types(bus.events))
	require.Len(t, e.history(t, "s5"), 2)
}

func TestStreamErroredTurn(t *testing.T) {
	e := newEnv(t)
	sessions := brokenSessions{Sessions: e.cache, resolveErr: domain.ErrStoreUnavailable}

	var got []domain.TurnEvent
	res, err := New(sessions, classifier.New(nil), e.registry).Stream(context.Background(), domain.TurnRequest{Message: "hi"}, func(ev domain.TurnEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Error)
	require.Equal(t, []domain.EventType{domain.EventTypeStart, domain.EventTypeError, domain.EventTypeEnd}, types(got))
	require.Equal(t, res.Error, got[1].Data)
}

func TestStreamEmitErrorStillPersists(t *testing.T) {
	e := newEnv(t)
	gone := errors.New("client went away")

	calls := 0
	_, err := e.router(nil).Stream(context.Background(), domain.TurnRequest{SessionID: "s6", Message: "one two three"}, func(domain.TurnEvent) error {
		calls++
		if calls == 2 {
			return gone
		}
		return nil
	})
	require.ErrorIs(t, err, gone)
	require.Equal(t, 2, calls)
	require.Len(t, e.history(t, "s6"), 2)
}

func TestTokens(t *testing.T) {
	require.Equal(t, []string{"general:", " hello", " there"}, Tokens("general: hello there"))
	require.Nil(t, Tokens(""))
	require.Equal(t, []string{" lead", "  x"}, Tokens(" lead  x"))
}
