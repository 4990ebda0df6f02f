package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// runStoreContract exercises behavior every Store driver must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateSession", func(t *testing.T) { testDuplicateSession(t, newStore(t)) })
	t.Run("AppendUnknownSession", func(t *testing.T) { testAppendUnknownSession(t, newStore(t)) })
	t.Run("HistoryLimit", func(t *testing.T) { testHistoryLimit(t, newStore(t)) })
	t.Run("AppendOnly", func(t *testing.T) { testAppendOnly(t, newStore(t)) })
	t.Run("TouchIdempotent", func(t *testing.T) { testTouchIdempotent(t, newStore(t)) })
	t.Run("ListSessions", func(t *testing.T) { testListSessions(t, newStore(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDeleteIdempotent(t, newStore(t)) })
	t.Run("PurgeInactive", func(t *testing.T) { testPurgeInactive(t, newStore(t)) })
	t.Run("ConcurrentAppendSameSession", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("UpdateMetadata", func(t *testing.T) { testUpdateMetadata(t, newStore(t)) })
}

func mustCreate(t *testing.T, s Store, id, owner string) {
	t.Helper()
	if err := s.CreateSession(context.Background(), &domain.SessionRecord{ID: id, Owner: owner}); err != nil {
		t.Fatalf("CreateSession(%s): %v", id, err)
	}
}

func mustAppend(t *testing.T, s Store, id string, role domain.Role, content string) domain.Message {
	t.Helper()
	msg, err := domain.NewMessage(role, content)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := s.AppendMessage(context.Background(), id, &msg); err != nil {
		t.Fatalf("AppendMessage(%s): %v", id, err)
	}
	return msg
}

func contents(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	rec := &domain.SessionRecord{ID: "s1", Owner: "u1", Metadata: map[string]any{"tier": "pro"}}
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Owner != "u1" || got.TurnCount != 0 || got.Metadata["tier"] != "pro" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.LastActiveAt.IsZero() {
		t.Fatalf("expected timestamps, got %+v", got)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testDuplicateSession(t *testing.T, s Store) {
	mustCreate(t, s, "s1", "")
	err := s.CreateSession(context.Background(), &domain.SessionRecord{ID: "s1"})
	if !errors.Is(err, domain.ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}

func testAppendUnknownSession(t *testing.T, s Store) {
	msg, _ := domain.NewMessage(domain.RoleUser, "hello")
	err := s.AppendMessage(context.Background(), "ghost", &msg)
	if !errors.Is(err, domain.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if msg.Seq != 0 {
		t.Fatalf("seq assigned on failed append: %d", msg.Seq)
	}
}

func testHistoryLimit(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "s1", "")
	for i := 1; i <= 5; i++ {
		m := mustAppend(t, s, "s1", domain.RoleUser, fmt.Sprintf("m%d", i))
		if m.Seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, m.Seq)
		}
	}

	all, err := s.GetHistory(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m1", "m2", "m3", "m4", "m5"}, contents(all)); diff != "" {
		t.Fatalf("full history mismatch (-want +got):\n%s", diff)
	}

	recent, err := s.GetHistory(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m4", "m5"}, contents(recent)); diff != "" {
		t.Fatalf("limited history mismatch (-want +got):\n%s", diff)
	}
	if recent[0].Seq != 4 || recent[1].Seq != 5 {
		t.Fatalf("unexpected seqs: %d, %d", recent[0].Seq, recent[1].Seq)
	}

	if _, err := s.GetHistory(ctx, "missing", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testAppendOnly(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "s1", "")

	var previous []domain.Message
	for i := 0; i < 4; i++ {
		mustAppend(t, s, "s1", domain.RoleUser, fmt.Sprintf("q%d", i))
		msg, _ := domain.NewMessage(domain.RoleAssistant, fmt.Sprintf("a%d", i))
		msg.Capability = "general"
		msg.Evidence = []domain.Evidence{{Kind: "doc", Payload: map[string]any{"id": "d1"}}}
		if err := s.AppendMessages(ctx, "s1", &msg); err != nil {
			t.Fatalf("AppendMessages failed: %v", err)
		}

		history, err := s.GetHistory(ctx, "s1", 0)
		if err != nil {
			t.Fatalf("GetHistory failed: %v", err)
		}
		if len(history) < len(previous) {
			t.Fatalf("history shrank from %d to %d", len(previous), len(history))
		}
		for j := range previous {
			if history[j].Seq != previous[j].Seq || history[j].Content != previous[j].Content {
				t.Fatalf("message %d changed: %+v -> %+v", j, previous[j], history[j])
			}
		}
		for j := 1; j < len(history); j++ {
			if history[j].Seq <= history[j-1].Seq {
				t.Fatalf("seq not increasing at %d: %d then %d", j, history[j-1].Seq, history[j].Seq)
			}
		}
		previous = history
	}

	last := previous[len(previous)-1]
	if last.Capability != "general" || len(last.Evidence) != 1 || last.Evidence[0].Kind != "doc" {
		t.Fatalf("assistant fields not persisted: %+v", last)
	}
}

func testTouchIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "s1", "")
	mustAppend(t, s, "s1", domain.RoleUser, "hi")
	mustAppend(t, s, "s1", domain.RoleAssistant, "hello")

	if err := s.TouchSession(ctx, "s1"); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	first, _ := s.GetSession(ctx, "s1")
	if first.TurnCount != 1 {
		t.Fatalf("expected turn_count 1, got %d", first.TurnCount)
	}

	if err := s.TouchSession(ctx, "s1"); err != nil {
		t.Fatalf("TouchSession retry failed: %v", err)
	}
	second, _ := s.GetSession(ctx, "s1")
	if second.TurnCount != 1 {
		t.Fatalf("retry double counted: turn_count %d", second.TurnCount)
	}
	if second.LastActiveAt.Before(first.LastActiveAt) {
		t.Fatalf("last_active_at moved backwards")
	}

	mustAppend(t, s, "s1", domain.RoleUser, "again")
	mustAppend(t, s, "s1", domain.RoleAssistant, "sure")
	if err := s.TouchSession(ctx, "s1"); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	third, _ := s.GetSession(ctx, "s1")
	if third.TurnCount != 2 {
		t.Fatalf("expected turn_count 2, got %d", third.TurnCount)
	}

	if err := s.TouchSession(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testListSessions(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "a", "u1")
	mustCreate(t, s, "b", "u1")
	mustCreate(t, s, "c", "u2")

	time.Sleep(5 * time.Millisecond)
	if err := s.TouchSession(ctx, "a"); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}

	sessions, err := s.ListSessions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "a" {
		t.Fatalf("expected most recent first, got %s", sessions[0].ID)
	}

	all, err := s.ListSessions(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected limit 2, got %d", len(all))
	}
}

func testDeleteIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "s1", "u1")
	mustAppend(t, s, "s1", domain.RoleUser, "hi")

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("second DeleteSession failed: %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	sessions, _ := s.ListSessions(ctx, "u1", 0)
	if len(sessions) != 0 {
		t.Fatalf("deleted session still listed: %+v", sessions)
	}

	// The id is reusable and starts with an empty history.
	mustCreate(t, s, "s1", "")
	history, err := s.GetHistory(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
}

func testPurgeInactive(t *testing.T, s Store) {
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	if err := s.CreateSession(ctx, &domain.SessionRecord{ID: "old", CreatedAt: old, LastActiveAt: old}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	mustAppend(t, s, "old", domain.RoleUser, "stale")
	mustCreate(t, s, "fresh", "")

	n, err := s.PurgeInactive(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeInactive failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if _, err := s.GetSession(ctx, "old"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected old session gone, got %v", err)
	}
	if _, err := s.GetSession(ctx, "fresh"); err != nil {
		t.Fatalf("fresh session purged: %v", err)
	}
}

func testConcurrentAppend(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "s1", "")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, _ := domain.NewMessage(domain.RoleUser, fmt.Sprintf("q%d", i))
			reply, _ := domain.NewMessage(domain.RoleAssistant, fmt.Sprintf("a%d", i))
			errs <- s.AppendMessages(ctx, "s1", &user, &reply)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}

	history, err := s.GetHistory(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 2*n {
		t.Fatalf("expected %d messages, got %d", 2*n, len(history))
	}
	for i := 0; i < len(history); i += 2 {
		q, a := history[i], history[i+1]
		if q.Seq != int64(i+1) || a.Seq != int64(i+2) {
			t.Fatalf("unexpected seqs at %d: %d, %d", i, q.Seq, a.Seq)
		}
		// A batch lands contiguously.
		if q.Role != domain.RoleUser || a.Role != domain.RoleAssistant || "a"+q.Content[1:] != a.Content {
			t.Fatalf("interleaved batch at %d: %q / %q", i, q.Content, a.Content)
		}
	}
}

func testUpdateMetadata(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "s1", "")
	meta := map[string]any{"route_history": []any{map[string]any{"capability": "docs"}}}
	if err := s.UpdateMetadata(ctx, "s1", meta); err != nil {
		t.Fatalf("UpdateMetadata failed: %v", err)
	}
	got, _ := s.GetSession(ctx, "s1")
	history, ok := got.Metadata["route_history"].([]any)
	if !ok || len(history) != 1 {
		t.Fatalf("unexpected metadata: %+v", got.Metadata)
	}
	if err := s.UpdateMetadata(ctx, "missing", meta); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
