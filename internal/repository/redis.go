package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/keylock"
)

const (
	sessionKeyPrefix = "session:"
	activeIndexKey   = "sessions:active"
	ownerKeyPrefix   = "owner:"
)

// RedisStore implements Store on Redis. A session is a hash, its
// messages a list of JSON documents, and two sorted sets index sessions
// by last activity. Appends to one session are serialized in process;
// WATCH covers writers in other processes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	locks  *keylock.Map
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps client. A positive ttl expires idle sessions.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, locks: keylock.New()}
}

func (s *RedisStore) key(id string) string {
	return sessionKeyPrefix + id
}

func (s *RedisStore) messagesKey(id string) string {
	return sessionKeyPrefix + id + ":messages"
}

func ownerKey(owner string) string {
	return ownerKeyPrefix + owner + ":sessions"
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "redis store: ping")
}

// watch runs fn in a WATCH transaction over keys, retrying on conflicts
// until ctx is done.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "redis store: transaction conflict")
		}
	}
}

// CreateSession stores a new session header.
func (s *RedisStore) CreateSession(ctx context.Context, record *domain.SessionRecord) error {
	if record.ID == "" {
		return errors.New("redis store: session id is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastActiveAt.IsZero() {
		record.LastActiveAt = record.CreatedAt
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return errors.Wrap(err, "redis store: marshal metadata")
	}

	key := s.key(record.ID)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errors.Wrapf(domain.ErrDuplicateSession, "session %s", record.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"id":              record.ID,
				"owner":           record.Owner,
				"created_at":      record.CreatedAt.UTC().Format(time.RFC3339Nano),
				"last_active_at":  record.LastActiveAt.UTC().Format(time.RFC3339Nano),
				"turn_count":      record.TurnCount,
				"assistant_count": 0,
				"metadata_json":   string(metadata),
			})
			s.index(ctx, pipe, record.ID, record.Owner, record.LastActiveAt)
			s.expire(ctx, pipe, record.ID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, domain.ErrDuplicateSession) {
		return err
	}
	return errors.Wrap(err, "redis store: create session")
}

func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, id, owner string, at time.Time) {
	z := redis.Z{Score: float64(at.UnixMilli()), Member: id}
	pipe.ZAdd(ctx, activeIndexKey, z)
	if owner != "" {
		pipe.ZAdd(ctx, ownerKey(owner), z)
	}
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, id string) {
	if s.ttl <= 0 {
		return
	}
	pipe.Expire(ctx, s.key(id), s.ttl)
	pipe.Expire(ctx, s.messagesKey(id), s.ttl)
}

// GetSession returns the session header or domain.ErrNotFound.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis store: get session")
	}
	if len(fields) == 0 {
		return nil, errors.Wrapf(domain.ErrNotFound, "session %s", sessionID)
	}
	rec, err := decodeSession(fields)
	return rec, errors.Wrap(err, "redis store: decode session")
}

func decodeSession(fields map[string]string) (*domain.SessionRecord, error) {
	rec := &domain.SessionRecord{ID: fields["id"], Owner: fields["owner"]}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, err
	}
	if rec.LastActiveAt, err = time.Parse(time.RFC3339Nano, fields["last_active_at"]); err != nil {
		return nil, err
	}
	if v := fields["turn_count"]; v != "" {
		if rec.TurnCount, err = strconv.Atoi(v); err != nil {
			return nil, err
		}
	}
	if raw := fields["metadata_json"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// TouchSession refreshes last_active_at and copies the assistant message
// count into turn_count.
func (s *RedisStore) TouchSession(ctx context.Context, sessionID string) error {
	key := s.key(sessionID)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "id", "owner", "assistant_count").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return errors.Wrapf(domain.ErrNotFound, "session %s", sessionID)
		}
		owner, _ := vals[1].(string)
		count, _ := vals[2].(string)
		now := time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "last_active_at", now.Format(time.RFC3339Nano), "turn_count", count)
			s.index(ctx, pipe, sessionID, owner, now)
			s.expire(ctx, pipe, sessionID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return errors.Wrap(err, "redis store: touch session")
}

// UpdateMetadata replaces the session metadata document.
func (s *RedisStore) UpdateMetadata(ctx context.Context, sessionID string, metadata map[string]any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "redis store: marshal metadata")
	}
	key := s.key(sessionID)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.Wrapf(domain.ErrNotFound, "session %s", sessionID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "metadata_json", string(raw))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return errors.Wrap(err, "redis store: update metadata")
}

// AppendMessage appends one message and assigns its seq.
func (s *RedisStore) AppendMessage(ctx context.Context, sessionID string, msg *domain.Message) error {
	return s.AppendMessages(ctx, sessionID, msg)
}

// AppendMessages appends msgs atomically. Seq is the list position, so a
// concurrent append makes the WATCH fail and the batch is renumbered.
func (s *RedisStore) AppendMessages(ctx context.Context, sessionID string, msgs ...*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	key, listKey := s.key(sessionID), s.messagesKey(sessionID)
	var seqs []int64

	err := s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.Wrapf(domain.ErrUnknownSession, "session %s", sessionID)
		}
		length, err := tx.LLen(ctx, listKey).Result()
		if err != nil {
			return err
		}

		seqs = make([]int64, len(msgs))
		docs := make([]any, len(msgs))
		assistants := 0
		for i, msg := range msgs {
			if !msg.Role.Valid() {
				return errors.Wrapf(domain.ErrInvalidRole, "%q", msg.Role)
			}
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			if msg.Role == domain.RoleAssistant {
				assistants++
			}
			seqs[i] = length + int64(i) + 1
			doc := *msg
			doc.Seq = seqs[i]
			b, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			docs[i] = string(b)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, listKey, docs...)
			if assistants > 0 {
				pipe.HIncrBy(ctx, key, "assistant_count", int64(assistants))
			}
			s.expire(ctx, pipe, sessionID)
			return nil
		})
		return err
	}, key, listKey)
	if errors.Is(err, domain.ErrUnknownSession) || errors.Is(err, domain.ErrInvalidRole) {
		return err
	}
	if err != nil {
		return errors.Wrap(err, "redis store: append messages")
	}
	for i, msg := range msgs {
		msg.Seq = seqs[i]
	}
	return nil
}

// GetHistory returns the newest limit messages in chronological order.
func (s *RedisStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	n, err := s.client.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis store: get history")
	}
	if n == 0 {
		return nil, errors.Wrapf(domain.ErrNotFound, "session %s", sessionID)
	}

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	docs, err := s.client.LRange(ctx, s.messagesKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis store: get history")
	}
	messages := make([]domain.Message, 0, len(docs))
	for _, doc := range docs {
		var msg domain.Message
		if err := json.Unmarshal([]byte(doc), &msg); err != nil {
			return nil, errors.Wrap(err, "redis store: decode message")
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ListSessions returns sessions of owner, most recently active first.
func (s *RedisStore) ListSessions(ctx context.Context, owner string, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	index := activeIndexKey
	if owner != "" {
		index = ownerKey(owner)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis store: list sessions")
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "redis store: list sessions")
	}

	records := []domain.SessionRecord{}
	for _, cmd := range cmds {
		fields := cmd.Val()
		// Expired by TTL but still indexed.
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeSession(fields)
		if err != nil {
			return nil, errors.Wrap(err, "redis store: decode session")
		}
		records = append(records, *rec)
	}
	return records, nil
}

// DeleteSession removes a session, its messages and its index entries.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	owner, err := s.client.HGet(ctx, s.key(sessionID), "owner").Result()
	if err != nil && err != redis.Nil {
		return errors.Wrap(err, "redis store: delete session")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(sessionID), s.messagesKey(sessionID))
		pipe.ZRem(ctx, activeIndexKey, sessionID)
		if owner != "" {
			pipe.ZRem(ctx, ownerKey(owner), sessionID)
		}
		return nil
	})
	return errors.Wrap(err, "redis store: delete session")
}

// PurgeInactive deletes sessions idle since before olderThan.
func (s *RedisStore) PurgeInactive(ctx context.Context, olderThan time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis store: purge inactive")
	}
	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
