// Package repository persists sessions and their messages.
package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// Store is the durable conversation store. Implementations serialize
// appends for the same session id and run different ids concurrently.
type Store interface {
	CreateSession(ctx context.Context, record *domain.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	TouchSession(ctx context.Context, sessionID string) error
	UpdateMetadata(ctx context.Context, sessionID string, metadata map[string]any) error
	AppendMessage(ctx context.Context, sessionID string, msg *domain.Message) error
	AppendMessages(ctx context.Context, sessionID string, msgs ...*domain.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	ListSessions(ctx context.Context, owner string, limit int) ([]domain.SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
	PurgeInactive(ctx context.Context, olderThan time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Driver names a Store implementation.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverRedis  Driver = "redis"
)

// DefaultListLimit caps ListSessions when no limit is given.
const DefaultListLimit = 20

var (
	ErrInvalidDriver = errors.New("unknown store driver")
	ErrInvalidConfig = errors.New("invalid store configuration")
)

// Option configures New.
type Option func(*options)

type options struct {
	dsn         string
	redisClient *redis.Client
	redisAddr   string
	redisTTL    time.Duration
}

// WithDSN sets the SQLite data source name.
func WithDSN(dsn string) Option {
	return func(o *options) {
		o.dsn = dsn
	}
}

// WithRedisClient uses an existing Redis client.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

// WithRedisAddr dials Redis at addr when no client is given.
func WithRedisAddr(addr string) Option {
	return func(o *options) {
		o.redisAddr = addr
	}
}

// WithRedisTTL expires idle Redis sessions after ttl. Zero keeps them forever.
func WithRedisTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.redisTTL = ttl
	}
}

// New opens the store selected by driver.
func New(ctx context.Context, driver Driver, opts ...Option) (Store, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverSQLite, "":
		if cfg.dsn == "" {
			return nil, errors.Wrap(ErrInvalidConfig, "sqlite requires a dsn")
		}
		return NewSQLiteStore(cfg.dsn)
	case DriverRedis:
		client := cfg.redisClient
		if client == nil {
			if cfg.redisAddr == "" {
				return nil, errors.Wrap(ErrInvalidConfig, "redis requires a client or an address")
			}
			client = redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		}
		s := NewRedisStore(client, cfg.redisTTL)
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Wrapf(ErrInvalidDriver, "%q", driver)
	}
}
