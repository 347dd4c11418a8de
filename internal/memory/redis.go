package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"claudechat/internal/domain"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultRedisPrefix = "claudechat"
	// Optimistic transactions are retried this many times when the hash
	// changes between WATCH and EXEC.
	maxTxAttempts = 10
)

// RedisStore keeps every conversation as one JSON value in a single hash,
// field = conversation id. Writes are WATCH/MULTI read-modify-write cycles.
type RedisStore struct {
	rdb    *redis.Client
	key    string
	logger *slog.Logger
	now    func() time.Time
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Logger   *slog.Logger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return newRedisStore(rdb, cfg.Prefix, cfg.Logger), nil
}

func newRedisStore(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{rdb: rdb, key: prefix + ":conversations", logger: logger, now: time.Now}
}

func encodeConversation(c *domain.Conversation) ([]byte, error) {
	if c.Messages == nil {
		c.Messages = []domain.Message{}
	}
	return json.Marshal(c)
}

func decodeConversation(data []byte) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if c.Messages == nil {
		c.Messages = []domain.Message{}
	}
	return &c, nil
}

// sortNewestFirst orders by CreatedAt descending, ties broken by id.
func sortNewestFirst(convs []domain.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].CreatedAt.After(convs[j].CreatedAt)
		}
		return convs[i].ID > convs[j].ID
	})
}

func (s *RedisStore) List(ctx context.Context) ([]domain.Conversation, error) {
	all, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}
	convs := make([]domain.Conversation, 0, len(all))
	for id, raw := range all {
		c, err := decodeConversation([]byte(raw))
		if err != nil {
			s.logger.Warn("skipping unreadable conversation", "conversation", id, "err", err)
			continue
		}
		convs = append(convs, *c)
	}
	sortNewestFirst(convs)
	return convs, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	raw, err := s.rdb.HGet(ctx, s.key, id).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s: %w", id, err)
	}
	return decodeConversation(raw)
}

func (s *RedisStore) Create(ctx context.Context, title string) (*domain.Conversation, error) {
	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: s.now().UTC(),
		Messages:  []domain.Message{},
	}
	data, err := encodeConversation(conv)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.HSet(ctx, s.key, conv.ID, data).Err(); err != nil {
		return nil, fmt.Errorf("hset %s: %w", conv.ID, err)
	}
	return conv, nil
}

func (s *RedisStore) Append(ctx context.Context, id string, msg domain.Message) error {
	return s.update(ctx, id, func(c *domain.Conversation) {
		c.Messages = append(c.Messages, msg)
	})
}

// AppendTurn writes both messages in one transaction.
func (s *RedisStore) AppendTurn(ctx context.Context, id string, user, assistant domain.Message) error {
	return s.update(ctx, id, func(c *domain.Conversation) {
		c.Messages = append(c.Messages, user, assistant)
	})
}

func (s *RedisStore) Rename(ctx context.Context, id, title string) error {
	return s.update(ctx, id, func(c *domain.Conversation) {
		c.Title = title
	})
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.HDel(ctx, s.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("hdel %s: %w", id, err)
	}
	return n > 0, nil
}

// update applies fn to the stored conversation inside a WATCH transaction.
func (s *RedisStore) update(ctx context.Context, id string, fn func(*domain.Conversation)) error {
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, s.key, id).Bytes()
		if err == redis.Nil {
			return domain.ErrConversationNotFound
		}
		if err != nil {
			return err
		}
		conv, err := decodeConversation(raw)
		if err != nil {
			return err
		}
		fn(conv)
		data, err := encodeConversation(conv)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key, id, data)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("conversation hash changed during update, retrying", "conversation", id, "attempt", attempt+1)
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrConversationNotFound) {
			return fmt.Errorf("update %s: %w", id, err)
		}
		return err
	}
	return fmt.Errorf("update %s: %w", id, redis.TxFailedErr)
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
