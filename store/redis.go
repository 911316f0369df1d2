package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis HASH/LIST/ZSET primitives. Selected
// by config when conversations must outlive the process.
type RedisStore struct {
	rdb *redis.Client
	ns  string
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	Namespace string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "chatstream"
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	return &RedisStore{rdb: rdb, ns: cfg.Namespace}, nil
}

func (s *RedisStore) keyConv(id string) string { return fmt.Sprintf("%s:conv:%s", s.ns, id) }
func (s *RedisStore) keyMsgs(id string) string { return fmt.Sprintf("%s:msgs:%s", s.ns, id) }
func (s *RedisStore) keyIndex() string         { return fmt.Sprintf("%s:convs", s.ns) }

// CreateConversation implements Store.
func (s *RedisStore) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	now := time.Now().UTC()
	c := &Conversation{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	if err := s.saveConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *RedisStore) saveConversation(ctx context.Context, c *Conversation) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, s.keyConv(c.ID), "state", string(b)).Err(); err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.keyIndex(), redis.Z{Score: float64(c.UpdatedAt.UnixNano()), Member: c.ID}).Err()
}

// GetConversation implements Store.
func (s *RedisStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	v, err := s.rdb.HGet(ctx, s.keyConv(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c Conversation
	if err := json.Unmarshal([]byte(v), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations implements Store. Newest first.
func (s *RedisStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.keyIndex(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetConversation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// RenameConversation implements Store.
func (s *RedisStore) RenameConversation(ctx context.Context, id, title string) error {
	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	c.Title = title
	c.UpdatedAt = time.Now().UTC()
	return s.saveConversation(ctx, c)
}

// DeleteConversation implements Store.
func (s *RedisStore) DeleteConversation(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, s.keyConv(id), s.keyMsgs(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.rdb.ZRem(ctx, s.keyIndex(), id).Err()
}

// AppendMessage implements Store.
func (s *RedisStore) AppendMessage(ctx context.Context, m *Message) error {
	c, err := s.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	mc := *m
	if mc.ID == "" {
		mc.ID = uuid.NewString()
	}
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(&mc)
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, s.keyMsgs(m.ConversationID), string(b)).Err(); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	return s.saveConversation(ctx, c)
}

// ListMessages implements Store.
func (s *RedisStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	vals, err := s.rdb.LRange(ctx, s.keyMsgs(conversationID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(vals))
	for _, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			out = append(out, &m)
		}
	}
	return out, nil
}
