package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDeleteBatch = 500

// RedisStore is a MessageStore backed by Redis.
//
// Layout (all keys share the configured prefix):
//   - <p>messages          hash: message id -> JSON document
//   - <p>inbox:<receiver>  sorted set: message ids, score = unix micros
//   - <p>timeline          sorted set: every message id, score = unix micros (retention)
//
// Scores are microseconds so they stay exact in a float64; ULID members break score ties
// in insertion order.
type RedisStore struct {
	client *redis.Client
	prefix string
	stamp  *stamper
}

type redisMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	ContextID  *string   `json:"contextId,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"read"`
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key (default: "propchat:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore wraps an existing client. The client is owned by the caller.
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	s := &RedisStore{
		client: client,
		prefix: "propchat:",
		stamp:  newStamper(time.Microsecond),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrNilStore
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) messagesKey() string { return s.prefix + "messages" }
func (s *RedisStore) timelineKey() string { return s.prefix + "timeline" }
func (s *RedisStore) inboxKey(receiverID string) string {
	return s.prefix + "inbox:" + receiverID
}

func microScore(t time.Time) float64 { return float64(t.UnixMicro()) }

// Insert stores a message; the id and timestamp are assigned here.
func (s *RedisStore) Insert(ctx context.Context, in NewMessage) (StoredMessage, error) {
	if s == nil || s.client == nil {
		return StoredMessage{}, ErrNilStore
	}
	if err := in.validate(); err != nil {
		return StoredMessage{}, err
	}

	id, ts, err := s.stamp.next()
	if err != nil {
		return StoredMessage{}, err
	}
	doc := redisMessage{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		ContextID:  cloneStr(in.ContextID),
		Content:    in.Content,
		Timestamp:  ts,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return StoredMessage{}, err
	}

	score := microScore(ts)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.messagesKey(), id, data)
		p.ZAdd(ctx, s.inboxKey(in.ReceiverID), redis.Z{Score: score, Member: id})
		p.ZAdd(ctx, s.timelineKey(), redis.Z{Score: score, Member: id})
		return nil
	})
	if err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.toStored(), nil
}

// FindByReceiver returns the receiver's full inbox ordered by timestamp ASC.
func (s *RedisStore) FindByReceiver(ctx context.Context, userID string) ([]StoredMessage, error) {
	if s == nil || s.client == nil {
		return nil, ErrNilStore
	}
	ids, err := s.client.ZRange(ctx, s.inboxKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

// DeleteOlderThan removes messages with timestamp before cutoff, in batches.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.client == nil {
		return 0, ErrNilStore
	}

	maxScore := "(" + strconv.FormatInt(cutoff.UnixMicro(), 10)
	var total int64
	for {
		ids, err := s.client.ZRangeByScore(ctx, s.timelineKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: redisDeleteBatch,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("delete messages: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}

		msgs, err := s.load(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("delete messages: %w", err)
		}

		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, m := range msgs {
				p.ZRem(ctx, s.inboxKey(m.ReceiverID), m.ID)
			}
			p.HDel(ctx, s.messagesKey(), ids...)
			p.ZRem(ctx, s.timelineKey(), toAny(ids)...)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("delete messages: %w", err)
		}
		total += int64(len(ids))

		if len(ids) < redisDeleteBatch {
			return total, nil
		}
	}
}

// MarkRead marks id as read when readerID is its receiver.
// The read-modify-write runs under WATCH so a concurrent delete is not resurrected.
func (s *RedisStore) MarkRead(ctx context.Context, id, readerID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, ErrNilStore
	}

	updated := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, s.messagesKey(), id).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var doc redisMessage
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return err
		}
		if doc.ReceiverID != readerID {
			return nil
		}
		doc.Read = true
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, s.messagesKey(), id, data)
			return nil
		})
		if err == nil {
			updated = true
		}
		return err
	}, s.messagesKey())
	if err != nil {
		return false, err
	}
	return updated, nil
}

// FindConversation returns the latest messages between a and b, oldest first.
func (s *RedisStore) FindConversation(ctx context.Context, a, b string, limit int) ([]StoredMessage, error) {
	if s == nil || s.client == nil {
		return nil, ErrNilStore
	}
	limit = clampConversationLimit(limit)

	toA, err := s.FindByReceiver(ctx, a)
	if err != nil {
		return nil, err
	}
	toB, err := s.FindByReceiver(ctx, b)
	if err != nil {
		return nil, err
	}

	var out []StoredMessage
	for _, m := range toA {
		if m.SenderID == b {
			out = append(out, m)
		}
	}
	if a != b {
		for _, m := range toB {
			if m.SenderID == a {
				out = append(out, m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// load fetches documents for ids, preserving order and skipping ids already purged.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]StoredMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.messagesKey(), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]StoredMessage, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var doc redisMessage
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, doc.toStored())
	}
	return out, nil
}

func (d redisMessage) toStored() StoredMessage {
	return StoredMessage{
		ID:         d.ID,
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		ContextID:  cloneStr(d.ContextID),
		Content:    d.Content,
		Timestamp:  d.Timestamp.UTC(),
		Read:       d.Read,
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
