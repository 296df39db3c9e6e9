package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/p2p-call-signaling/config"
	"github.com/mossy-p/p2p-call-signaling/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrNotFound = errors.New("presence record not found")

// Store mirrors room occupancy into Redis so other processes can see who
// is connected. The in-memory directory stays authoritative.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect initializes the Redis client and checks the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, cfg.TTL), nil
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

func roomKey(roomID string) string      { return "room:" + roomID + ":peers" }
func sessionKey(sessionID string) string { return "session:" + sessionID }

// Joined records the session and adds it to its room's peer set.
func (s *Store) Joined(ctx context.Context, rec models.SessionRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(rec.ID), data, s.ttl)
	pipe.SAdd(ctx, roomKey(rec.RoomID), rec.ID)
	pipe.Expire(ctx, roomKey(rec.RoomID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record join of %s: %w", rec.ID, err)
	}
	return nil
}

// Left removes the session and its room membership.
func (s *Store) Left(ctx context.Context, sessionID, roomID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	if roomID != "" {
		pipe.SRem(ctx, roomKey(roomID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record leave of %s: %w", sessionID, err)
	}
	return nil
}

// RoomPeers lists the sessions recorded for roomID.
func (s *Store) RoomPeers(ctx context.Context, roomID string) ([]string, error) {
	return s.client.SMembers(ctx, roomKey(roomID)).Result()
}

// Session loads a presence record.
func (s *Store) Session(ctx context.Context, sessionID string) (models.SessionRecord, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return models.SessionRecord{}, err
	}

	var rec models.SessionRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return models.SessionRecord{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return rec, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
