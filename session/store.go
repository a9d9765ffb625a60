package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// ErrRedisUnavailable is an exported constant or variable used by the authentication engine.
var ErrRedisUnavailable = errors.New("redis unavailable")

const userIndexPrefix = "au"

// Store is the persistence contract behind [Manager]. Implementations must be
// safe for concurrent use.
type Store interface {
	Save(ctx context.Context, sess *Session, ttl time.Duration) error
	Get(ctx context.Context, sessionID string, ttl time.Duration) (*Session, error)
	Delete(ctx context.Context, sessionID string) error
	DeleteAllForUser(ctx context.Context, userID string) error

	// Durable reports whether sessions survive a process restart. The
	// in-memory store returns false so callers can warn at startup.
	Durable() bool
}

// deleteSessionScript removes the session and its user-index entry in one
// round trip.
const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
redis.call("SREM", KEYS[2], ARGV[1])
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// RedisStore is a Redis-backed [Store] with rolling expiration and a per-user
// session index for logout-all.
type RedisStore struct {
	redis   redis.UniversalClient
	prefix  string
	rolling bool
}

// NewRedisStore creates a [RedisStore]. prefix sets the Redis key namespace;
// rolling controls whether reads renew the TTL.
func NewRedisStore(redisClient redis.UniversalClient, prefix string, rolling bool) *RedisStore {
	return &RedisStore{
		redis:   redisClient,
		prefix:  prefix,
		rolling: rolling,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *RedisStore) userKey(userID string) string {
	return userIndexPrefix + ":" + userID
}

// Save persists the session and registers it in the owner's index.
func (s *RedisStore) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.SessionID)
		pipe.Expire(ctx, s.userKey(sess.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get retrieves a session by ID. When rolling expiration is on, a successful
// read renews the Redis TTL; the ExpiresAt deadline inside the blob is the
// absolute cap and is checked regardless.
func (s *RedisStore) Get(ctx context.Context, sessionID string, ttl time.Duration) (*Session, error) {
	key := s.key(sessionID)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, version, err := decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID

	if sess.Expired(time.Now().Unix()) {
		_ = s.Delete(ctx, sessionID)
		return nil, ErrNotFound
	}

	if version != sessionFormatVersionCurrent {
		if err := s.migrateSchema(ctx, key, sess); err != nil {
			return nil, err
		}
	}

	if s.rolling {
		if err := s.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return sess, nil
}

// migrateSchema rewrites an old-format blob in place, preserving its TTL.
func (s *RedisStore) migrateSchema(ctx context.Context, key string, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Delete removes a session. Deleting an absent session is a no-op.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	key := s.key(sessionID)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		// Corrupt blob: drop the key, the index entry is unknowable.
		if delErr := s.redis.Del(ctx, key).Err(); delErr != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, delErr)
		}
		return nil
	}

	err = deleteSessionLua.Run(ctx, s.redis,
		[]string{key, s.userKey(sess.UserID)},
		sessionID,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteAllForUser removes every session in the user's index.
//
// ATOMICITY NOTE: this is NOT fully atomic. It reads the index (SMEMBERS) and
// then deletes (TxPipelined DEL). A session created between the two phases is
// not captured; it expires naturally or is caught by the next call.
func (s *RedisStore) DeleteAllForUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range sessionIDs {
			pipe.Del(ctx, s.key(id))
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Durable reports true: Redis sessions survive process restarts.
func (s *RedisStore) Durable() bool { return true }

type memoryEntry struct {
	sess     *Session
	deadline time.Time
}

// MemoryStore is an in-process [Store] for development and tests. Sessions do
// not survive a restart and are invisible to other processes.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	byUser   map[string]map[string]struct{}
	rolling  bool
}

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore(rolling bool) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		byUser:   make(map[string]map[string]struct{}),
		rolling:  rolling,
	}
}

func (s *MemoryStore) Save(_ context.Context, sess *Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.SessionID] = memoryEntry{sess: cloneSession(sess), deadline: time.Now().Add(ttl)}
	ids, ok := s.byUser[sess.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[sess.UserID] = ids
	}
	ids[sess.SessionID] = struct{}{}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string, ttl time.Duration) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	if now.After(entry.deadline) || entry.sess.Expired(now.Unix()) {
		s.removeLocked(sessionID, entry.sess.UserID)
		return nil, ErrNotFound
	}

	if s.rolling {
		entry.deadline = now.Add(ttl)
		s.sessions[sessionID] = entry
	}
	return cloneSession(entry.sess), nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.sessions[sessionID]; ok {
		s.removeLocked(sessionID, entry.sess.UserID)
	}
	return nil
}

func (s *MemoryStore) DeleteAllForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.byUser[userID] {
		delete(s.sessions, id)
	}
	delete(s.byUser, userID)
	return nil
}

// Durable reports false so callers can warn that logins vanish on restart.
func (s *MemoryStore) Durable() bool { return false }

func (s *MemoryStore) removeLocked(sessionID, userID string) {
	delete(s.sessions, sessionID)
	if ids, ok := s.byUser[userID]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(s.byUser, userID)
		}
	}
}

func cloneSession(s *Session) *Session {
	copied := *s
	return &copied
}
