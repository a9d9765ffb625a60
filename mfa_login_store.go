package authcore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cartkeeper/authcore/internal"
)

// mfaLoginStore holds short-lived login challenges: the opaque token handed to
// a password-verified client that still owes a second factor.
//
// Tokens are stored under the SHA-256 of their value, so a Redis snapshot or
// MONITOR stream never exposes a usable token. A challenge is consumed with
// GETDEL on first presentation, valid code or not.
const mfaLoginKeyPrefix = "alt"

const mfaLoginVersion1 = 1

type loginChallenge struct {
	UserID    string
	CreatedAt int64
}

type mfaLoginStore struct {
	redis redis.UniversalClient
}

func newMFALoginStore(redisClient redis.UniversalClient) *mfaLoginStore {
	return &mfaLoginStore{redis: redisClient}
}

func (s *mfaLoginStore) key(token string) string {
	hash := internal.HashLoginToken(token)
	return mfaLoginKeyPrefix + ":" + internal.EncodeTokenHash(hash)
}

// Create issues a fresh challenge token for userID and stores it with ttl.
func (s *mfaLoginStore) Create(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token, err := internal.NewLoginToken()
	if err != nil {
		return "", err
	}

	encoded, err := encodeLoginChallenge(&loginChallenge{
		UserID:    userID,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return "", err
	}

	if err := s.redis.Set(ctx, s.key(token), encoded, ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return token, nil
}

// Consume removes and returns the challenge bound to token. The token is
// burned whether or not the caller's subsequent code check succeeds; a failed
// attempt sends the client back to the password step.
func (s *mfaLoginStore) Consume(ctx context.Context, token string) (*loginChallenge, error) {
	data, err := s.redis.GetDel(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return decodeLoginChallenge(data)
}

func encodeLoginChallenge(c *loginChallenge) ([]byte, error) {
	if len(c.UserID) == 0 || len(c.UserID) > 255 {
		return nil, errors.New("invalid challenge user id length")
	}

	var buf bytes.Buffer
	buf.WriteByte(mfaLoginVersion1)
	buf.WriteByte(byte(len(c.UserID)))
	buf.WriteString(c.UserID)
	if err := binary.Write(&buf, binary.BigEndian, c.CreatedAt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeLoginChallenge(data []byte) (*loginChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != mfaLoginVersion1 {
		return nil, errors.New("invalid challenge version")
	}

	idLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(reader, id); err != nil {
		return nil, err
	}

	c := &loginChallenge{UserID: string(id)}
	if err := binary.Read(reader, binary.BigEndian, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}
