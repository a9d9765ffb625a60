package authcore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for MFA state. One record, one pending setup, one backup
// code set, and one replay counter per identity.
const (
	mfaRecordKeyPrefix  = "amr"
	mfaPendingKeyPrefix = "amp"
	mfaBackupKeyPrefix  = "abc"
	mfaCounterKeyPrefix = "atc"

	mfaRecordVersion1 = 1
)

// mfaRecord is the committed, trusted second-factor state for an identity.
// Its presence in Redis IS the enabled flag: a record is only written after
// the user proved possession of the secret with one valid TOTP code.
type mfaRecord struct {
	Secret      []byte
	ConfirmedAt int64
}

// pendingSetup is an unconfirmed enrollment. It is never trusted for login
// verification and disappears on its own via the store TTL.
type pendingSetup struct {
	Secret     []byte
	CreatedAt  int64
	CodeHashes [][32]byte
}

type mfaStore struct {
	redis redis.UniversalClient
}

func newMFAStore(redisClient redis.UniversalClient) *mfaStore {
	return &mfaStore{redis: redisClient}
}

func (s *mfaStore) recordKey(userID string) string  { return mfaRecordKeyPrefix + ":" + userID }
func (s *mfaStore) pendingKey(userID string) string { return mfaPendingKeyPrefix + ":" + userID }
func (s *mfaStore) backupKey(userID string) string  { return mfaBackupKeyPrefix + ":" + userID }
func (s *mfaStore) counterKey(userID string) string { return mfaCounterKeyPrefix + ":" + userID }

// claimCounterScript advances the last-used TOTP step only forward. Returns 1
// when the submitted step is fresh, 0 when it was already consumed.
const claimCounterScript = `
local cur = tonumber(redis.call("GET", KEYS[1]) or "-1")
local want = tonumber(ARGV[1])
if want <= cur then
  return 0
end
redis.call("SET", KEYS[1], want)
return 1
`

var claimCounterLua = redis.NewScript(claimCounterScript)

// Get loads the committed record for userID, or nil when MFA is not enabled.
func (s *mfaStore) Get(ctx context.Context, userID string) (*mfaRecord, error) {
	data, err := s.redis.Get(ctx, s.recordKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return decodeMFARecord(data)
}

// SavePending overwrites any previous pending setup for userID. An already
// committed record is untouched until the new secret is confirmed.
func (s *mfaStore) SavePending(ctx context.Context, userID string, p *pendingSetup, ttl time.Duration) error {
	encoded, err := encodePendingSetup(p)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.pendingKey(userID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetPending loads the pending setup for userID. Expired setups vanish through
// the Redis TTL, so absence means expired-or-never-started.
func (s *mfaStore) GetPending(ctx context.Context, userID string) (*pendingSetup, error) {
	data, err := s.redis.Get(ctx, s.pendingKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return decodePendingSetup(data)
}

// Promote commits a confirmed pending setup: the record, the fresh backup code
// set, and the cleanup of the pending blob land in one MULTI/EXEC so two
// concurrent confirms cannot interleave a half-promoted state.
func (s *mfaStore) Promote(ctx context.Context, userID string, rec *mfaRecord, codeHashes [][32]byte) error {
	encoded, err := encodeMFARecord(rec)
	if err != nil {
		return err
	}

	members := make([]interface{}, 0, len(codeHashes))
	for _, h := range codeHashes {
		members = append(members, hex.EncodeToString(h[:]))
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(userID), encoded, 0)
		pipe.Del(ctx, s.backupKey(userID))
		if len(members) > 0 {
			pipe.SAdd(ctx, s.backupKey(userID), members...)
		}
		pipe.Del(ctx, s.pendingKey(userID))
		pipe.Del(ctx, s.counterKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Disable removes every trace of second-factor state for userID.
func (s *mfaStore) Disable(ctx context.Context, userID string) error {
	err := s.redis.Del(ctx,
		s.recordKey(userID),
		s.pendingKey(userID),
		s.backupKey(userID),
		s.counterKey(userID),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// DeletePending discards an in-progress enrollment without touching a
// committed record.
func (s *mfaStore) DeletePending(ctx context.Context, userID string) error {
	if err := s.redis.Del(ctx, s.pendingKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ConsumeBackupCode removes the hash from the code set and reports whether it
// was present. SREM is the lookup-and-remove: there is no window in which a
// second request can match the same code.
func (s *mfaStore) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error) {
	n, err := s.redis.SRem(ctx, s.backupKey(userID), hex.EncodeToString(hash[:])).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// ReplaceBackupCodes swaps the entire code set. Previously issued codes stop
// working the instant EXEC lands; there is no grace overlap.
func (s *mfaStore) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes [][32]byte) error {
	members := make([]interface{}, 0, len(codeHashes))
	for _, h := range codeHashes {
		members = append(members, hex.EncodeToString(h[:]))
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.backupKey(userID))
		if len(members) > 0 {
			pipe.SAdd(ctx, s.backupKey(userID), members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// CountBackupCodes returns how many unconsumed codes remain.
func (s *mfaStore) CountBackupCodes(ctx context.Context, userID string) (int, error) {
	n, err := s.redis.SCard(ctx, s.backupKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(n), nil
}

// ClaimCounter enforces TOTP replay protection: it succeeds at most once per
// time-step, atomically.
func (s *mfaStore) ClaimCounter(ctx context.Context, userID string, counter int64) (bool, error) {
	res, err := claimCounterLua.Run(ctx, s.redis, []string{s.counterKey(userID)}, counter).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return res == 1, nil
}

func encodeMFARecord(rec *mfaRecord) ([]byte, error) {
	if len(rec.Secret) == 0 || len(rec.Secret) > 255 {
		return nil, errors.New("invalid mfa secret length")
	}

	var buf bytes.Buffer
	buf.WriteByte(mfaRecordVersion1)
	buf.WriteByte(byte(len(rec.Secret)))
	buf.Write(rec.Secret)
	if err := binary.Write(&buf, binary.BigEndian, rec.ConfirmedAt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMFARecord(data []byte) (*mfaRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != mfaRecordVersion1 {
		return nil, errors.New("invalid mfa record version")
	}

	secretLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	secret := make([]byte, secretLen)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, err
	}

	rec := &mfaRecord{Secret: secret}
	if err := binary.Read(reader, binary.BigEndian, &rec.ConfirmedAt); err != nil {
		return nil, err
	}
	return rec, nil
}

func encodePendingSetup(p *pendingSetup) ([]byte, error) {
	if len(p.Secret) == 0 || len(p.Secret) > 255 {
		return nil, errors.New("invalid mfa secret length")
	}
	if len(p.CodeHashes) > 255 {
		return nil, errors.New("too many backup codes")
	}

	var buf bytes.Buffer
	buf.WriteByte(mfaRecordVersion1)
	buf.WriteByte(byte(len(p.Secret)))
	buf.Write(p.Secret)
	if err := binary.Write(&buf, binary.BigEndian, p.CreatedAt); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(len(p.CodeHashes)))
	for _, h := range p.CodeHashes {
		buf.Write(h[:])
	}
	return buf.Bytes(), nil
}

func decodePendingSetup(data []byte) (*pendingSetup, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != mfaRecordVersion1 {
		return nil, errors.New("invalid pending setup version")
	}

	secretLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	secret := make([]byte, secretLen)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, err
	}

	p := &pendingSetup{Secret: secret}
	if err := binary.Read(reader, binary.BigEndian, &p.CreatedAt); err != nil {
		return nil, err
	}

	count, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	p.CodeHashes = make([][32]byte, count)
	for i := range p.CodeHashes {
		if _, err := io.ReadFull(reader, p.CodeHashes[i][:]); err != nil {
			return nil, err
		}
	}
	return p, nil
}
