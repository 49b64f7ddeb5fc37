package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRefreshToken indicates token not found or expired.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay indicates an already rotated token was presented again.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

// RefreshTokenStore persists refresh tokens for rotation and replay detection.
// Tokens are grouped in families: each rotation replaces the family's current
// token, and presenting a superseded one revokes the whole family.
type RefreshTokenStore interface {
	NewToken(userID string, ttl time.Duration) (string, error)
	RotateToken(token string, ttl time.Duration) (userID string, newToken string, err error)
	DeleteToken(token string) error
	RevokeUserRefreshTokens(userID string) error
}

type refreshFamily struct {
	userID  string
	current string
	expiry  time.Time
}

// MemoryRefreshTokenStore keeps refresh token families in memory.
type MemoryRefreshTokenStore struct {
	mu       sync.Mutex
	tokens   map[string]string // token hash -> family ID
	families map[string]refreshFamily
}

// NewMemoryRefreshTokenStore constructs an in-memory refresh token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		tokens:   make(map[string]string),
		families: make(map[string]refreshFamily),
	}
}

func (s *MemoryRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	token, err := randomToken(32)
	if err != nil {
		return "", err
	}
	familyID, err := randomToken(16)
	if err != nil {
		return "", err
	}
	hash := refreshTokenHash(token)
	s.mu.Lock()
	s.tokens[hash] = familyID
	s.families[familyID] = refreshFamily{userID: userID, current: hash, expiry: time.Now().Add(ttl)}
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	hash := refreshTokenHash(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	familyID, ok := s.tokens[hash]
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	fam, ok := s.families[familyID]
	if !ok || time.Now().After(fam.expiry) {
		delete(s.families, familyID)
		return "", "", ErrInvalidRefreshToken
	}
	if fam.current != hash {
		delete(s.families, familyID)
		return "", "", ErrRefreshTokenReplay
	}
	next, err := randomToken(32)
	if err != nil {
		return "", "", err
	}
	nextHash := refreshTokenHash(next)
	s.tokens[nextHash] = familyID
	fam.current = nextHash
	fam.expiry = time.Now().Add(ttl)
	s.families[familyID] = fam
	return fam.userID, next, nil
}

// DeleteToken revokes the family the token belongs to.
func (s *MemoryRefreshTokenStore) DeleteToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if familyID, ok := s.tokens[refreshTokenHash(token)]; ok {
		delete(s.families, familyID)
	}
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeUserRefreshTokens(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, fam := range s.families {
		if fam.userID == userID {
			delete(s.families, id)
		}
	}
	return nil
}

// rotateScript swaps the family's current token atomically. Reply is
// {status, userID} where status is ok, invalid or replay.
var rotateScript = redis.NewScript(`
local fam = redis.call("GET", KEYS[1])
if not fam then return {"invalid", ""} end
local famKey = ARGV[4] .. ":fam:" .. fam
local user = redis.call("HGET", famKey, "user")
local current = redis.call("HGET", famKey, "current")
if (not user) or (not current) then return {"invalid", ""} end
local userKey = ARGV[4] .. ":user:" .. user
if current ~= ARGV[1] then
  redis.call("DEL", famKey)
  redis.call("SREM", userKey, fam)
  return {"replay", user}
end
redis.call("SET", ARGV[4] .. ":tok:" .. ARGV[2], fam, "PX", ARGV[3])
redis.call("HSET", famKey, "current", ARGV[2])
redis.call("PEXPIRE", famKey, ARGV[3])
redis.call("SADD", userKey, fam)
redis.call("PEXPIRE", userKey, ARGV[3])
return {"ok", user}
`)

// RedisRefreshTokenStore stores refresh token families in Redis.
type RedisRefreshTokenStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRefreshTokenStore builds a Redis-backed refresh token store.
func NewRedisRefreshTokenStore(addr, password string) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: "quickfix:refresh",
	}
}

func (s *RedisRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	token, err := randomToken(32)
	if err != nil {
		return "", err
	}
	familyID, err := randomToken(16)
	if err != nil {
		return "", err
	}
	hash := refreshTokenHash(token)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(hash), familyID, ttl)
	pipe.HSet(ctx, s.familyKey(familyID), "user", userID, "current", hash)
	pipe.Expire(ctx, s.familyKey(familyID), ttl)
	pipe.SAdd(ctx, s.userKey(userID), familyID)
	pipe.Expire(ctx, s.userKey(userID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return token, nil
}

func (s *RedisRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	next, err := randomToken(32)
	if err != nil {
		return "", "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	hash := refreshTokenHash(token)
	res, err := rotateScript.Run(ctx, s.client, []string{s.tokenKey(hash)},
		hash, refreshTokenHash(next), ttl.Milliseconds(), s.prefix).StringSlice()
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", fmt.Errorf("unexpected rotate reply: %v", res)
	}
	switch res[0] {
	case "ok":
		return res[1], next, nil
	case "replay":
		return "", "", ErrRefreshTokenReplay
	default:
		return "", "", ErrInvalidRefreshToken
	}
}

// DeleteToken revokes the family the token belongs to.
func (s *RedisRefreshTokenStore) DeleteToken(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	familyID, err := s.client.Get(ctx, s.tokenKey(refreshTokenHash(token))).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	userID, err := s.client.HGet(ctx, s.familyKey(familyID), "user").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.familyKey(familyID))
	if userID != "" {
		pipe.SRem(ctx, s.userKey(userID), familyID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRefreshTokenStore) RevokeUserRefreshTokens(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	families, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, id := range families {
		pipe.Del(ctx, s.familyKey(id))
	}
	pipe.Del(ctx, s.userKey(userID))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRefreshTokenStore) tokenKey(hash string) string  { return s.prefix + ":tok:" + hash }
func (s *RedisRefreshTokenStore) familyKey(id string) string   { return s.prefix + ":fam:" + id }
func (s *RedisRefreshTokenStore) userKey(userID string) string { return s.prefix + ":user:" + userID }

func randomToken(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func refreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
