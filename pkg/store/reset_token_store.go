package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrResetTokenInvalid     = errors.New("password reset link is invalid")
	ErrResetTokenExpired     = errors.New("password reset link expired")
	ErrResetRequestThrottled = errors.New("too many password reset requests")
)

// ResetTokenStore issues single-use password reset tokens. A token is
// "<id>.<secret>"; only a bcrypt hash of the secret is kept.
type ResetTokenStore interface {
	Issue(ctx context.Context, userID, email string) (string, error)
	Consume(ctx context.Context, token string) (userID string, err error)
}

type resetTicket struct {
	UserID     string    `json:"userId"`
	SecretHash string    `json:"secretHash"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func newResetTicket(userID string, ttl time.Duration) (id, token string, t resetTicket, err error) {
	secret, err := randomToken(24)
	if err != nil {
		return "", "", t, fmt.Errorf("generate reset secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", t, fmt.Errorf("hash reset secret: %w", err)
	}
	id = uuid.NewString()
	t = resetTicket{UserID: userID, SecretHash: string(hash), ExpiresAt: time.Now().UTC().Add(ttl)}
	return id, id + "." + secret, t, nil
}

func splitResetToken(token string) (string, string, bool) {
	id, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

func (t resetTicket) check(secret string) error {
	if time.Now().UTC().After(t.ExpiresAt) {
		return ErrResetTokenExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(t.SecretHash), []byte(secret)) != nil {
		return ErrResetTokenInvalid
	}
	return nil
}

// MemoryResetTokenStore keeps reset tickets in-process.
type MemoryResetTokenStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	tickets map[string]resetTicket
}

func NewMemoryResetTokenStore(ttl time.Duration) *MemoryResetTokenStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryResetTokenStore{ttl: ttl, tickets: make(map[string]resetTicket)}
}

func (s *MemoryResetTokenStore) Issue(_ context.Context, userID, _ string) (string, error) {
	id, token, ticket, err := newResetTicket(userID, s.ttl)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.tickets[id] = ticket
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryResetTokenStore) Consume(_ context.Context, token string) (string, error) {
	id, secret, ok := splitResetToken(token)
	if !ok {
		return "", ErrResetTokenInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[id]
	if !ok {
		return "", ErrResetTokenInvalid
	}
	if err := ticket.check(secret); err != nil {
		if errors.Is(err, ErrResetTokenExpired) {
			delete(s.tickets, id)
		}
		return "", err
	}
	delete(s.tickets, id)
	return ticket.UserID, nil
}

// RedisResetTokenStore stores reset tickets in Redis and throttles repeated
// requests for the same email.
type RedisResetTokenStore struct {
	client      *redis.Client
	keyPrefix   string
	ttl         time.Duration
	resendAfter time.Duration
}

func NewRedisResetTokenStore(addr, password string, ttl time.Duration) (*RedisResetTokenStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("reset token redis addr is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisResetTokenStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		keyPrefix:   "quickfix:identity:reset",
		ttl:         ttl,
		resendAfter: time.Minute,
	}, nil
}

func (s *RedisResetTokenStore) Issue(ctx context.Context, userID, email string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resendKey := s.resendKey(email)
	allowed, err := s.client.SetNX(ctx, resendKey, "1", s.resendAfter).Result()
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", ErrResetRequestThrottled
	}
	id, token, ticket, err := newResetTicket(userID, s.ttl)
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", err
	}
	raw, err := json.Marshal(ticket)
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", fmt.Errorf("marshal reset ticket: %w", err)
	}
	if err := s.client.Set(ctx, s.ticketKey(id), raw, s.ttl+time.Minute).Err(); err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", err
	}
	return token, nil
}

func (s *RedisResetTokenStore) Consume(ctx context.Context, token string) (string, error) {
	id, secret, ok := splitResetToken(token)
	if !ok {
		return "", ErrResetTokenInvalid
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	key := s.ticketKey(id)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrResetTokenInvalid
	}
	if err != nil {
		return "", err
	}
	var ticket resetTicket
	if err := json.Unmarshal(raw, &ticket); err != nil {
		return "", fmt.Errorf("unmarshal reset ticket: %w", err)
	}
	if err := ticket.check(secret); err != nil {
		if errors.Is(err, ErrResetTokenExpired) {
			_ = s.client.Del(ctx, key).Err()
		}
		return "", err
	}
	// Del returns 0 when a concurrent consume won.
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrResetTokenInvalid
	}
	return ticket.UserID, nil
}

func (s *RedisResetTokenStore) ticketKey(id string) string {
	return fmt.Sprintf("%s:ticket:%s", s.keyPrefix, id)
}

func (s *RedisResetTokenStore) resendKey(email string) string {
	return fmt.Sprintf("%s:resend:%s", s.keyPrefix, strings.ToLower(strings.TrimSpace(email)))
}
