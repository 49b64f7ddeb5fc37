// Package chat relays the diagnostic conversation between a visitor and the
// diagnose service, keeping the transcript in the gateway's key-value store.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"quickfix/internal/util"
	"quickfix/pkg/domain"
	"quickfix/pkg/kv"
)

const (
	// Greeting opens every fresh transcript.
	Greeting = "Welcome to QuickFix AI Assistant! Describe your vehicle issue, and I'll help diagnose the problem."
	// Fallback replaces the assistant reply when the diagnose call fails.
	Fallback = "I'm sorry, I encountered a problem processing your request. Please try again later."

	keyPrefix           = "chat:"
	defaultTimeout      = 8 * time.Second
	defaultHistoryLimit = 20
)

// ErrEmptyMessage rejects blank input.
var ErrEmptyMessage = errors.New("message is empty")

// Generator produces the assistant's next message.
type Generator interface {
	Reply(ctx context.Context, history []domain.Message) (string, error)
}

// Config configures a Relay.
type Config struct {
	Store        kv.Store
	Generator    Generator
	Timeout      time.Duration
	TTL          time.Duration
	HistoryLimit int
	Now          func() time.Time
}

// Relay owns chat transcripts keyed by conversation key.
type Relay struct {
	store        kv.Store
	generator    Generator
	timeout      time.Duration
	ttl          time.Duration
	historyLimit int
	now          func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Exchange is the outcome of Send.
type Exchange struct {
	Messages []domain.Message `json:"messages"`
	Reply    domain.ChatReply `json:"reply"`
}

// NewRelay builds a Relay.
func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("chat: store required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("chat: generator required")
	}
	r := &Relay{
		store:        cfg.Store,
		generator:    cfg.Generator,
		timeout:      cfg.Timeout,
		ttl:          cfg.TTL,
		historyLimit: cfg.HistoryLimit,
		now:          cfg.Now,
		locks:        make(map[string]*keyLock),
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.historyLimit <= 0 {
		r.historyLimit = defaultHistoryLimit
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Load returns the conversation for key: the greeting followed by the stored
// history. An unreadable or malformed history counts as no history.
func (r *Relay) Load(ctx context.Context, key string) ([]domain.Message, error) {
	unlock := r.lock(key)
	defer unlock()
	return r.conversation(r.load(ctx, key)), nil
}

// Send appends text as a user message, asks the generator for a reply and
// persists both. A failed or empty generation yields the fallback reply; the
// exchange still succeeds.
func (r *Relay) Send(ctx context.Context, key, text string) (Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Exchange{}, ErrEmptyMessage
	}
	unlock := r.lock(key)
	defer unlock()

	history := r.load(ctx, key)
	user := domain.Message{Role: domain.RoleUserMessage, Content: text, Timestamp: r.now().UTC()}
	history = append(history, user)

	outbound := tail(history, r.historyLimit)
	if len(outbound) == 0 {
		outbound = []domain.Message{user}
	}
	reply := r.generate(ctx, outbound)
	history = append(history, domain.Message{
		Role:      domain.RoleAssistantMessage,
		Content:   reply.Text,
		Timestamp: r.now().UTC(),
	})
	history = tail(history, r.historyLimit)

	if err := r.save(ctx, key, history); err != nil {
		util.LoggerFromContext(ctx).Warn("chat history save failed", "chat_key", key, "err", err)
	}
	return Exchange{Messages: r.conversation(history), Reply: reply}, nil
}

// Clear drops the stored transcript and returns the fresh greeting.
func (r *Relay) Clear(ctx context.Context, key string) ([]domain.Message, error) {
	unlock := r.lock(key)
	defer unlock()
	if err := r.store.Delete(ctx, keyPrefix+key); err != nil {
		return nil, fmt.Errorf("clear chat: %w", err)
	}
	return r.greeting(), nil
}

func (r *Relay) generate(ctx context.Context, history []domain.Message) domain.ChatReply {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	text, err := r.generator.Reply(callCtx, history)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("diagnose reply failed", "err", err)
		return domain.ChatReply{Text: Fallback, Fallback: true}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		util.LoggerFromContext(ctx).Warn("diagnose reply empty")
		return domain.ChatReply{Text: Fallback, Fallback: true}
	}
	return domain.ChatReply{Text: text}
}

// load returns the stored non-system history for key. Storage and decode
// failures are logged and yield an empty history.
func (r *Relay) load(ctx context.Context, key string) []domain.Message {
	logger := util.LoggerFromContext(ctx)
	raw, ok, err := r.store.Get(ctx, keyPrefix+key)
	if err != nil {
		logger.Warn("chat history unavailable", "chat_key", key, "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	var stored []domain.Message
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		logger.Warn("discarding malformed chat history", "chat_key", key, "err", err)
		if delErr := r.store.Delete(ctx, keyPrefix+key); delErr != nil {
			logger.Warn("chat history delete failed", "chat_key", key, "err", delErr)
		}
		return nil
	}
	history := make([]domain.Message, 0, len(stored))
	for _, m := range stored {
		if m.Role == domain.RoleUserMessage || m.Role == domain.RoleAssistantMessage {
			history = append(history, m)
		}
	}
	return tail(history, r.historyLimit)
}

func (r *Relay) save(ctx context.Context, key string, transcript []domain.Message) error {
	raw, err := json.Marshal(transcript)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, keyPrefix+key, string(raw), r.ttl)
}

func (r *Relay) greeting() []domain.Message {
	return []domain.Message{{Role: domain.RoleSystemMessage, Content: Greeting, Timestamp: r.now().UTC()}}
}

// conversation prefixes history with the greeting. The greeting is never
// stored or sent to the generator.
func (r *Relay) conversation(history []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(history)+1)
	out = append(out, r.greeting()...)
	return append(out, history...)
}

// lock serializes operations on one key.
func (r *Relay) lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

func tail(messages []domain.Message, n int) []domain.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
