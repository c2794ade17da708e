package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenUsed covers unknown, expired and already consumed token hashes.
var ErrTokenUsed = errors.New("token hash is invalid or has expired")

// Grant is what a one-time token hash proves.
type Grant struct {
	Email       string    `json:"email"`
	MagicLinkID string    `json:"magic_link_id"`
	RedirectTo  string    `json:"redirect_to,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// OneTimeTokenStore hands out token hashes that can be consumed exactly once.
type OneTimeTokenStore interface {
	Issue(ctx context.Context, grant Grant, ttl time.Duration) (tokenHash string, err error)
	Consume(ctx context.Context, tokenHash string) (Grant, error)
}

func newTokenHash() (string, error) {
	buf := make([]byte, 28)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token hash: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// storage keys are digests so a dump of the store cannot be replayed as links
func tokenKey(tokenHash string) string {
	sum := sha256.Sum256([]byte(tokenHash))
	return hex.EncodeToString(sum[:])
}

// RedisOneTimeTokenStore keeps grants under a TTL and consumes them with GETDEL.
type RedisOneTimeTokenStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisOneTimeTokenStore(client redis.UniversalClient, prefix string) *RedisOneTimeTokenStore {
	if prefix == "" {
		prefix = "pingai:otp"
	}
	return &RedisOneTimeTokenStore{client: client, prefix: prefix}
}

func (s *RedisOneTimeTokenStore) Issue(ctx context.Context, grant Grant, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("one-time token ttl must be positive")
	}
	hash, err := newTokenHash()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(grant)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, s.prefix+":"+tokenKey(hash), payload, ttl).Err(); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return hash, nil
}

func (s *RedisOneTimeTokenStore) Consume(ctx context.Context, tokenHash string) (Grant, error) {
	if tokenHash == "" {
		return Grant{}, ErrTokenUsed
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	raw, err := s.client.GetDel(ctx, s.prefix+":"+tokenKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Grant{}, ErrTokenUsed
	}
	if err != nil {
		return Grant{}, fmt.Errorf("consume token: %w", err)
	}
	var grant Grant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return Grant{}, fmt.Errorf("decode token grant: %w", err)
	}
	return grant, nil
}

// MemoryOneTimeTokenStore is the single-process variant.
type MemoryOneTimeTokenStore struct {
	mu      sync.Mutex
	entries map[string]memoryGrant
	now     func() time.Time
}

type memoryGrant struct {
	grant   Grant
	expires time.Time
}

func NewMemoryOneTimeTokenStore() *MemoryOneTimeTokenStore {
	return &MemoryOneTimeTokenStore{entries: make(map[string]memoryGrant), now: time.Now}
}

func (s *MemoryOneTimeTokenStore) Issue(_ context.Context, grant Grant, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("one-time token ttl must be positive")
	}
	hash, err := newTokenHash()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.entries[tokenKey(hash)] = memoryGrant{grant: grant, expires: s.now().Add(ttl)}
	s.mu.Unlock()
	return hash, nil
}

func (s *MemoryOneTimeTokenStore) Consume(_ context.Context, tokenHash string) (Grant, error) {
	key := tokenKey(tokenHash)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return Grant{}, ErrTokenUsed
	}
	delete(s.entries, key)
	if s.now().After(entry.expires) {
		return Grant{}, ErrTokenUsed
	}
	return entry.grant, nil
}
