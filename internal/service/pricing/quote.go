package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrQuoteNotFound = errors.New("fare quote not found")

// Quote is a server-issued fare. Trips may only be created from a quote the
// same user received.
type Quote struct {
	FareID            string    `json:"fare_id"`
	UserID            string    `json:"user_id"`
	Origin            string    `json:"origin,omitempty"`
	Destination       string    `json:"destination,omitempty"`
	EstimatedDuration string    `json:"estimated_duration,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	FareBreakdown
}

// QuoteStore persists quotes until they expire
type QuoteStore interface {
	Save(ctx context.Context, q *Quote, ttl time.Duration) error
	Get(ctx context.Context, fareID string) (*Quote, error)
	// Consume removes the quote. Of two concurrent calls only one succeeds;
	// the other gets ErrQuoteNotFound.
	Consume(ctx context.Context, fareID string) error
}

// RedisQuoteStore keeps quotes as JSON strings with a TTL
type RedisQuoteStore struct {
	client *redis.Client
	prefix string
}

// NewRedisQuoteStore creates a Redis-backed quote store
func NewRedisQuoteStore(client *redis.Client) *RedisQuoteStore {
	return &RedisQuoteStore{client: client, prefix: "fare_quote:"}
}

// Save writes the quote with expiry
func (s *RedisQuoteStore) Save(ctx context.Context, q *Quote, ttl time.Duration) error {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode quote: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+q.FareID, b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save quote: %w", err)
	}
	return nil
}

// Get loads a quote, returning ErrQuoteNotFound once it has expired
func (s *RedisQuoteStore) Get(ctx context.Context, fareID string) (*Quote, error) {
	b, err := s.client.Get(ctx, s.prefix+fareID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quote: %w", err)
	}
	var q Quote
	if err := json.Unmarshal(b, &q); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	return &q, nil
}

// Consume deletes the quote key
func (s *RedisQuoteStore) Consume(ctx context.Context, fareID string) error {
	n, err := s.client.Del(ctx, s.prefix+fareID).Result()
	if err != nil {
		return fmt.Errorf("failed to consume quote: %w", err)
	}
	if n == 0 {
		return ErrQuoteNotFound
	}
	return nil
}

// MemoryQuoteStore keeps quotes in process
type MemoryQuoteStore struct {
	mu     sync.Mutex
	quotes map[string]memoryQuote
	now    func() time.Time
}

type memoryQuote struct {
	q         Quote
	expiresAt time.Time
}

// NewMemoryQuoteStore creates an in-process quote store
func NewMemoryQuoteStore() *MemoryQuoteStore {
	return &MemoryQuoteStore{quotes: make(map[string]memoryQuote), now: time.Now}
}

// Save stores a copy of q
func (s *MemoryQuoteStore) Save(ctx context.Context, q *Quote, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.FareID] = memoryQuote{q: *q, expiresAt: s.now().Add(ttl)}
	return nil
}

// Get returns a copy of the quote if it has not expired
func (s *MemoryQuoteStore) Get(ctx context.Context, fareID string) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.quotes[fareID]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	if s.now().After(e.expiresAt) {
		delete(s.quotes, fareID)
		return nil, ErrQuoteNotFound
	}
	q := e.q
	return &q, nil
}

// Consume removes an unexpired quote
func (s *MemoryQuoteStore) Consume(ctx context.Context, fareID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.quotes[fareID]
	if !ok {
		return ErrQuoteNotFound
	}
	delete(s.quotes, fareID)
	if s.now().After(e.expiresAt) {
		return ErrQuoteNotFound
	}
	return nil
}
