// Package intents manages the lifecycle of payment intents: creation,
// funding, and agent-gated execution.
package intents

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sigweihq/x402treasury/pkg/types"
)

var (
	ErrNotFound          = errors.New("intent not found")
	ErrAlreadyExists     = errors.New("intent already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrImmutable         = errors.New("intent is immutable once executed")
	ErrInvalidIntent     = errors.New("invalid intent")
	ErrInProgress        = errors.New("intent execution already in progress")
)

// Store persists intents. Update applies fn atomically to the stored intent;
// if fn returns an error nothing is written.
type Store interface {
	Create(ctx context.Context, intent *types.PaymentIntent) error
	Get(ctx context.Context, id string) (*types.PaymentIntent, error)
	List(ctx context.Context) ([]*types.PaymentIntent, error)
	Update(ctx context.Context, id string, fn func(intent *types.PaymentIntent) error) (*types.PaymentIntent, error)
}

// MemoryStore keeps intents in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*types.PaymentIntent
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]*types.PaymentIntent)}
}

func (s *MemoryStore) Create(ctx context.Context, intent *types.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intents[intent.IntentID]; ok {
		return ErrAlreadyExists
	}
	s.intents[intent.IntentID] = clone(intent)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, ok := s.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(intent), nil
}

// List returns intents oldest first
func (s *MemoryStore) List(ctx context.Context) ([]*types.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.PaymentIntent, 0, len(s.intents))
	for _, intent := range s.intents {
		out = append(out, clone(intent))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IntentID < out[j].IntentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(intent *types.PaymentIntent) error) (*types.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.intents[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := clone(current)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.IntentID = id
	s.intents[id] = next
	return clone(next), nil
}

func clone(intent *types.PaymentIntent) *types.PaymentIntent {
	c := *intent
	if intent.Condition.ExecuteAfter != nil {
		t := *intent.Condition.ExecuteAfter
		c.Condition.ExecuteAfter = &t
	}
	return &c
}
