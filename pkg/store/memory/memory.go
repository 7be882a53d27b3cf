package memory

import (
	"sync"
	"time"

	"github.com/gcmb/websub-firehose/pkg/store"
)

// New creates a new memory store. State is lost on restart, so every
// process start re-subscribes from scratch; intended for development and
// tests.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]store.Subscription),
		seen:          make(map[string]time.Time),
	}
}

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu            sync.Mutex
	subscriptions map[string]store.Subscription
	seen          map[string]time.Time
}

func (s *Store) Upsert(sub store.Subscription) error {
	s.mu.Lock()
	s.subscriptions[sub.TopicURL] = sub
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(topic string) (*store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[topic]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sub, nil
}

func (s *Store) ListExpiringBefore(threshold time.Time) ([]store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]store.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.LeaseExpires.Before(threshold) {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (s *Store) AddIfAbsent(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	if ok {
		return false, nil
	}
	s.seen[id] = time.Now()
	return true, nil
}

func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen), nil
}

func (s *Store) Close() error {
	return nil
}
