package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no subscription exists for a topic.
var ErrNotFound = errors.New("subscription not found")

// Subscription is a confirmed lease for a topic on a hub. At most one
// subscription exists per topic URL; re-subscribing overwrites it.
type Subscription struct {
	TopicURL     string    `json:"topicUrl"`
	HubURL       string    `json:"hubUrl"`
	SubscribedAt time.Time `json:"subscribedAt"`
	LeaseExpires time.Time `json:"leaseExpires"`
}

// Active reports whether the lease is still live at the given instant.
func (s *Subscription) Active(now time.Time) bool {
	return s.LeaseExpires.After(now)
}

// SubscriptionStore persists subscription leases. Upsert must be atomic
// per topic URL: concurrent upserts of the same topic leave exactly one
// of the written records.
type SubscriptionStore interface {
	Upsert(sub Subscription) error
	Get(topic string) (*Subscription, error)
	ListExpiringBefore(threshold time.Time) ([]Subscription, error)
}

// SeenStore persists the set of entry ids already forwarded downstream.
// AddIfAbsent must be atomic per id: of any set of concurrent adds of the
// same id, exactly one observes wasNew=true.
type SeenStore interface {
	AddIfAbsent(id string) (wasNew bool, err error)
	Count() (int, error)
}

// Store combines both stores; every backend implements the full set.
type Store interface {
	SubscriptionStore
	SeenStore
	Close() error
}
