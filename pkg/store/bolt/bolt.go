package bolt

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/gcmb/websub-firehose/pkg/store"
)

var (
	subscriptionsBucket = []byte("subscriptions")
	seenBucket          = []byte("seen")
)

// New opens a boltdb backed store at the given file path. Bolt is fine
// for the throughput of a single subscriber; use the etcd backend when
// state must be shared across processes.
func New(file string) (*Store, error) {
	db, err := bolt.Open(file, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(subscriptionsBucket)
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(seenBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Store is a boltdb backed store.
type Store struct {
	db *bolt.DB
}

func (s *Store) Upsert(sub store.Subscription) error {
	b, err := json.Marshal(&sub)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).Put([]byte(sub.TopicURL), b)
	})
}

func (s *Store) Get(topic string) (*store.Subscription, error) {
	sub := &store.Subscription{}
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(subscriptionsBucket).Get([]byte(topic))
		if v == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(v, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Store) ListExpiringBefore(threshold time.Time) ([]store.Subscription, error) {
	subs := make([]store.Subscription, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).ForEach(func(k, v []byte) error {
			var sub store.Subscription
			err := json.Unmarshal(v, &sub)
			if err != nil {
				return err
			}
			if sub.LeaseExpires.Before(threshold) {
				subs = append(subs, sub)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Store) AddIfAbsent(id string) (bool, error) {
	wasNew := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(seenBucket)
		if b.Get([]byte(id)) != nil {
			return nil
		}
		wasNew = true
		ts, err := time.Now().UTC().MarshalText()
		if err != nil {
			return err
		}
		return b.Put([]byte(id), ts)
	})
	if err != nil {
		return false, err
	}
	return wasNew, nil
}

func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(seenBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
