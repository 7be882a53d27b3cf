package memory

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tj/assert"

	"github.com/gcmb/websub-firehose/pkg/store"
)

func TestAddIfAbsent(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		s := New()

		wasNew, err := s.AddIfAbsent("https://medium.com/p/abc")
		assert.NoError(t, err)
		assert.True(t, wasNew)

		wasNew, err = s.AddIfAbsent("https://medium.com/p/abc")
		assert.NoError(t, err)
		assert.False(t, wasNew)

		count, err := s.Count()
		assert.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("concurrent adds of one id", func(t *testing.T) {
		s := New()
		var added int64
		wg := &sync.WaitGroup{}
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				wasNew, err := s.AddIfAbsent("contended-id")
				assert.NoError(t, err)
				if wasNew {
					atomic.AddInt64(&added, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), added)
	})
}

func TestSubscriptions(t *testing.T) {
	topic := "https://medium.com/feed/tag/technology"

	t.Run("get missing", func(t *testing.T) {
		s := New()
		_, err := s.Get(topic)
		assert.Equal(t, store.ErrNotFound, err)
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		s := New()
		now := time.Now()
		err := s.Upsert(store.Subscription{
			TopicURL:     topic,
			HubURL:       "http://hub.example.com",
			SubscribedAt: now,
			LeaseExpires: now.Add(time.Hour),
		})
		assert.NoError(t, err)

		err = s.Upsert(store.Subscription{
			TopicURL:     topic,
			HubURL:       "http://hub.example.com",
			SubscribedAt: now,
			LeaseExpires: now.Add(time.Hour * 24),
		})
		assert.NoError(t, err)

		sub, err := s.Get(topic)
		assert.NoError(t, err)
		assert.Equal(t, now.Add(time.Hour*24), sub.LeaseExpires)
	})

	t.Run("list expiring", func(t *testing.T) {
		s := New()
		now := time.Now()
		assert.NoError(t, s.Upsert(store.Subscription{
			TopicURL:     "https://soon.example.com/feed",
			HubURL:       "http://hub.example.com",
			SubscribedAt: now,
			LeaseExpires: now.Add(time.Minute),
		}))
		assert.NoError(t, s.Upsert(store.Subscription{
			TopicURL:     "https://later.example.com/feed",
			HubURL:       "http://hub.example.com",
			SubscribedAt: now,
			LeaseExpires: now.Add(time.Hour * 24),
		}))

		subs, err := s.ListExpiringBefore(now.Add(time.Minute * 5))
		assert.NoError(t, err)
		assert.Len(t, subs, 1)
		assert.Equal(t, "https://soon.example.com/feed", subs[0].TopicURL)
	})
}
