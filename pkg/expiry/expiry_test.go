package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tj/assert"

	"github.com/gcmb/websub-firehose/pkg/store"
	"github.com/gcmb/websub-firehose/pkg/store/memory"
)

type fakeRenewer struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (f *fakeRenewer) Renew(ctx context.Context, hub, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return f.err
}

func (f *fakeRenewer) renewed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.topics...)
}

func runOneTick(t *testing.T, m *Monitor) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, m.Run(ctx))
		close(done)
	}()
	// The tick loop fires immediately on start; one interval's worth of
	// work happens before this cancel lands.
	time.Sleep(time.Millisecond * 100)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestRun(t *testing.T) {
	t.Run("renews only leases within the horizon", func(t *testing.T) {
		st := memory.New()
		now := time.Now()
		assert.NoError(t, st.Upsert(store.Subscription{
			TopicURL:     "https://soon.example.com/feed",
			HubURL:       "http://hub.example.com",
			SubscribedAt: now.Add(-time.Hour),
			LeaseExpires: now.Add(time.Minute),
		}))
		assert.NoError(t, st.Upsert(store.Subscription{
			TopicURL:     "https://later.example.com/feed",
			HubURL:       "http://hub.example.com",
			SubscribedAt: now,
			LeaseExpires: now.Add(time.Hour * 24),
		}))

		renewer := &fakeRenewer{}
		conf := NewConfig()
		conf.CheckInterval = time.Hour
		runOneTick(t, NewMonitor(conf, st, renewer))

		assert.Equal(t, []string{"https://soon.example.com/feed"}, renewer.renewed())
	})

	t.Run("renewal failures do not stop the loop", func(t *testing.T) {
		st := memory.New()
		now := time.Now()
		assert.NoError(t, st.Upsert(store.Subscription{
			TopicURL:     "https://a.example.com/feed",
			HubURL:       "http://hub.example.com",
			SubscribedAt: now,
			LeaseExpires: now.Add(time.Minute),
		}))
		assert.NoError(t, st.Upsert(store.Subscription{
			TopicURL:     "https://b.example.com/feed",
			HubURL:       "http://hub.example.com",
			SubscribedAt: now,
			LeaseExpires: now.Add(time.Minute),
		}))

		renewer := &fakeRenewer{err: errors.New("hub rejected renewal")}
		conf := NewConfig()
		conf.CheckInterval = time.Hour
		runOneTick(t, NewMonitor(conf, st, renewer))

		assert.Len(t, renewer.renewed(), 2)
	})

	t.Run("empty store is quiet", func(t *testing.T) {
		renewer := &fakeRenewer{}
		conf := NewConfig()
		conf.CheckInterval = time.Hour
		runOneTick(t, NewMonitor(conf, memory.New(), renewer))
		assert.Len(t, renewer.renewed(), 0)
	})
}
