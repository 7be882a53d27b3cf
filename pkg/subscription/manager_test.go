package subscription

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tj/assert"

	"github.com/gcmb/websub-firehose/pkg/config"
	"github.com/gcmb/websub-firehose/pkg/store"
	"github.com/gcmb/websub-firehose/pkg/store/memory"
)

const testTopic = "https://medium.com/feed/tag/technology"

func testTopics(hub string) *config.Config {
	c, err := config.Parse([]byte("hubs:\n  - url: " + hub + "\n    topics:\n      - url: " + testTopic + "\n"))
	if err != nil {
		panic(err)
	}
	return c
}

func testManager(t *testing.T, hub string, st store.SubscriptionStore) *Manager {
	conf := NewConfig("http://localhost:8080/webhook")
	conf.RenewBackoff = time.Millisecond
	m, err := NewManager(conf, testTopics(hub), st)
	assert.NoError(t, err)
	return m
}

func newHub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	s := httptest.NewServer(handler)
	t.Cleanup(s.Close)
	return s
}

func TestSubscribe(t *testing.T) {
	t.Run("sends the websub form", func(t *testing.T) {
		var form atomic.Value
		hub := newHub(t, func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, r.ParseForm())
			form.Store(r.PostForm)
			w.WriteHeader(http.StatusAccepted)
		})
		m := testManager(t, hub.URL, memory.New())

		assert.NoError(t, m.Subscribe(context.Background(), hub.URL, testTopic))

		f := form.Load().(url.Values)
		assert.Equal(t, "subscribe", f["hub.mode"][0])
		assert.Equal(t, testTopic, f["hub.topic"][0])
		assert.Equal(t, "http://localhost:8080/webhook", f["hub.callback"][0])
		assert.Equal(t, "async", f["hub.verify"][0])
	})

	t.Run("rejection reported", func(t *testing.T) {
		hub := newHub(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		m := testManager(t, hub.URL, memory.New())
		assert.Error(t, m.Subscribe(context.Background(), hub.URL, testTopic))
	})
}

func TestRenew(t *testing.T) {
	t.Run("retries through 422", func(t *testing.T) {
		var calls int64
		hub := newHub(t, func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt64(&calls, 1)
			if n < 4 {
				w.WriteHeader(http.StatusUnprocessableEntity)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
		m := testManager(t, hub.URL, memory.New())

		assert.NoError(t, m.Renew(context.Background(), hub.URL, testTopic))
		assert.Equal(t, int64(4), atomic.LoadInt64(&calls))
	})

	t.Run("exhausts the attempt ceiling", func(t *testing.T) {
		var calls int64
		hub := newHub(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&calls, 1)
			w.WriteHeader(http.StatusUnprocessableEntity)
		})
		m := testManager(t, hub.URL, memory.New())

		err := m.Renew(context.Background(), hub.URL, testTopic)
		assert.True(t, errors.Is(err, ErrRenewalExhausted))
		assert.Equal(t, int64(20), atomic.LoadInt64(&calls))
	})

	t.Run("abandons on unexpected status", func(t *testing.T) {
		var calls int64
		hub := newHub(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		m := testManager(t, hub.URL, memory.New())

		err := m.Renew(context.Background(), hub.URL, testTopic)
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrRenewalExhausted))
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	})

	t.Run("abandons on transport failure", func(t *testing.T) {
		m := testManager(t, "http://hub.example.com", memory.New())
		err := m.Renew(context.Background(), "http://127.0.0.1:1", testTopic)
		assert.Error(t, err)
	})
}

func TestHandleVerification(t *testing.T) {
	t.Run("subscribe persists the lease", func(t *testing.T) {
		st := memory.New()
		m := testManager(t, "http://hub.example.com", st)

		before := time.Now()
		challenge, err := m.HandleVerification(ModeSubscribe, testTopic, "C123", 3600)
		assert.NoError(t, err)
		assert.Equal(t, "C123", challenge)

		sub, err := st.Get(testTopic)
		assert.NoError(t, err)
		assert.Equal(t, "http://hub.example.com", sub.HubURL)
		assert.True(t, sub.LeaseExpires.After(before.Add(time.Second*3590)))
		assert.True(t, sub.LeaseExpires.Before(before.Add(time.Second*3610)))
		assert.True(t, sub.LeaseExpires.After(sub.SubscribedAt))
	})

	t.Run("default lease when unspecified", func(t *testing.T) {
		st := memory.New()
		m := testManager(t, "http://hub.example.com", st)

		_, err := m.HandleVerification(ModeSubscribe, testTopic, "C123", 0)
		assert.NoError(t, err)

		sub, err := st.Get(testTopic)
		assert.NoError(t, err)
		assert.True(t, sub.LeaseExpires.After(time.Now().Add(time.Hour*23)))
	})

	t.Run("unknown topic", func(t *testing.T) {
		m := testManager(t, "http://hub.example.com", memory.New())
		_, err := m.HandleVerification(ModeSubscribe, "https://unknown.example.com/feed", "C123", 0)
		assert.True(t, errors.Is(err, ErrUnknownSubscription))
	})

	t.Run("missing challenge", func(t *testing.T) {
		m := testManager(t, "http://hub.example.com", memory.New())
		_, err := m.HandleVerification(ModeSubscribe, testTopic, "", 0)
		assert.True(t, errors.Is(err, ErrInvalidVerification))

		_, err = m.HandleVerification(ModeUnsubscribe, testTopic, "", 0)
		assert.True(t, errors.Is(err, ErrInvalidVerification))
	})

	t.Run("unsubscribe echoes without mutation", func(t *testing.T) {
		st := memory.New()
		m := testManager(t, "http://hub.example.com", st)

		challenge, err := m.HandleVerification(ModeUnsubscribe, testTopic, "BYE", 0)
		assert.NoError(t, err)
		assert.Equal(t, "BYE", challenge)

		_, err = st.Get(testTopic)
		assert.Equal(t, store.ErrNotFound, err)
	})

	t.Run("unknown mode", func(t *testing.T) {
		m := testManager(t, "http://hub.example.com", memory.New())
		_, err := m.HandleVerification("publish", testTopic, "C123", 0)
		assert.True(t, errors.Is(err, ErrInvalidVerification))
	})
}

func TestStartupSweep(t *testing.T) {
	t.Run("skips live leases", func(t *testing.T) {
		var calls int64
		hub := newHub(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&calls, 1)
			w.WriteHeader(http.StatusAccepted)
		})
		st := memory.New()
		now := time.Now()
		assert.NoError(t, st.Upsert(store.Subscription{
			TopicURL:     testTopic,
			HubURL:       hub.URL,
			SubscribedAt: now,
			LeaseExpires: now.Add(time.Hour),
		}))
		m := testManager(t, hub.URL, st)

		m.StartupSweep(context.Background())
		assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
	})

	t.Run("renews expired leases", func(t *testing.T) {
		var calls int64
		hub := newHub(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&calls, 1)
			w.WriteHeader(http.StatusAccepted)
		})
		st := memory.New()
		now := time.Now()
		assert.NoError(t, st.Upsert(store.Subscription{
			TopicURL:     testTopic,
			HubURL:       hub.URL,
			SubscribedAt: now.Add(-time.Hour * 25),
			LeaseExpires: now.Add(-time.Hour),
		}))
		m := testManager(t, hub.URL, st)

		m.StartupSweep(context.Background())
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	})

	t.Run("subscribes never-seen topics", func(t *testing.T) {
		var calls int64
		hub := newHub(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&calls, 1)
			w.WriteHeader(http.StatusAccepted)
		})
		m := testManager(t, hub.URL, memory.New())

		m.StartupSweep(context.Background())
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	})
}
