package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gcmb/websub-firehose/pkg/config"
	"github.com/gcmb/websub-firehose/pkg/store"
)

const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
)

var (
	// ErrUnknownSubscription is returned when a hub tries to confirm a
	// lease for a topic this subscriber never asked for.
	ErrUnknownSubscription = errors.New("no subscription intent for topic")

	// ErrInvalidVerification is returned for malformed verification
	// requests.
	ErrInvalidVerification = errors.New("invalid verification request")

	// ErrRenewalExhausted is returned when a renewal gives up after the
	// configured number of attempts.
	ErrRenewalExhausted = errors.New("renewal attempts exhausted")
)

type Config struct {
	CallbackURL string

	DefaultLease   time.Duration
	RenewAttempts  int
	RenewBackoff   time.Duration
	RequestTimeout time.Duration
}

// NewConfig returns the default manager configuration.
func NewConfig(callbackURL string) *Config {
	return &Config{
		CallbackURL:    callbackURL,
		DefaultLease:   time.Hour * 24,
		RenewAttempts:  20,
		RenewBackoff:   time.Second,
		RequestTimeout: time.Second * 30,
	}
}

// Manager drives the subscription lease lifecycle: outbound subscribe
// requests, hub verification callbacks, and renewal with retry. The
// subscription store is the single source of truth for lease state; no
// in-memory bookkeeping survives across requests.
type Manager struct {
	conf       *Config
	topics     *config.Config
	store      store.SubscriptionStore
	httpClient *http.Client

	renewalMetric      *prometheus.CounterVec
	verificationMetric *prometheus.CounterVec
}

func NewManager(conf *Config, topics *config.Config, st store.SubscriptionStore) (*Manager, error) {
	if conf.CallbackURL == "" {
		return nil, errors.New("must provide a callback url")
	}
	return &Manager{
		conf:   conf,
		topics: topics,
		store:  st,
		httpClient: &http.Client{
			Timeout: conf.RequestTimeout,
		},
		renewalMetric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websub_firehose_renewals",
		},
			[]string{
				"success",
			},
		),
		verificationMetric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websub_firehose_verifications",
		},
			[]string{
				"mode",
				"success",
			},
		),
	}, nil
}

// Collectors returns the manager's prometheus collectors for
// registration at process wiring time.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.renewalMetric,
		m.verificationMetric,
	}
}

func (m *Manager) sendSubscribe(ctx context.Context, hub, topic string) (int, error) {
	form := url.Values{}
	form.Set("hub.mode", ModeSubscribe)
	form.Set("hub.topic", topic)
	form.Set("hub.callback", m.conf.CallbackURL)
	form.Set("hub.verify", "async")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hub, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// Subscribe issues an asynchronous subscription intent to a hub. The
// hub's confirmation arrives later through HandleVerification; this call
// only reports whether the hub accepted the request.
func (m *Manager) Subscribe(ctx context.Context, hub, topic string) error {
	status, err := m.sendSubscribe(ctx, hub, topic)
	if err != nil {
		return fmt.Errorf("failed to send subscribe request: %w", err)
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return fmt.Errorf("hub rejected subscribe request with status %d", status)
	}
	zap.L().Info("subscribe request accepted",
		zap.String("hub", hub),
		zap.String("topic", topic),
	)
	return nil
}

// Renew re-issues the subscribe request with retries. A 422 means the
// hub is not yet ready to re-verify the lease, wait out the backoff and
// try again; anything else besides 200/202 is a hard failure for this
// call.
func (m *Manager) Renew(ctx context.Context, hub, topic string) error {
	zctx := zap.L().With(
		zap.String("hub", hub),
		zap.String("topic", topic),
	)
	b := &backoff.Backoff{
		Min:    m.conf.RenewBackoff,
		Max:    m.conf.RenewBackoff,
		Factor: 1,
	}
	for attempt := 1; attempt <= m.conf.RenewAttempts; attempt++ {
		status, err := m.sendSubscribe(ctx, hub, topic)
		if err != nil {
			m.renewalMetric.WithLabelValues("false").Inc()
			return fmt.Errorf("failed to send renewal request: %w", err)
		}
		switch status {
		case http.StatusOK, http.StatusAccepted:
			m.renewalMetric.WithLabelValues("true").Inc()
			zctx.Info("renewal accepted",
				zap.Int("attempt", attempt),
			)
			return nil

		case http.StatusUnprocessableEntity:
			zctx.Debug("hub not ready to re-verify",
				zap.Int("attempt", attempt),
			)
			if attempt == m.conf.RenewAttempts {
				break
			}
			select {
			case <-ctx.Done():
				m.renewalMetric.WithLabelValues("false").Inc()
				return ctx.Err()
			case <-time.After(b.Duration()):
			}

		default:
			m.renewalMetric.WithLabelValues("false").Inc()
			return fmt.Errorf("hub rejected renewal with status %d", status)
		}
	}
	m.renewalMetric.WithLabelValues("false").Inc()
	return fmt.Errorf("%w: %s after %d attempts", ErrRenewalExhausted, topic, m.conf.RenewAttempts)
}

// HandleVerification processes a hub verification callback and returns
// the challenge to echo back. Confirming a subscribe persists the lease;
// unsubscribe acknowledgements echo without touching the store.
func (m *Manager) HandleVerification(mode, topic, challenge string, leaseSeconds int) (string, error) {
	switch mode {
	case ModeSubscribe:
		hub, ok := m.topics.HubForTopic(topic)
		if !ok {
			m.verificationMetric.WithLabelValues(mode, "false").Inc()
			return "", fmt.Errorf("%w: %s", ErrUnknownSubscription, topic)
		}
		if challenge == "" {
			m.verificationMetric.WithLabelValues(mode, "false").Inc()
			return "", ErrInvalidVerification
		}
		lease := m.conf.DefaultLease
		if leaseSeconds > 0 {
			lease = time.Duration(leaseSeconds) * time.Second
		}
		now := time.Now()
		err := m.store.Upsert(store.Subscription{
			TopicURL:     topic,
			HubURL:       hub,
			SubscribedAt: now,
			LeaseExpires: now.Add(lease),
		})
		if err != nil {
			m.verificationMetric.WithLabelValues(mode, "false").Inc()
			return "", fmt.Errorf("failed to persist subscription: %w", err)
		}
		m.verificationMetric.WithLabelValues(mode, "true").Inc()
		zap.L().Info("subscription verified",
			zap.String("hub", hub),
			zap.String("topic", topic),
			zap.Duration("lease", lease),
		)
		return challenge, nil

	case ModeUnsubscribe:
		if challenge == "" {
			m.verificationMetric.WithLabelValues(mode, "false").Inc()
			return "", ErrInvalidVerification
		}
		m.verificationMetric.WithLabelValues(mode, "true").Inc()
		zap.L().Info("unsubscribe acknowledged",
			zap.String("topic", topic),
		)
		return challenge, nil

	default:
		m.verificationMetric.WithLabelValues("unknown", "false").Inc()
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidVerification, mode)
	}
}

// StartupSweep subscribes to every configured pair whose lease is absent
// or already expired. Pairs with a live lease are skipped so restarts do
// not spam hubs with duplicate subscribe requests. One topic's failure
// never blocks the others.
func (m *Manager) StartupSweep(ctx context.Context) {
	now := time.Now()
	for _, pair := range m.topics.Pairs() {
		zctx := zap.L().With(
			zap.String("hub", pair.Hub),
			zap.String("topic", pair.Topic),
		)
		sub, err := m.store.Get(pair.Topic)
		if err == nil && sub.Active(now) {
			zctx.Debug("lease still active, skipping",
				zap.Time("leaseExpires", sub.LeaseExpires),
			)
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			zctx.Error("failed to read subscription", zap.Error(err))
		}
		err = m.Renew(ctx, pair.Hub, pair.Topic)
		if err != nil {
			zctx.Error("failed to renew subscription", zap.Error(err))
		}
	}
}

// LeaseSecondsParam parses the hub.lease_seconds query value, tolerating
// its absence.
func LeaseSecondsParam(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
