package expiry

import (
	"context"
	"time"

	"github.com/JulienBalestra/dry/pkg/ticknow"
	"go.uber.org/zap"

	"github.com/gcmb/websub-firehose/pkg/store"
)

type Config struct {
	CheckInterval  time.Duration
	RenewalHorizon time.Duration
}

func NewConfig() *Config {
	return &Config{
		CheckInterval:  time.Minute,
		RenewalHorizon: time.Minute * 5,
	}
}

// Renewer is the subscription manager capability the monitor drives.
type Renewer interface {
	Renew(ctx context.Context, hub, topic string) error
}

// Monitor periodically renews leases that are about to expire. Errors in
// a tick are logged and swallowed; the loop only terminates on context
// cancellation.
type Monitor struct {
	conf    *Config
	store   store.SubscriptionStore
	renewer Renewer
}

func NewMonitor(conf *Config, st store.SubscriptionStore, renewer Renewer) *Monitor {
	return &Monitor{
		conf:    conf,
		store:   st,
		renewer: renewer,
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := ticknow.NewTickNowWithContext(ctx, m.conf.CheckInterval)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	threshold := time.Now().Add(m.conf.RenewalHorizon)
	subs, err := m.store.ListExpiringBefore(threshold)
	if err != nil {
		zap.L().Error("failed to list expiring subscriptions", zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}
	zap.L().Info("renewing expiring subscriptions",
		zap.Int("count", len(subs)),
	)
	for _, sub := range subs {
		err = m.renewer.Renew(ctx, sub.HubURL, sub.TopicURL)
		if err != nil {
			zap.L().Error("failed to renew subscription",
				zap.String("hub", sub.HubURL),
				zap.String("topic", sub.TopicURL),
				zap.Error(err),
			)
		}
	}
}
