package etcd

import (
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/etcd/clientv3"

	"github.com/gcmb/websub-firehose/pkg/store"
)

const (
	subscriptionPrefix = "/websub/subscriptions/"
	seenPrefix         = "/websub/seen/"

	requestTimeout = time.Second * 5
)

type Config struct {
	Endpoints []string
}

// New creates an etcd backed store. etcd is the backend of choice when
// several subscriber replicas must agree on which entries were already
// forwarded.
func New(ctx context.Context, conf *Config) (*Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:            conf.Endpoints,
		DialTimeout:          time.Second * 5,
		DialKeepAliveTime:    time.Minute,
		DialKeepAliveTimeout: time.Second * 5,
		Context:              ctx,
	})
	if err != nil {
		return nil, err
	}
	return &Store{ctx: ctx, client: client}, nil
}

// Store is an etcd backed store.
type Store struct {
	ctx    context.Context
	client *clientv3.Client
}

func (s *Store) Upsert(sub store.Subscription) error {
	b, err := json.Marshal(&sub)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	_, err = s.client.Put(ctx, subscriptionPrefix+sub.TopicURL, string(b))
	return err
}

func (s *Store) Get(topic string) (*store.Subscription, error) {
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, subscriptionPrefix+topic)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrNotFound
	}
	sub := &store.Subscription{}
	err = json.Unmarshal(resp.Kvs[0].Value, sub)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Store) ListExpiringBefore(threshold time.Time) ([]store.Subscription, error) {
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, subscriptionPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	subs := make([]store.Subscription, 0)
	for _, kv := range resp.Kvs {
		var sub store.Subscription
		err = json.Unmarshal(kv.Value, &sub)
		if err != nil {
			return nil, err
		}
		if sub.LeaseExpires.Before(threshold) {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// AddIfAbsent relies on an etcd transaction over the key's create
// revision: only the first writer of a key observes CreateRevision == 0,
// so exactly one concurrent caller gets wasNew=true.
func (s *Store) AddIfAbsent(id string) (bool, error) {
	ts, err := time.Now().UTC().MarshalText()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	resp, err := s.client.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(seenPrefix+id), "=", 0),
	).Then(
		clientv3.OpPut(seenPrefix+id, string(ts)),
	).Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (s *Store) Count() (int, error) {
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, seenPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
