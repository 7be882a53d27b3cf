package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Topic is a single feed to subscribe to, with an optional shared secret
// used by the hub to sign content deliveries.
type Topic struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret,omitempty"`
}

// Hub is a publish hub and the topics subscribed through it.
type Hub struct {
	URL    string  `yaml:"url"`
	Topics []Topic `yaml:"topics"`
}

type Config struct {
	Hubs []Hub `yaml:"hubs"`
}

// Pair is one configured (hub, topic) subscription.
type Pair struct {
	Hub   string
	Topic string
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	c := &Config{}
	err := yaml.Unmarshal(b, c)
	if err != nil {
		return nil, err
	}
	err = c.validate()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if len(c.Hubs) == 0 {
		return errors.New("no hubs configured")
	}
	seen := make(map[string]string)
	for _, h := range c.Hubs {
		if h.URL == "" {
			return errors.New("hub with empty url")
		}
		_, err := url.Parse(h.URL)
		if err != nil {
			return fmt.Errorf("invalid hub url %q: %w", h.URL, err)
		}
		for _, t := range h.Topics {
			if t.URL == "" {
				return fmt.Errorf("hub %q has a topic with empty url", h.URL)
			}
			prev, ok := seen[t.URL]
			if ok {
				return fmt.Errorf("topic %q configured for both %q and %q", t.URL, prev, h.URL)
			}
			seen[t.URL] = h.URL
		}
	}
	return nil
}

// HubForTopic resolves the owning hub for a topic.
func (c *Config) HubForTopic(topic string) (string, bool) {
	for _, h := range c.Hubs {
		for _, t := range h.Topics {
			if t.URL == topic {
				return h.URL, true
			}
		}
	}
	return "", false
}

// SecretForTopic returns the shared secret configured for a topic, if any.
func (c *Config) SecretForTopic(topic string) (string, bool) {
	for _, h := range c.Hubs {
		for _, t := range h.Topics {
			if t.URL == topic {
				return t.Secret, t.Secret != ""
			}
		}
	}
	return "", false
}

// Pairs returns every configured (hub, topic) subscription.
func (c *Config) Pairs() []Pair {
	var pairs []Pair
	for _, h := range c.Hubs {
		for _, t := range h.Topics {
			pairs = append(pairs, Pair{Hub: h.URL, Topic: t.URL})
		}
	}
	return pairs
}
