package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/JulienBalestra/dry/pkg/promregister"
	"github.com/JulienBalestra/dry/pkg/signals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gcmb/websub-firehose/pkg/broker"
	"github.com/gcmb/websub-firehose/pkg/config"
	"github.com/gcmb/websub-firehose/pkg/expiry"
	"github.com/gcmb/websub-firehose/pkg/queue"
	"github.com/gcmb/websub-firehose/pkg/store"
	boltstore "github.com/gcmb/websub-firehose/pkg/store/bolt"
	etcdstore "github.com/gcmb/websub-firehose/pkg/store/etcd"
	memorystore "github.com/gcmb/websub-firehose/pkg/store/memory"
	"github.com/gcmb/websub-firehose/pkg/subscription"
	"github.com/gcmb/websub-firehose/pkg/webhook"
)

func NewSubscriberCommand(ctx context.Context) *cobra.Command {
	subscriberCmd := &cobra.Command{
		Short:   "subscriber",
		Long:    "subscriber",
		Use:     "subscriber",
		Aliases: []string{"s"},
	}
	fs := &pflag.FlagSet{}

	serverConf := &webhook.Config{}
	queueConf := queue.NewConfig()
	expiryConf := expiry.NewConfig()
	brokerConf := &broker.Config{}

	var configPath string
	var callbackURL string
	var defaultLease time.Duration
	var storeBackend string
	var boltPath string
	var etcdEndpoints []string

	fs.StringVar(&configPath, "config", "topics.yaml", "hub and topic configuration file")
	fs.StringVar(&serverConf.ListenAddr, "listen-addr", "0.0.0.0:8080", "webhook listen address")
	fs.StringVar(&serverConf.CallbackPath, "callback-path", "/webhook", "webhook callback path")
	fs.StringVar(&callbackURL, "callback-url", "http://localhost:8080/webhook", "public callback URL announced to hubs")
	fs.DurationVar(&defaultLease, "default-lease", time.Hour*24, "lease duration when the hub does not specify one")
	fs.StringVar(&storeBackend, "store", "bolt", "store backend - memory bolt etcd")
	fs.StringVar(&boltPath, "bolt-path", "websub.db", "bolt store file path")
	fs.StringSliceVar(&etcdEndpoints, "etcd-endpoints", []string{"127.0.0.1:2379"}, "etcd store endpoints")
	fs.StringVar(&brokerConf.URL, "broker-url", "tls://gcmb.io:8883", "mqtt broker URL")
	fs.StringVar(&brokerConf.ClientID, "broker-client-id", "websub-firehose/pub", "mqtt client id")
	fs.StringVar(&brokerConf.Username, "broker-username", os.Getenv("MQTT_USERNAME"), "mqtt username")
	fs.StringVar(&brokerConf.Password, "broker-password", os.Getenv("MQTT_PASSWORD"), "mqtt password")
	fs.IntVar(&queueConf.Capacity, "queue-capacity", queueConf.Capacity, "publish queue capacity")
	fs.Float64Var(&queueConf.TargetRate, "target-rate", queueConf.TargetRate, "target publish rate in messages per second")
	fs.IntVar(&queueConf.MinBufferSize, "min-buffer-size", queueConf.MinBufferSize, "buffer low-water mark for the rate controller")
	fs.IntVar(&queueConf.MaxBufferSize, "max-buffer-size", queueConf.MaxBufferSize, "buffer high-water mark for the rate controller")
	fs.DurationVar(&expiryConf.CheckInterval, "expiry-check-interval", expiryConf.CheckInterval, "lease expiry check interval")
	fs.DurationVar(&expiryConf.RenewalHorizon, "renewal-horizon", expiryConf.RenewalHorizon, "renew leases expiring within this horizon")

	subscriberCmd.Flags().AddFlagSet(fs)
	subscriberCmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		topics, err := config.Load(configPath)
		if err != nil {
			return err
		}

		var st store.Store
		switch storeBackend {
		case "memory":
			st = memorystore.New()
		case "bolt":
			st, err = boltstore.New(boltPath)
		case "etcd":
			st, err = etcdstore.New(ctx, &etcdstore.Config{Endpoints: etcdEndpoints})
		default:
			return fmt.Errorf("unknown store backend %q", storeBackend)
		}
		if err != nil {
			return err
		}
		defer st.Close()

		mq, err := broker.NewMQTT(brokerConf)
		if err != nil {
			return err
		}
		err = mq.Connect()
		if err != nil {
			return err
		}
		defer mq.Disconnect()

		q, err := queue.New(queueConf, mq)
		if err != nil {
			return err
		}
		managerConf := subscription.NewConfig(callbackURL)
		managerConf.DefaultLease = defaultLease
		manager, err := subscription.NewManager(managerConf, topics, st)
		if err != nil {
			return err
		}
		monitor := expiry.NewMonitor(expiryConf, st, manager)
		server, err := webhook.NewServer(serverConf, manager, topics, st, q)
		if err != nil {
			return err
		}

		collectors := append([]prometheus.Collector{}, q.Collectors()...)
		collectors = append(collectors, manager.Collectors()...)
		collectors = append(collectors, server.Collectors()...)
		err = promregister.Register(collectors...)
		if err != nil {
			return err
		}

		waitGroup := &sync.WaitGroup{}
		waitGroup.Add(1)
		go func() {
			signals.NotifySignals(ctx, func() {})
			cancel()
			waitGroup.Done()
		}()
		waitGroup.Add(1)
		go func() {
			_ = q.Run(ctx)
			waitGroup.Done()
		}()
		waitGroup.Add(1)
		go func() {
			_ = monitor.Run(ctx)
			waitGroup.Done()
		}()
		waitGroup.Add(1)
		go func() {
			manager.StartupSweep(ctx)
			waitGroup.Done()
		}()

		_ = server.Run(ctx)
		cancel()
		waitGroup.Wait()
		return nil
	}
	return subscriberCmd
}
