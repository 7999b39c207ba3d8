// Package bridge builds the runtime shared by the consumer and the updater
// from a loaded configuration: logger, database, bus facade, dedup store and
// archive. Every component receives its dependencies from here.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marko911/sitb-ckg/internal/bus"
	"github.com/marko911/sitb-ckg/internal/ckg"
	"github.com/marko911/sitb-ckg/internal/config"
	"github.com/marko911/sitb-ckg/internal/dedup"
	"github.com/marko911/sitb-ckg/internal/metrics"
	"github.com/marko911/sitb-ckg/internal/platform/archive"
	"github.com/marko911/sitb-ckg/internal/platform/kafka"
	pnats "github.com/marko911/sitb-ckg/internal/platform/nats"
	"github.com/marko911/sitb-ckg/internal/platform/storage"
)

// ErrUnsupportedBus is returned when the configured bus driver cannot serve
// the requested role.
var ErrUnsupportedBus = errors.New("bus driver does not support this role")

// Options selects which bus roles the runtime needs.
type Options struct {
	Name      string
	Subscribe bool
	Publish   bool
}

// Runtime holds the dependencies of one process.
type Runtime struct {
	Config  *config.Config
	Logger  *slog.Logger
	DB      *storage.DB
	Tables  storage.Tables
	Markers ckg.Markers
	Bus     *bus.Facade

	transport *pnats.Transport
	producer  *kafka.Publisher
	closers   []func()
}

// NewLogger returns a JSON logger at the configured level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: config.ParseLevel(level),
	}))
}

// StorageConfig maps the database section onto the storage layer.
func StorageConfig(c config.DatabaseConfig) storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Host = c.Host
	cfg.Port = c.Port
	cfg.User = c.Username
	cfg.Password = c.Password
	cfg.Database = c.DatabaseName
	cfg.Schema = c.Schema
	cfg.SSLMode = c.SSLMode
	cfg.TimeZone = c.Timezone
	cfg.ConnectTimeout = c.DialTimeout()
	cfg.ReconnectAttempts = c.ReconnectAttempts
	return cfg
}

// Tables returns the configured table names.
func Tables(c config.CKGConfig) storage.Tables {
	return storage.Tables{
		Skrining:  c.TableSkrining,
		LaporanSO: c.TableLaporanSO,
		LaporanRO: c.TableLaporanRO,
		Incoming:  c.TableIncoming,
		Outgoing:  c.TableOutgoing,
		Processed: c.TableProcessed,
	}
}

// Markers returns the envelope marker convention. The consume sentinel tags
// screenings coming in and the produce sentinel tags statuses going out.
func Markers(c config.CKGConfig) ckg.Markers {
	return ckg.Markers{
		Field:    c.MarkerField,
		Inbound:  c.MarkerConsume,
		Outbound: c.MarkerProduce,
	}
}

// BusOptions maps consumer and producer tuning onto the facade.
func BusOptions(cfg *config.Config) bus.Options {
	opts := bus.DefaultOptions()
	opts.DefaultMaxMessages = cfg.Consumer.MaxMessagesPerPull
	opts.RetryCount = cfg.Consumer.RetryCount
	opts.RetryDelay = cfg.Consumer.RetryInterval()
	opts.PublishAttempts = cfg.Producer.PublishAttempts
	return opts
}

// Open connects the database and, when requested, the bus. Either failure
// is fatal to startup.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Tables:  Tables(cfg.CKG),
		Markers: Markers(cfg.CKG),
	}

	db, err := storage.Open(ctx, StorageConfig(cfg.Database), logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.OnReconnect = metrics.Get().DBReconnects.Inc
	rt.DB = db
	rt.closers = append(rt.closers, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Close(closeCtx)
	})

	logger.Info("connected to database",
		"host", cfg.Database.Host,
		"database", cfg.Database.DatabaseName,
		"schema", cfg.Database.Schema,
	)

	if opts.Subscribe || opts.Publish {
		if err := rt.openBus(ctx, opts); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (rt *Runtime) openBus(ctx context.Context, opts Options) error {
	cfg := rt.Config
	var (
		sub bus.Subscriber
		pub bus.Publisher
	)

	switch cfg.Bus.Driver {
	case config.BusNATS:
		natsCfg := pnats.DefaultConfig()
		natsCfg.URL = cfg.Bus.URL
		natsCfg.Name = opts.Name
		natsCfg.CredentialsPath = cfg.Bus.CredentialsPath
		if d := cfg.Bus.DialTimeout(); d > 0 {
			natsCfg.ConnectTimeout = d
		}

		client, err := pnats.Connect(ctx, natsCfg, rt.Logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = client.Close() })

		rt.transport = pnats.NewTransport(client, cfg.Bus.ProjectID)
		if opts.Subscribe {
			sub = rt.transport
		}
		if opts.Publish {
			pub = rt.transport
		}
		rt.Logger.Info("connected to bus", "driver", cfg.Bus.Driver, "url", cfg.Bus.URL, "stream", cfg.Bus.ProjectID)

	case config.BusKafka:
		if opts.Subscribe {
			return fmt.Errorf("%w: %s cannot subscribe", ErrUnsupportedBus, cfg.Bus.Driver)
		}
		producer, err := kafka.NewPublisher(cfg.Bus.Brokers, opts.Name, rt.Logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		rt.closers = append(rt.closers, producer.Close)
		rt.producer = producer
		pub = producer
		rt.Logger.Info("connected to bus", "driver", cfg.Bus.Driver, "brokers", cfg.Bus.Brokers)

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedBus, cfg.Bus.Driver)
	}

	rt.Bus = bus.NewFacade(sub, pub, BusOptions(cfg), rt.Logger)
	return nil
}

// Topics returns every configured topic, default first.
func (rt *Runtime) Topics() []string {
	ps := rt.Config.PubSub
	topics := []string{ps.DefaultTopic}
	var extra []string
	for name := range ps.Topics {
		if name != ps.DefaultTopic {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(topics, extra...)
}

// Subscriptions maps every configured subscription to its topic. A
// subscription shared by several topics stays on the first of them.
func (rt *Runtime) Subscriptions() map[string]string {
	ps := rt.Config.PubSub
	subs := make(map[string]string)
	for _, topic := range rt.Topics() {
		name := ps.Subscription(topic)
		if _, ok := subs[name]; !ok {
			subs[name] = topic
		}
	}
	return subs
}

// Provision applies migrations and creates the bus resources.
func (rt *Runtime) Provision(ctx context.Context) error {
	if err := rt.DB.Migrate(ctx, rt.Tables); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	rt.Logger.Info("migrations applied")

	switch {
	case rt.transport != nil:
		err := rt.transport.Provision(ctx, rt.Topics(), rt.Subscriptions(), rt.Config.Consumer.AckTimeout())
		if err != nil {
			return fmt.Errorf("provision bus: %w", err)
		}
		rt.Logger.Info("bus provisioned", "topics", rt.Topics(), "subscriptions", len(rt.Subscriptions()))
	case rt.producer != nil:
		configs := make([]kafka.TopicConfig, 0, len(rt.Topics()))
		for _, t := range rt.Topics() {
			configs = append(configs, kafka.DefaultTopicConfig(t))
		}
		if err := rt.producer.EnsureTopics(ctx, configs...); err != nil {
			return fmt.Errorf("provision bus: %w", err)
		}
		rt.Logger.Info("bus provisioned", "topics", rt.Topics())
	}
	return nil
}

// Rollback reverts the newest steps database migrations. Bus resources are
// left in place.
func (rt *Runtime) Rollback(ctx context.Context, steps int) error {
	if err := rt.DB.MigrateDown(ctx, rt.Tables, steps); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	rt.Logger.Info("migrations rolled back", "steps", steps)
	return nil
}

// Describe logs the topic and, when given, the subscription this process
// uses. A missing resource is logged, not returned.
func (rt *Runtime) Describe(ctx context.Context, topic, subscription string) {
	if rt.Bus == nil {
		return
	}
	if subscription != "" {
		ok, err := rt.Bus.SubscriptionExists(ctx, subscription)
		if err != nil || !ok {
			rt.Logger.Warn("subscription not found, run with --migrate to create it", "subscription", subscription, "error", err)
		}
	} else {
		ok, err := rt.Bus.TopicExists(ctx, topic)
		if err != nil || !ok {
			rt.Logger.Warn("topic not found, run with --migrate to create it", "topic", topic, "error", err)
		}
	}

	if rt.transport != nil {
		info, err := rt.transport.Describe(ctx, subscription)
		if err != nil {
			rt.Logger.Warn("describe bus", "error", err)
			return
		}
		rt.Logger.Info("bus info", "topic", topic, "info", info)
	}
}

// DedupStore returns the configured deduplication store.
func (rt *Runtime) DedupStore(ctx context.Context) (dedup.Store, error) {
	cfg := rt.Config.Dedup
	switch cfg.Driver {
	case config.DedupRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		rt.Logger.Info("dedup store ready", "driver", cfg.Driver, "addr", cfg.RedisAddr)
		return dedup.NewRedisStore(client, cfg.RedisPrefix), nil
	default:
		rt.Logger.Info("dedup store ready", "driver", config.DedupPostgres, "table", rt.Tables.Incoming)
		return dedup.NewPostgresStore(rt.DB, rt.Tables), nil
	}
}

// Archiver returns the rejected-payload archive, or a no-op one when
// archiving is disabled.
func (rt *Runtime) Archiver(ctx context.Context) (archive.Archiver, error) {
	cfg := rt.Config.Archive
	if !cfg.Enabled {
		return archive.Nop{}, nil
	}
	a, err := archive.NewMinioArchiver(archive.Config{
		Endpoint:  cfg.Endpoint,
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
	}, rt.Logger)
	if err != nil {
		return nil, err
	}
	if err := a.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// ServeMetrics starts the metrics listener in the background when an
// address is configured.
func (rt *Runtime) ServeMetrics(ctx context.Context) {
	addr := rt.Config.Metrics.Addr
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, addr, rt.Logger); err != nil {
			rt.Logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Close releases every connection in reverse order of opening.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
