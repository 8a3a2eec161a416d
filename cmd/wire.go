package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"

	"github.com/alimasry/collab-ot/broadcast"
	"github.com/alimasry/collab-ot/config"
	"github.com/alimasry/collab-ot/session"
	"github.com/alimasry/collab-ot/store"
)

// closers runs cleanup functions in reverse order of registration.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStore builds the configured backend, wrapped in a write-behind cache
// when enabled. Cleanup is registered on cl.
func openStore(ctx context.Context, c config.StoreConfig, logger *slog.Logger, cl *closers) (store.Store, error) {
	var st store.Store
	switch c.Backend {
	case "memory":
		st = store.NewMemoryStore()
	case "firestore":
		client, err := firestore.NewClient(ctx, c.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		cl.add(client.Close)
		st = store.NewFirestoreStore(client, c.Firestore.Collection)
	case "mysql":
		db, err := store.OpenMySQL(c.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("mysql pool: %w", err)
		}
		cl.add(sqlDB.Close)
		gs := store.NewGormStore(db)
		if c.MySQL.Migrate {
			if err := gs.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		st = gs
	case "badger":
		bs, err := store.OpenBadgerStore(store.BadgerConfig{
			Path:       c.Badger.Path,
			InMemory:   c.Badger.InMemory,
			SyncWrites: c.Badger.SyncWrites,
			Logger:     logger.With("component", "badger"),
		})
		if err != nil {
			return nil, err
		}
		cl.add(bs.Close)
		st = bs
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Backend)
	}

	if c.Cache {
		cs := store.NewCachedStore(st, c.FlushInterval, logger)
		// Registered last so it flushes before the backend closes.
		cl.add(func() error { cs.Close(); return nil })
		st = cs
	}
	return st, nil
}

// openPublisher builds the enabled publishers. With none enabled it returns
// broadcast.Nop.
func openPublisher(c config.BroadcastConfig, logger *slog.Logger, cl *closers) (broadcast.Publisher, error) {
	var pubs broadcast.Multi
	if c.Kafka.Enabled {
		producer, err := broadcast.NewKafkaProducer(c.Kafka.Brokers)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		opt := broadcast.DefaultKafkaOptions()
		if c.Kafka.QueueSize > 0 {
			opt.QueueSize = c.Kafka.QueueSize
		}
		if c.Kafka.Workers > 0 {
			opt.Workers = c.Kafka.Workers
		}
		if c.Kafka.MaxInFlight > 0 {
			opt.MaxInFlight = c.Kafka.MaxInFlight
		}
		if c.Kafka.MaxRetry > 0 {
			opt.MaxRetry = c.Kafka.MaxRetry
		}
		if c.Kafka.BaseBackoff > 0 {
			opt.BaseBackoff = c.Kafka.BaseBackoff
		}
		if c.Kafka.MaxBackoff > 0 {
			opt.MaxBackoff = c.Kafka.MaxBackoff
		}
		kp := broadcast.NewKafkaPublisher(producer, c.Kafka.Topic, opt, logger)
		cl.add(kp.Close)
		pubs = append(pubs, kp)
	}
	if c.Redis.Enabled {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Redis.Addrs,
			Password: c.Redis.Password,
		})
		cl.add(rdb.Close)
		pubs = append(pubs, broadcast.NewRedisPublisher(rdb, c.Redis.Prefix))
	}
	switch len(pubs) {
	case 0:
		return broadcast.Nop{}, nil
	case 1:
		return pubs[0], nil
	default:
		return pubs, nil
	}
}

func sessionOptions(c config.SessionConfig) session.Options {
	opts := session.DefaultOptions()
	opts.SnapshotEvery = c.SnapshotEvery
	opts.IdleTimeout = c.IdleTimeout
	if c.WriteTimeout > 0 {
		opts.WriteTimeout = c.WriteTimeout
	}
	return opts
}
