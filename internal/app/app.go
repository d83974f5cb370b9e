// Package app wires the store, lock, notification sinks and booking service
// shared by every binary.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Nayeam009/vetmedix-sub000/internal/api"
	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
	"github.com/Nayeam009/vetmedix-sub000/internal/config"
	"github.com/Nayeam009/vetmedix-sub000/internal/db"
	"github.com/Nayeam009/vetmedix-sub000/internal/notify"
	redisclient "github.com/Nayeam009/vetmedix-sub000/internal/redis"
)

type Options struct {
	// Migrate applies pending Postgres migrations on start. SQLite is
	// always migrated.
	Migrate bool
	// Sinks enables notification delivery. Tools that never release seats
	// can leave it off.
	Sinks bool
}

type Stack struct {
	Service *booking.Service
	Repo    booking.Repository
	Redis   *redis.Client
	Deps    []api.Dependency

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func Open(ctx context.Context, cfg config.Config, log zerolog.Logger, opts Options) (*Stack, error) {
	s := &Stack{}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	if err := s.openStore(ctx, cfg, log, opts); err != nil {
		return nil, err
	}

	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.Connect(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, err
		}
		s.Redis = rdb
		s.closers = append(s.closers, rdb.Close)
		s.Deps = append(s.Deps, api.Dependency{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, cfg.LockWait)
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	} else {
		if cfg.StoreDriver == config.DriverPostgres {
			log.Warn().Msg("REDIS_ADDR not set, slot locks are local to this process")
		}
		locker = redisclient.NewLocalSlotLocker()
	}

	var sink booking.NotificationSink
	if opts.Sinks {
		sinks, err := notify.New(ctx, cfg, s.Redis, log)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, sinks.Close)
		sink = sinks
	}

	s.Service = booking.NewService(s.Repo, locker, sink, cfg, booking.WithLogger(log))
	ok = true
	return s, nil
}

func (s *Stack) openStore(ctx context.Context, cfg config.Config, log zerolog.Logger, opts Options) error {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.DefaultPoolOptions())
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		log.Info().Msg("connected to postgres")

		if opts.Migrate {
			n, err := db.MigratePostgres(ctx, pool)
			if err != nil {
				return err
			}
			log.Info().Int("applied", n).Msg("postgres migrations done")
		}

		s.Repo = booking.NewPgRepository(pool)
		s.Deps = append(s.Deps, api.Dependency{Name: "postgres", Check: pool.Ping, Required: true})

	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, sqlDB.Close)

		n, err := db.MigrateSQLite(ctx, sqlDB)
		if err != nil {
			return err
		}
		log.Info().Str("path", cfg.SQLitePath).Int("applied", n).Msg("opened sqlite store")

		s.Repo = booking.NewSQLiteRepository(sqlDB)
		s.Deps = append(s.Deps, api.Dependency{Name: "sqlite", Check: sqlDB.PingContext, Required: true})

	case config.DriverMemory:
		log.Warn().Msg("using in-memory store, data is lost on exit")
		s.Repo = booking.NewMemoryRepository()

	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return nil
}

// Migrate applies pending migrations for the configured SQL store.
func Migrate(ctx context.Context, cfg config.Config) (int, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.DefaultPoolOptions())
		if err != nil {
			return 0, err
		}
		defer pool.Close()
		return db.MigratePostgres(ctx, pool)
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return 0, err
		}
		defer sqlDB.Close()
		return db.MigrateSQLite(ctx, sqlDB)
	default:
		return 0, fmt.Errorf("store driver %q has no migrations", cfg.StoreDriver)
	}
}
