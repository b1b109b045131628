// Package store brings up the shared connections: the Postgres pool that is
// the system of record and the lookup cache for values that never decide a
// recharge.
package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// NewPostgresPool opens the pgx pool and pings it, retrying with exponential
// backoff so a database that is still starting does not kill the process.
func NewPostgresPool(ctx context.Context, connString string, maxConns int, log *logrus.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute

	err = backoff.RetryNotify(
		func() error { return pool.Ping(ctx) },
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next).Warn("postgres not ready")
		},
	)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// NewRedisClient connects and pings Redis with the same bring-up retry.
func NewRedisClient(ctx context.Context, addr, password string, log *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute

	err := backoff.RetryNotify(
		func() error { return client.Ping(ctx).Err() },
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next).Warn("redis not ready")
		},
	)
	if err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
