// Package app wires the relay's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"cipherrelay/internal/account"
	"cipherrelay/internal/auth"
	"cipherrelay/internal/config"
	"cipherrelay/internal/delivery"
	"cipherrelay/internal/groupkey"
	"cipherrelay/internal/offline"
	"cipherrelay/internal/relay"
	"cipherrelay/internal/scheduler"
	"cipherrelay/internal/session"
	"cipherrelay/internal/store"
	transport "cipherrelay/internal/transport/http"
	"cipherrelay/internal/transport/ws"

	"gorm.io/gorm"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	DB       *gorm.DB
	Store    *store.Store
	Queue    offline.Queue
	Sessions *session.Registry
	Router   *delivery.Router
	Drainer  *delivery.Drainer
	Groups   *groupkey.Arbiter
	Accounts *account.Service
	Verifier *auth.Verifier
	Relay    *relay.Server

	redis *offline.RedisQueue
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.Open(store.OpenConfig{
		Driver: cfg.DatabaseDriver,
		DSN:    cfg.DatabaseURL,
		LogSQL: cfg.LogLevel == "debug",
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(ctx); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	a := &App{cfg: cfg, log: logger, DB: db, Store: st}
	switch cfg.OfflineBackend {
	case "memory":
		logger.Warn("offline queue is in memory; queued events are lost on restart")
		a.Queue = offline.NewMemoryQueue()
	default:
		rq, err := offline.NewRedisQueue(cfg.RedisURL, cfg.OfflinePrefix, offline.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := rq.Ping(ctx); err != nil {
			logger.Warn("redis not reachable yet", "error", err)
		}
		a.redis = rq
		a.Queue = rq
	}

	opts := delivery.Options{
		StoreTimeout:      cfg.StoreTimeout,
		SendTimeout:       cfg.SendTimeout,
		QueueGroupOffline: cfg.QueueGroupOffline,
		Logger:            logger,
	}
	a.Sessions = session.NewRegistry(logger)
	a.Router = delivery.NewRouter(st.Messages(), st.Identities(), st.Groups(), a.Sessions, a.Queue, opts)
	a.Drainer = delivery.NewDrainer(a.Sessions, a.Queue, opts)
	a.Groups = groupkey.New(st, cfg.MaxGroupMembers, groupkey.WithLogger(logger))
	a.Accounts = account.New(st, a.Groups, a.Queue, a.Sessions, account.Config{
		InactiveAfter: cfg.InactiveAfter,
		Logger:        logger,
	})
	a.Verifier = auth.NewVerifier(st.Identities(), logger)
	a.Relay = relay.NewServer(a.Sessions, a.Router, a.Drainer, a.Accounts, logger)
	return a, nil
}

// Handler serves the HTTP routes and the websocket endpoint.
func (a *App) Handler() http.Handler {
	return transport.NewRouter(transport.Deps{
		Accounts:    a.Accounts,
		Groups:      a.Groups,
		Verifier:    a.Verifier,
		WS:          ws.NewHandler(a.Verifier, a.Relay, a.cfg.CORSOrigins, ws.Config{}, a.log),
		Ready:       a.Ready,
		CORSOrigins: a.cfg.CORSOrigins,
		RateLimit:   a.cfg.RateLimit,
		Logger:      a.log,
	})
}

// Jobs returns the maintenance jobs for the scheduler.
func (a *App) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{
			Name:     "prune-inactive-accounts",
			Schedule: a.cfg.PruneSchedule,
			Run: func(ctx context.Context) (int64, error) {
				n, err := a.Accounts.PruneInactive(ctx)
				return int64(n), err
			},
		},
		{
			Name:     "sweep-expired-messages",
			Schedule: a.cfg.SweepSchedule,
			Timeout:  a.cfg.StoreTimeout * 10,
			Run:      a.Accounts.SweepExpired,
		},
	}
}

func (a *App) Ready(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close disconnects every session and releases the stores.
func (a *App) Close() error {
	a.Sessions.CloseAll()
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}
