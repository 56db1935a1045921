package prodibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	postgresNotifyChannelRuntimeConfigUpdated = "prodibot_reload_runtime_config"
	postgresNotifyChannelStop                 = "prodibot_stop"
)

// DBNotifier announces events to every running bot instance sharing
// the database. With PostgreSQL, this is done with LISTEN/NOTIFY. With
// SQLite, only the local instance is signaled.
type DBNotifier interface {
	// ReloadRuntimeConfig tells bot instances to reload their
	// RuntimeConfig from the database
	ReloadRuntimeConfig(context.Context) bool

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// Channels returns the channel names that should be passed to Listen
	Channels() []string

	// ID identifies this notifier, so it can ignore its own notifications
	ID() string

	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(p *Prodibot) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := p.logger.With(loggerNameKey, "db_notifier")
	switch p.config.DatabaseType {
	case dbTypeSQLite:
		return &localNotifier{logger: log, p: p, id: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{logger: log, p: p, id: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// forwardSignal sends v to ch, giving up when ctx is done
func forwardSignal[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// localNotifier signals only the current process
type localNotifier struct {
	logger *slog.Logger
	p      *Prodibot
	id     string
}

func (n *localNotifier) ID() string {
	return n.id
}

func (*localNotifier) Channels() []string {
	return nil
}

func (n *localNotifier) Listen(_ context.Context, channel string) error {
	n.logger.Debug("listener called", "channel", channel)
	return nil
}

func (n *localNotifier) Stop(ctx context.Context) bool {
	n.logger.Info("notifying stop signal")
	if !forwardSignal(ctx, n.p.signalStop, struct{}{}) {
		n.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (n *localNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	n.logger.Info("notifying runtime config reload")
	select {
	case n.p.triggerRuntimeConfigRefreshCh <- true:
		return true
	case <-ctx.Done():
		n.logger.Warn("timeout sending runtime config refresh signal")
		return false
	default:
		// a refresh is already pending
		return true
	}
}

type postgresNotifier struct {
	logger *slog.Logger
	p      *Prodibot
	id     string
}

func (n *postgresNotifier) ID() string {
	return n.id
}

func (*postgresNotifier) Channels() []string {
	return []string{
		postgresNotifyChannelRuntimeConfigUpdated,
		postgresNotifyChannelStop,
	}
}

func (n *postgresNotifier) notify(ctx context.Context, channel string) bool {
	err := n.p.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		n.ID(),
	).Error
	if err != nil {
		n.logger.ErrorContext(ctx, "error sending NOTIFY", "channel", channel, tint.Err(err))
		return false
	}
	n.logger.InfoContext(ctx, "sent notification", "channel", channel, "pg_notify_id", n.ID())
	return true
}

// Stop notifies other instances, then stops this one. NOTIFY payloads
// from ourselves are ignored by Listen, so the local signal is sent
// directly.
func (n *postgresNotifier) Stop(ctx context.Context) bool {
	sent := n.notify(ctx, postgresNotifyChannelStop)
	if !forwardSignal(ctx, n.p.signalStop, struct{}{}) {
		n.logger.Warn("timeout sending local stop signal")
	}
	return sent
}

func (n *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return n.notify(ctx, postgresNotifyChannelRuntimeConfigUpdated)
}

func (n *postgresNotifier) Listen(ctx context.Context, channel string) error {
	logger := n.logger.With("channel", channel)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(n.p.config.Database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "listening")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second)
			continue
		}
		if notification.Payload == n.ID() {
			logger.Debug("ignoring notification from self")
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
		switch notification.Channel {
		case postgresNotifyChannelRuntimeConfigUpdated:
			if !forwardSignal(sendCtx, n.p.triggerRuntimeConfigRefreshCh, true) {
				logger.Warn("timed out sending runtime config refresh signal")
			}
		case postgresNotifyChannelStop:
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			if !forwardSignal(sendCtx, n.p.signalStop, struct{}{}) {
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("received unknown notification", "notification_channel", notification.Channel)
		}
		cancel()
	}

	return nil
}
