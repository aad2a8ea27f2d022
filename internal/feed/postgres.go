package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"procure/internal/storage"
)

// PostgresFeed listens on the channel the schema triggers notify.
type PostgresFeed struct {
	dsn string
	log *zap.Logger
	d   *dispatcher
}

func NewPostgresFeed(dsn string, log *zap.Logger) *PostgresFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresFeed{dsn: dsn, log: log, d: newDispatcher(TableRequests, TableSourcingOptions)}
}

func (f *PostgresFeed) Subscribe(ctx context.Context, table string, events []EventType, h Handler) (Subscription, error) {
	return f.d.subscribe(ctx, table, events, h)
}

func (f *PostgresFeed) Run(ctx context.Context) error {
	listener := pq.NewListener(f.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			f.log.Warn("feed listener connection failed", zap.Error(err))
		case pq.ListenerEventDisconnected:
			f.log.Warn("feed listener disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			f.log.Info("feed listener reconnected")
		}
	})
	defer listener.Close()

	if err := listener.Listen(storage.NotifyChannel); err != nil {
		return err
	}
	f.log.Info("feed listening", zap.String("channel", storage.NotifyChannel))

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect; notifications sent while down are lost.
			if n == nil {
				continue
			}
			f.handle(n.Extra)
		case <-time.After(90 * time.Second):
			go func() { _ = listener.Ping() }()
		}
	}
}

func (f *PostgresFeed) handle(payload string) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		f.log.Warn("feed payload ignored", zap.String("payload", payload), zap.Error(err))
		return
	}
	f.d.dispatch(c)
}
