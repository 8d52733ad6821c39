package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/marketsync/logging"
)

// RuleChange is the payload published by the rules table trigger.
type RuleChange struct {
	Op string `json:"op"` // "put" or "delete"
	ID string `json:"id"`
}

// RuleChangeHandler reacts to a rule change made by any process sharing the database.
type RuleChangeHandler func(ctx context.Context, change RuleChange) error

// SubscriptionManager fans notifications out to the handlers of a channel.
type SubscriptionManager struct {
	subscriptions map[string][]RuleChangeHandler
	mu            stdSync.RWMutex
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscriptions: make(map[string][]RuleChangeHandler),
	}
}

// Subscribe adds a handler for a specific channel
func (sm *SubscriptionManager) Subscribe(channel string, handler RuleChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscriptions[channel] = append(sm.subscriptions[channel], handler)
}

// Unsubscribe removes every handler for a channel
func (sm *SubscriptionManager) Unsubscribe(channel string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.subscriptions, channel)
}

// GetChannels returns all subscribed channels
func (sm *SubscriptionManager) GetChannels() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	channels := make([]string, 0, len(sm.subscriptions))
	for channel := range sm.subscriptions {
		channels = append(channels, channel)
	}
	return channels
}

// HandleNotification decodes payload and calls every handler of channel. All
// handlers run even when one fails; the first error is returned.
func (sm *SubscriptionManager) HandleNotification(ctx context.Context, channel, payload string) error {
	sm.mu.RLock()
	handlers := append([]RuleChangeHandler(nil), sm.subscriptions[channel]...)
	sm.mu.RUnlock()
	if len(handlers) == 0 {
		return nil
	}

	var change RuleChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return fmt.Errorf("failed to parse notification payload: %w", err)
	}

	var first error
	for _, handler := range handlers {
		if err := handler(ctx, change); err != nil && first == nil {
			first = fmt.Errorf("handler error for channel %s: %w", channel, err)
		}
	}
	return first
}

// NotificationListener holds a dedicated LISTEN connection for rule changes.
type NotificationListener struct {
	channel string
	logger  *logging.Logger

	listener *pq.Listener
	closed   int32 // atomic

	subscriptions *SubscriptionManager
	pingInterval  time.Duration

	done chan struct{}
}

// NewNotificationListener opens a background LISTEN connection for config's
// rules channel. OnRuleChange blocks until that connection is up.
func NewNotificationListener(config *Config) (*NotificationListener, error) {
	if config == nil || config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}
	config.setDefaults()

	nl := &NotificationListener{
		channel:       config.RulesChannel(),
		logger:        config.Logger.WithComponent(logging.Component("postgres-listener")),
		subscriptions: NewSubscriptionManager(),
		pingInterval:  3 * config.NotificationTimeout,
		done:          make(chan struct{}),
	}
	nl.listener = pq.NewListener(
		config.ConnectionString,
		config.ReconnectInterval,
		config.MaxReconnectInterval,
		nl.eventCallback,
	)
	return nl, nil
}

func (nl *NotificationListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		nl.logger.Info("connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		nl.logger.Warn("disconnected from PostgreSQL", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		// pq re-issues LISTEN for every channel after a reconnect, but
		// notifications sent while disconnected are lost.
		nl.logger.Info("reconnected to PostgreSQL")
		_ = nl.subscriptions.HandleNotification(context.Background(), nl.channel, `{"op":"reconnect"}`)
	case pq.ListenerEventConnectionAttemptFailed:
		nl.logger.Warn("connection attempt failed", slog.Any("error", err))
	}
}

// OnRuleChange registers handler and starts listening on the rules channel.
func (nl *NotificationListener) OnRuleChange(handler RuleChangeHandler) error {
	if atomic.LoadInt32(&nl.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}
	first := len(nl.subscriptions.GetChannels()) == 0
	nl.subscriptions.Subscribe(nl.channel, handler)
	if !first {
		return nil
	}
	if err := nl.listener.Listen(nl.channel); err != nil {
		nl.subscriptions.Unsubscribe(nl.channel)
		return fmt.Errorf("failed to listen to channel %s: %w", nl.channel, err)
	}
	nl.logger.Info("listening for rule changes", slog.String("channel", nl.channel))
	return nil
}

// Start runs the notification loop until ctx is cancelled or Close is called.
func (nl *NotificationListener) Start(ctx context.Context) error {
	if atomic.LoadInt32(&nl.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}
	go nl.listenLoop(ctx)
	return nil
}

func (nl *NotificationListener) listenLoop(ctx context.Context) {
	defer nl.logger.Debug("notification listener stopped")

	ticker := time.NewTicker(nl.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-nl.done:
			return
		case n := <-nl.listener.Notify:
			// A nil notification follows a reconnect and is reported through eventCallback.
			if n == nil {
				continue
			}
			nl.logger.Debug("rule change notification", slog.String("channel", n.Channel), slog.String("payload", n.Extra))
			if err := nl.subscriptions.HandleNotification(ctx, n.Channel, n.Extra); err != nil {
				nl.logger.Error("rule change handler failed", slog.Any("error", err))
			}
		case <-ticker.C:
			go func() {
				if err := nl.listener.Ping(); err != nil {
					nl.logger.Warn("listener ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

// Channel returns the notification channel name.
func (nl *NotificationListener) Channel() string {
	return nl.channel
}

// Close shuts down the listener. Calling Close twice is a no-op.
func (nl *NotificationListener) Close() error {
	if !atomic.CompareAndSwapInt32(&nl.closed, 0, 1) {
		return nil
	}
	close(nl.done)
	if nl.listener != nil {
		return nl.listener.Close()
	}
	return nil
}
