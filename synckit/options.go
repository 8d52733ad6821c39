package synckit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

// Config holds the engine's tunables. Zero fields take the defaults from DefaultConfig.
type Config struct {
	Concurrency      int                  `json:"concurrency" yaml:"concurrency"`
	MaxQueueSize     int                  `json:"maxQueueSize" yaml:"maxQueueSize"`
	MaxRetries       int                  `json:"maxRetries" yaml:"maxRetries"`
	BaseDelay        time.Duration        `json:"baseDelay" yaml:"baseDelay"`
	MaxDelay         time.Duration        `json:"maxDelay" yaml:"maxDelay"`
	ExecTimeout      time.Duration        `json:"execTimeout" yaml:"execTimeout"`
	ConflictWindow   time.Duration        `json:"conflictWindow" yaml:"conflictWindow"`
	ConflictTimeout  time.Duration        `json:"conflictTimeout" yaml:"conflictTimeout"`
	SweepInterval    time.Duration        `json:"sweepInterval" yaml:"sweepInterval"`
	MonitorInterval  time.Duration        `json:"monitorInterval" yaml:"monitorInterval"`
	DefaultPolicy    Policy               `json:"defaultPolicy" yaml:"defaultPolicy"`
	DefaultRateLimit RateLimit            `json:"defaultRateLimit" yaml:"defaultRateLimit"`
	RateLimits       map[string]RateLimit `json:"rateLimits,omitempty" yaml:"rateLimits,omitempty"`
	Health           HealthThresholds     `json:"health" yaml:"health"`
	SubscriberBuffer int                  `json:"subscriberBuffer" yaml:"subscriberBuffer"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      5,
		MaxQueueSize:     DefaultMaxQueueSize,
		MaxRetries:       DefaultMaxRetries,
		BaseDelay:        DefaultBaseDelay,
		MaxDelay:         DefaultMaxDelay,
		ExecTimeout:      DefaultExecTimeout,
		ConflictWindow:   DefaultConflictWindow,
		ConflictTimeout:  DefaultConflictTimeout,
		SweepInterval:    time.Minute,
		MonitorInterval:  time.Minute,
		DefaultPolicy:    PolicyManual,
		Health:           DefaultHealthThresholds(),
		SubscriberBuffer: DefaultSubscriberBuffer,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = d.ConflictWindow
	}
	if c.ConflictTimeout <= 0 {
		c.ConflictTimeout = d.ConflictTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = d.DefaultPolicy
	}
	if c.Health == (HealthThresholds{}) {
		c.Health = d.Health
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = d.SubscriberBuffer
	}
	return c
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	if !c.DefaultPolicy.Valid() || c.DefaultPolicy == PolicyTimeout {
		return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("synckit"), syncErrors.KindConfig,
			fmt.Sprintf("unknown default policy %q", c.DefaultPolicy))
	}
	if c.MaxDelay < c.BaseDelay {
		return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("synckit"), syncErrors.KindConfig,
			fmt.Sprintf("maxDelay %s is shorter than baseDelay %s", c.MaxDelay, c.BaseDelay))
	}
	for id, rl := range c.RateLimits {
		if rl.Limit < 0 || rl.Window < 0 {
			return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("synckit"), syncErrors.KindConfig,
				fmt.Sprintf("negative rate limit for marketplace %q", id))
		}
	}
	return nil
}

// options collects everything New needs.
type options struct {
	config       Config
	store        Store
	logger       *slog.Logger
	metrics      MetricsCollector
	now          func() time.Time
	adapters     map[string]MarketplaceAdapter
	rules        []SyncRule
	resolverOpts []ResolverOption
}

// Option is a functional option for New.
type Option func(*options) error

// WithConfig replaces the whole configuration. Zero fields still get defaults.
func WithConfig(cfg Config) Option {
	return func(o *options) error {
		o.config = cfg
		return nil
	}
}

// WithStore sets the persistence backend. The default is an in-memory store.
func WithStore(s Store) Option {
	return func(o *options) error {
		if s == nil {
			return errors.New("store must not be nil")
		}
		o.store = s
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// WithAdapter registers the adapter for one marketplace.
func WithAdapter(marketplaceID string, adapter MarketplaceAdapter) Option {
	return func(o *options) error {
		if marketplaceID == "" || marketplaceID == AnyMarketplace {
			return fmt.Errorf("invalid marketplace id %q", marketplaceID)
		}
		if adapter == nil {
			return fmt.Errorf("nil adapter for marketplace %q", marketplaceID)
		}
		o.adapters[marketplaceID] = adapter
		return nil
	}
}

// WithMetricsCollector sets the metrics hook.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) error {
		o.metrics = m
		return nil
	}
}

// WithClock overrides the clock used for timestamps and conflict windows.
// Rate limiting and retry timers always run on wall-clock time.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		o.now = now
		return nil
	}
}

// WithRateLimit sets the quota for one marketplace.
func WithRateLimit(marketplaceID string, limit RateLimit) Option {
	return func(o *options) error {
		if o.config.RateLimits == nil {
			o.config.RateLimits = make(map[string]RateLimit)
		}
		o.config.RateLimits[marketplaceID] = limit
		return nil
	}
}

// WithConcurrency sets the number of workers.
func WithConcurrency(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("concurrency must be positive, got %d", n)
		}
		o.config.Concurrency = n
		return nil
	}
}

// WithRetry sets the retry budget and backoff bounds.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(o *options) error {
		o.config.MaxRetries = maxRetries
		o.config.BaseDelay = baseDelay
		o.config.MaxDelay = maxDelay
		return nil
	}
}

// WithRules seeds rules that are added when the engine starts.
func WithRules(rules ...SyncRule) Option {
	return func(o *options) error {
		for _, r := range rules {
			if err := r.Validate(); err != nil {
				return err
			}
		}
		o.rules = append(o.rules, rules...)
		return nil
	}
}

// WithResolver passes options through to the conflict resolver.
func WithResolver(opts ...ResolverOption) Option {
	return func(o *options) error {
		o.resolverOpts = append(o.resolverOpts, opts...)
		return nil
	}
}
