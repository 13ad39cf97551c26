package loom

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Default sizing for a mid-sized embedded deployment. Every value can be
// overridden per Runtime through Config or a TOML overlay.
const (
	// DefaultMaxActors is the default actor slot count.
	DefaultMaxActors = 256

	// DefaultStackSize is the default per-actor stack reservation in
	// bytes.
	DefaultStackSize = 16 * 1024

	// DefaultStackArenaSize is the default arena backing actor stacks.
	DefaultStackArenaSize = 1024 * 1024

	// DefaultMailboxEntryPoolSize is the default shared mailbox entry
	// count across all actors.
	DefaultMailboxEntryPoolSize = 1024

	// DefaultMessageDataPoolSize is the default count of payload blocks
	// for asynchronous messages.
	DefaultMessageDataPoolSize = 512

	// DefaultSyncBufferPoolSize is the default count of pinned buffers
	// for synchronous sends. Kept separate from the async payload pool
	// so synchronous traffic cannot starve asynchronous traffic or vice
	// versa.
	DefaultSyncBufferPoolSize = 64

	// DefaultMaxMessageSize is the default payload capacity in bytes of
	// one message.
	DefaultMaxMessageSize = 256

	// DefaultMaxBuses is the default number of bus slots.
	DefaultMaxBuses = 16

	// DefaultMaxBusEntries is the default ring capacity per bus.
	DefaultMaxBusEntries = 64

	// DefaultMaxBusSubscribers is the default subscriber cap per bus.
	DefaultMaxBusSubscribers = 16

	// DefaultLinkEntryPoolSize is the default capacity of the link
	// entry pool. Each link consumes two entries, one per direction.
	DefaultLinkEntryPoolSize = 256

	// DefaultMonitorEntryPoolSize is the default capacity of the
	// monitor entry pool.
	DefaultMonitorEntryPoolSize = 256

	// DefaultTimerEntryPoolSize is the default capacity of the timer
	// record pool.
	DefaultTimerEntryPoolSize = 256

	// DefaultCompletionQueueSize is the default per-provider completion
	// ring capacity.
	DefaultCompletionQueueSize = 128

	// DefaultSchedulerIdleSleep bounds how long the scheduler sleeps
	// when no actor is runnable and no deadline is near.
	DefaultSchedulerIdleSleep = 10 * time.Millisecond
)

// Config carries the sizing knobs of one Runtime. All pools are allocated
// up front at New; the runtime performs no allocation of pooled records
// afterward.
type Config struct {
	// MaxActors is the actor table slot count.
	MaxActors int `toml:"max_actors"`

	// DefaultStackSize is the stack reservation used when a spawn does
	// not override it.
	DefaultStackSize int `toml:"default_stack_size"`

	// StackArenaSize is the byte size of the stack arena.
	StackArenaSize int `toml:"stack_arena_size"`

	// MailboxEntryPoolSize is the shared mailbox entry count.
	MailboxEntryPoolSize int `toml:"mailbox_entry_pool_size"`

	// MessageDataPoolSize is the async payload block count.
	MessageDataPoolSize int `toml:"message_data_pool_size"`

	// SyncBufferPoolSize is the pinned sync buffer count.
	SyncBufferPoolSize int `toml:"sync_buffer_pool_size"`

	// MaxMessageSize is the payload capacity of one message in bytes.
	MaxMessageSize int `toml:"max_message_size"`

	// MaxBuses is the bus slot count.
	MaxBuses int `toml:"max_buses"`

	// MaxBusEntries is the default ring capacity of a bus.
	MaxBusEntries int `toml:"max_bus_entries"`

	// MaxBusSubscribers is the default subscriber cap of a bus.
	MaxBusSubscribers int `toml:"max_bus_subscribers"`

	// LinkEntryPoolSize is the link entry pool capacity.
	LinkEntryPoolSize int `toml:"link_entry_pool_size"`

	// MonitorEntryPoolSize is the monitor entry pool capacity.
	MonitorEntryPoolSize int `toml:"monitor_entry_pool_size"`

	// TimerEntryPoolSize is the timer record pool capacity.
	TimerEntryPoolSize int `toml:"timer_entry_pool_size"`

	// CompletionQueueSize is the capacity of each I/O provider's
	// completion ring.
	CompletionQueueSize int `toml:"completion_queue_size"`

	// SchedulerIdleSleep bounds the scheduler's idle sleep between
	// wakeups when nothing is runnable.
	SchedulerIdleSleep time.Duration `toml:"scheduler_idle_sleep"`
}

// DefaultConfig returns the default runtime sizing.
func DefaultConfig() Config {
	return Config{
		MaxActors:            DefaultMaxActors,
		DefaultStackSize:     DefaultStackSize,
		StackArenaSize:       DefaultStackArenaSize,
		MailboxEntryPoolSize: DefaultMailboxEntryPoolSize,
		MessageDataPoolSize:  DefaultMessageDataPoolSize,
		SyncBufferPoolSize:   DefaultSyncBufferPoolSize,
		MaxMessageSize:       DefaultMaxMessageSize,
		MaxBuses:             DefaultMaxBuses,
		MaxBusEntries:        DefaultMaxBusEntries,
		MaxBusSubscribers:    DefaultMaxBusSubscribers,
		LinkEntryPoolSize:    DefaultLinkEntryPoolSize,
		MonitorEntryPoolSize: DefaultMonitorEntryPoolSize,
		TimerEntryPoolSize:   DefaultTimerEntryPoolSize,
		CompletionQueueSize:  DefaultCompletionQueueSize,
		SchedulerIdleSleep:   DefaultSchedulerIdleSleep,
	}
}

// duration adapts time.Duration to TOML's text form ("10ms", "2s").
type duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)

	return nil
}

// fileConfig is the TOML shape of Config; only the duration field needs
// the adapter type.
type fileConfig struct {
	MaxActors            *int      `toml:"max_actors"`
	DefaultStackSize     *int      `toml:"default_stack_size"`
	StackArenaSize       *int      `toml:"stack_arena_size"`
	MailboxEntryPoolSize *int      `toml:"mailbox_entry_pool_size"`
	MessageDataPoolSize  *int      `toml:"message_data_pool_size"`
	SyncBufferPoolSize   *int      `toml:"sync_buffer_pool_size"`
	MaxMessageSize       *int      `toml:"max_message_size"`
	MaxBuses             *int      `toml:"max_buses"`
	MaxBusEntries        *int      `toml:"max_bus_entries"`
	MaxBusSubscribers    *int      `toml:"max_bus_subscribers"`
	LinkEntryPoolSize    *int      `toml:"link_entry_pool_size"`
	MonitorEntryPoolSize *int      `toml:"monitor_entry_pool_size"`
	TimerEntryPoolSize   *int      `toml:"timer_entry_pool_size"`
	CompletionQueueSize  *int      `toml:"completion_queue_size"`
	SchedulerIdleSleep   *duration `toml:"scheduler_idle_sleep"`
}

// LoadConfig reads a TOML file over the default configuration. Fields
// absent from the file keep their defaults, so a deployment tunes only
// what it must.
func LoadConfig(path string) (Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return Config{}, fmt.Errorf("unable to load config: %w", err)
	}

	cfg := DefaultConfig()
	overlay := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	overlay(&cfg.MaxActors, fc.MaxActors)
	overlay(&cfg.DefaultStackSize, fc.DefaultStackSize)
	overlay(&cfg.StackArenaSize, fc.StackArenaSize)
	overlay(&cfg.MailboxEntryPoolSize, fc.MailboxEntryPoolSize)
	overlay(&cfg.MessageDataPoolSize, fc.MessageDataPoolSize)
	overlay(&cfg.SyncBufferPoolSize, fc.SyncBufferPoolSize)
	overlay(&cfg.MaxMessageSize, fc.MaxMessageSize)
	overlay(&cfg.MaxBuses, fc.MaxBuses)
	overlay(&cfg.MaxBusEntries, fc.MaxBusEntries)
	overlay(&cfg.MaxBusSubscribers, fc.MaxBusSubscribers)
	overlay(&cfg.LinkEntryPoolSize, fc.LinkEntryPoolSize)
	overlay(&cfg.MonitorEntryPoolSize, fc.MonitorEntryPoolSize)
	overlay(&cfg.TimerEntryPoolSize, fc.TimerEntryPoolSize)
	overlay(&cfg.CompletionQueueSize, fc.CompletionQueueSize)
	if fc.SchedulerIdleSleep != nil {
		cfg.SchedulerIdleSleep = time.Duration(*fc.SchedulerIdleSleep)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validate rejects configurations the runtime cannot honor.
func (c *Config) validate() error {
	switch {
	case c.MaxActors <= 0:
		return fmt.Errorf("%w: max_actors must be positive",
			ErrInvalidArgument)

	case c.DefaultStackSize <= 0:
		return fmt.Errorf("%w: default_stack_size must be positive",
			ErrInvalidArgument)

	case c.StackArenaSize < c.DefaultStackSize:
		return fmt.Errorf("%w: stack arena smaller than one stack",
			ErrInvalidArgument)

	case c.MaxMessageSize <= 0:
		return fmt.Errorf("%w: max_message_size must be positive",
			ErrInvalidArgument)

	case c.MailboxEntryPoolSize <= 0 || c.MessageDataPoolSize <= 0 ||
		c.SyncBufferPoolSize <= 0:

		return fmt.Errorf("%w: message pools must be positive",
			ErrInvalidArgument)

	case c.MaxBuses < 0 || c.MaxBusEntries <= 0 ||
		c.MaxBusSubscribers <= 0:

		return fmt.Errorf("%w: bus sizing must be positive",
			ErrInvalidArgument)

	case c.SchedulerIdleSleep <= 0:
		return fmt.Errorf("%w: scheduler_idle_sleep must be positive",
			ErrInvalidArgument)
	}

	return nil
}
