package modem

import (
	"log/slog"
	"time"
)

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

// Config holds the settings of a Conn and of the Driver built from it.
type Config struct {
	Dialer Dialer
	// EchoOn keeps command echo enabled. Echoed lines are still dropped.
	EchoOn bool
	// ATTimeout is the default in-flight timeout of a command.
	ATTimeout time.Duration
	// InitTimeout bounds the handshake performed by New.
	InitTimeout time.Duration
	// ResponseWindow is how long Issue waits for a final result code before
	// reporting the command as still executing.
	ResponseWindow time.Duration
	// PollInterval is the delay between steps of a blocking Driver.
	PollInterval time.Duration
	// StepTimeout is the time budget of a blocking Driver. Zero is unbounded.
	StepTimeout time.Duration
	// HistorySize is the number of completed results kept for Result.
	HistorySize int
	// URCBuffer is the capacity of the URC channel.
	URCBuffer int
	// MaxLineLength bounds a single response line.
	MaxLineLength int
	Logger        *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.ResponseWindow == 0 {
		c.ResponseWindow = 50 * time.Millisecond
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HistorySize == 0 {
		c.HistorySize = 16
	}
	if c.URCBuffer == 0 {
		c.URCBuffer = 100
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = 64 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Driver returns a Driver using the poll interval, step timeout and logger
// of the configuration.
func (c Config) Driver() Driver {
	return Driver{
		Interval: c.PollInterval,
		Timeout:  c.StepTimeout,
		Logger:   c.Logger,
	}
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithEcho(on bool) *ConfigBuilder {
	b.config.EchoOn = on
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithResponseWindow(d time.Duration) *ConfigBuilder {
	b.config.ResponseWindow = d
	return b
}

func (b *ConfigBuilder) WithPollInterval(d time.Duration) *ConfigBuilder {
	b.config.PollInterval = d
	return b
}

// WithStepTimeout sets the budget of blocking operations. Zero keeps them
// unbounded.
func (b *ConfigBuilder) WithStepTimeout(d time.Duration) *ConfigBuilder {
	b.config.StepTimeout = d
	return b
}

func (b *ConfigBuilder) WithHistorySize(n int) *ConfigBuilder {
	b.config.HistorySize = n
	return b
}

func (b *ConfigBuilder) WithURCBuffer(n int) *ConfigBuilder {
	b.config.URCBuffer = n
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
