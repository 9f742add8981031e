package protocol

import (
	"math/rand"
	"time"
)

// Retry delays between attempts of one command.
const (
	InitialBackoff    = 20 * time.Millisecond
	MaxBackoff        = 500 * time.Millisecond
	BackoffMultiplier = 2.0
	JitterFactor      = 0.25
)

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial" yaml:"initial"`
	Max        time.Duration `mapstructure:"max" yaml:"max"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter     float64       `mapstructure:"jitter" yaml:"jitter"`
}

// Backoff yields growing delays between retries. It belongs to one retry loop
// and is not safe for concurrent use.
type Backoff struct {
	cfg  BackoffConfig
	next time.Duration
	rng  *rand.Rand
}

// NewBackoffWithConfig fills zero fields with the package defaults.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	cfg.Jitter = max(cfg.Jitter, 0)

	return &Backoff{
		cfg:  cfg,
		next: cfg.Initial,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the coming retry: the base delay plus up to
// Jitter times as much again. The base grows by Multiplier up to Max.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = min(time.Duration(float64(b.next)*b.cfg.Multiplier), b.cfg.Max)
	if b.cfg.Jitter > 0 {
		d += time.Duration(float64(d) * b.cfg.Jitter * b.rng.Float64())
	}
	return d
}

// Reset starts over from the initial delay.
func (b *Backoff) Reset() { b.next = b.cfg.Initial }

// RetryPolicy bounds how often a command is repeated after a transient failure.
type RetryPolicy struct {
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
	Backoff  BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff: BackoffConfig{
			Initial:    InitialBackoff,
			Max:        MaxBackoff,
			Multiplier: BackoffMultiplier,
			Jitter:     JitterFactor,
		},
	}
}
