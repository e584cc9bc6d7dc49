package session

import "time"

// Legacy client identity sent with every request.
const (
	DefaultAPIVersion     int64 = 6
	DefaultClientRevision int64 = 237
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// RetryConfig bounds retries of a single request after a temporary
// transport failure. MaxAttempts counts the first try.
type RetryConfig struct {
	MaxAttempts int
	Backoff     BackoffConfig
}

// Config defines request identity and reliability defaults.
type Config struct {
	APIVersion       int64
	ClientRevision   int64
	RequestTimeout   time.Duration
	MaxEnvelopeBytes uint32
	Retry            RetryConfig
}

func DefaultConfig() Config {
	return Config{
		APIVersion:       DefaultAPIVersion,
		ClientRevision:   DefaultClientRevision,
		RequestTimeout:   60 * time.Second,
		MaxEnvelopeBytes: 8 * 1024 * 1024,
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff: BackoffConfig{
				InitialDelay: 250 * time.Millisecond,
				Multiplier:   2.0,
				MaxDelay:     5 * time.Second,
				Jitter:       true,
			},
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.APIVersion == 0 {
		c.APIVersion = def.APIVersion
	}
	if c.ClientRevision == 0 {
		c.ClientRevision = def.ClientRevision
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MaxEnvelopeBytes == 0 {
		c.MaxEnvelopeBytes = def.MaxEnvelopeBytes
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.Backoff == (BackoffConfig{}) {
		c.Retry.Backoff = def.Retry.Backoff
	}
	return c
}
