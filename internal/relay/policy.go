package relay

import (
	"errors"
	"fmt"
	"time"

	"cctprelay/internal/cctp"
)

// PollingPolicy bounds attestation polling. Jitter adds a random delay in [0, Jitter)
// to every sleep.
type PollingPolicy struct {
	MaxAttempts int           `mapstructure:"maxAttempts" json:"maxAttempts"`
	Interval    time.Duration `mapstructure:"interval" json:"interval"`
	Jitter      time.Duration `mapstructure:"jitter" json:"jitter"`
}

// FastPolicy suits fast-transfer burns (finality threshold 1000), attested within seconds.
func FastPolicy() PollingPolicy {
	return PollingPolicy{MaxAttempts: 60, Interval: 5 * time.Second}
}

// StandardPolicy suits burns waiting for hard finality, which can take over 15 minutes.
func StandardPolicy() PollingPolicy {
	return PollingPolicy{MaxAttempts: 30, Interval: 60 * time.Second}
}

func PolicyFor(threshold cctp.FinalityThreshold) PollingPolicy {
	return Presets{}.For(threshold)
}

func (p PollingPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("polling policy: maxAttempts must be at least 1")
	}
	if p.Interval < 0 {
		return errors.New("polling policy: interval must not be negative")
	}
	if p.Jitter < 0 {
		return errors.New("polling policy: jitter must not be negative")
	}
	return nil
}

// Budget is the nominal time the policy allows, jitter excluded.
func (p PollingPolicy) Budget() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Interval
}

func (p PollingPolicy) IsZero() bool {
	return p == PollingPolicy{}
}

// Presets overrides FastPolicy and StandardPolicy. Zero members keep the built-in preset.
type Presets struct {
	Fast     PollingPolicy `mapstructure:"fast" json:"fast"`
	Standard PollingPolicy `mapstructure:"standard" json:"standard"`
}

// For returns the preset for a V2 finality threshold. Zero selects the standard preset.
func (p Presets) For(threshold cctp.FinalityThreshold) PollingPolicy {
	if threshold != 0 && threshold.IsFast() {
		if p.Fast.IsZero() {
			return FastPolicy()
		}
		return p.Fast
	}
	if p.Standard.IsZero() {
		return StandardPolicy()
	}
	return p.Standard
}

func (p Presets) Validate() error {
	if !p.Fast.IsZero() {
		if err := p.Fast.Validate(); err != nil {
			return fmt.Errorf("fast preset: %w", err)
		}
	}
	if !p.Standard.IsZero() {
		if err := p.Standard.Validate(); err != nil {
			return fmt.Errorf("standard preset: %w", err)
		}
	}
	return nil
}
