package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cctprelay/internal/cctp"
)

func TestPollingPolicy(t *testing.T) {
	t.Run("presets", func(t *testing.T) {
		assert.Equal(t, 5*time.Minute, FastPolicy().Budget())
		assert.Equal(t, 30*time.Minute, StandardPolicy().Budget())
		assert.NoError(t, FastPolicy().Validate())
		assert.NoError(t, StandardPolicy().Validate())
	})

	t.Run("policy for finality threshold", func(t *testing.T) {
		assert.Equal(t, FastPolicy(), PolicyFor(cctp.FinalityFast))
		assert.Equal(t, FastPolicy(), PolicyFor(500))
		assert.Equal(t, StandardPolicy(), PolicyFor(cctp.FinalityStandard))
		assert.Equal(t, StandardPolicy(), PolicyFor(0))
	})

	t.Run("validation", func(t *testing.T) {
		assert.Error(t, PollingPolicy{MaxAttempts: 0, Interval: time.Second}.Validate())
		assert.Error(t, PollingPolicy{MaxAttempts: 1, Interval: -time.Second}.Validate())
		assert.Error(t, PollingPolicy{MaxAttempts: 1, Jitter: -time.Second}.Validate())
		assert.NoError(t, PollingPolicy{MaxAttempts: 1}.Validate())
	})

	t.Run("preset overrides", func(t *testing.T) {
		fast := PollingPolicy{MaxAttempts: 3, Interval: time.Second}
		presets := Presets{Fast: fast}
		assert.Equal(t, fast, presets.For(cctp.FinalityFast))
		assert.Equal(t, StandardPolicy(), presets.For(cctp.FinalityStandard))
		assert.NoError(t, presets.Validate())
		assert.Error(t, Presets{Standard: PollingPolicy{Interval: time.Second}}.Validate())
	})
}
