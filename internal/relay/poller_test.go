package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cctprelay/internal/cctp"
	"cctprelay/internal/iris"
)

var pollStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPoller(steps ...iris.FakeStep) (*Poller, *iris.FakeClient, *ManualClock) {
	fake := iris.NewFakeClient(steps...)
	clock := NewManualClock(pollStart)
	return NewPoller(fake, clock, zap.NewNop()), fake, clock
}

func v1Query() cctp.AttestationQuery {
	return cctp.AttestationQuery{Version: cctp.V1}
}

func threeAttempts() PollingPolicy {
	return PollingPolicy{MaxAttempts: 3, Interval: 10 * time.Second}
}

func TestPollTimesOut(t *testing.T) {
	poller, fake, clock := newTestPoller(iris.Pending())

	result, err := poller.Poll(context.Background(), v1Query(), threeAttempts())

	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.ErrorIs(t, err, cctp.ErrAttestationTimeout)
	assert.Equal(t, 3, timeout.Attempts)
	assert.Equal(t, 20*time.Second, timeout.Elapsed)
	assert.EqualError(t, err, "attestation timeout: still pending after 3 attempts (20s)")
	assert.Equal(t, cctp.StatusPending, result.Status)
	assert.Equal(t, 3, fake.Calls())
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, clock.Sleeps())
}

func TestPollCompletesAfterPending(t *testing.T) {
	poller, fake, clock := newTestPoller(iris.Pending(), iris.Pending(), iris.Complete([]byte{0xaa}, nil))

	result, err := poller.Poll(context.Background(), v1Query(), threeAttempts())
	require.NoError(t, err)

	assert.Equal(t, cctp.StatusComplete, result.Status)
	assert.Equal(t, []byte{0xaa}, result.Attestation)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, fake.Calls())
	assert.Len(t, clock.Sleeps(), 2)
}

func TestPollSingleAttemptDoesNotSleep(t *testing.T) {
	poller, _, clock := newTestPoller(iris.Pending())

	_, err := poller.Poll(context.Background(), v1Query(), PollingPolicy{MaxAttempts: 1, Interval: time.Minute})
	assert.ErrorIs(t, err, cctp.ErrAttestationTimeout)
	assert.Empty(t, clock.Sleeps())
}

func TestPollFailsFastOnMalformedPayload(t *testing.T) {
	bad := "not_valid_hex"
	poller, fake, clock := newTestPoller(iris.Respond(cctp.AttestationResponse{Status: "complete", Attestation: &bad}))

	result, err := poller.Poll(context.Background(), v1Query(), threeAttempts())
	require.NoError(t, err)

	assert.Equal(t, cctp.StatusFailed, result.Status)
	assert.ErrorIs(t, result.Reason, cctp.ErrDecode)
	assert.Equal(t, 1, fake.Calls())
	assert.Empty(t, clock.Sleeps())
}

func TestPollTreatsCorruptResponseAsFailed(t *testing.T) {
	corrupt := fmt.Errorf("get attestation failed: %w: unexpected end of JSON input", cctp.ErrDecode)
	poller, fake, _ := newTestPoller(iris.Fail(corrupt))

	result, err := poller.Poll(context.Background(), v1Query(), threeAttempts())
	require.NoError(t, err)
	assert.Equal(t, cctp.StatusFailed, result.Status)
	assert.ErrorIs(t, result.Reason, cctp.ErrDecode)
	assert.Equal(t, 1, fake.Calls())
}

func TestPollServiceReportedFailure(t *testing.T) {
	poller, _, _ := newTestPoller(iris.Respond(cctp.AttestationResponse{Status: "failed"}))

	result, err := poller.Poll(context.Background(), v1Query(), threeAttempts())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Reason, cctp.ErrAttestationFailed)
}

func TestPollRateLimitCountsAsPendingAttempt(t *testing.T) {
	poller, fake, clock := newTestPoller(
		iris.Fail(&cctp.RateLimitError{RetryAfter: 45 * time.Second}),
		iris.Fail(&cctp.RateLimitError{RetryAfter: time.Second}),
		iris.Complete([]byte{0x01}, nil),
	)

	result, err := poller.Poll(context.Background(), v1Query(), threeAttempts())
	require.NoError(t, err)
	assert.Equal(t, cctp.StatusComplete, result.Status)
	assert.Equal(t, 3, fake.Calls())
	assert.Equal(t, []time.Duration{45 * time.Second, 10 * time.Second}, clock.Sleeps())
}

func TestPollReturnsTransportErrors(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	poller, fake, clock := newTestPoller(iris.Fail(boom))

	_, err := poller.Poll(context.Background(), v1Query(), threeAttempts())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, fake.Calls())
	assert.Empty(t, clock.Sleeps())
}

func TestPollHonoursCancellation(t *testing.T) {
	poller, fake, _ := newTestPoller(iris.Pending())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := poller.Poll(ctx, v1Query(), threeAttempts())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fake.Calls())
}

func TestPollAddsJitter(t *testing.T) {
	poller, _, clock := newTestPoller(iris.Pending())
	poller.jitter = func(limit time.Duration) time.Duration { return limit / 2 }

	policy := PollingPolicy{MaxAttempts: 2, Interval: 10 * time.Second, Jitter: 4 * time.Second}
	_, err := poller.Poll(context.Background(), v1Query(), policy)
	assert.ErrorIs(t, err, cctp.ErrAttestationTimeout)
	assert.Equal(t, []time.Duration{12 * time.Second}, clock.Sleeps())
}

func TestPollRejectsInvalidPolicy(t *testing.T) {
	poller, fake, _ := newTestPoller(iris.Pending())
	_, err := poller.Poll(context.Background(), v1Query(), PollingPolicy{})
	assert.Error(t, err)
	assert.Equal(t, 0, fake.Calls())
}

func TestRandomJitterBounds(t *testing.T) {
	assert.Equal(t, time.Duration(0), randomJitter(0))
	for i := 0; i < 50; i++ {
		j := randomJitter(time.Second)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, time.Second)
	}
}
