package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cctprelay/internal/cctp"
	"cctprelay/internal/evm"
	"cctprelay/internal/iris"
)

var (
	transmitter = common.HexToAddress("0xbd3fa81b58ba92a82136038b25adec7066af3155")
	burnTxHash  = common.HexToHash("0x9f8d2c1b0a0e5f3d4c6b7a8e9d0c1b2a3f4e5d6c7b8a9f0e1d2c3b4a5f6e7d8c")
	attestation = []byte{0x5a, 0x5a, 0x5a}
)

type fixture struct {
	source      *evm.FakeChain
	destination *evm.FakeChain
	attester    *iris.FakeClient
	clock       *ManualClock
	engine      *Engine
}

func newFixture(t *testing.T, cfg Config, steps ...iris.FakeStep) *fixture {
	t.Helper()
	f := &fixture{
		source:      evm.NewFakeChain(),
		destination: evm.NewFakeChain(),
		attester:    iris.NewFakeClient(steps...),
		clock:       NewManualClock(pollStart),
	}
	engine, err := NewEngine(cfg, f.source, f.destination, f.attester, f.clock, evm.NewReceiptAdapter(transmitter), zap.NewNop())
	require.NoError(t, err)
	f.engine = engine
	return f
}

func v1Config() Config {
	return Config{
		Version:           cctp.V1,
		SourceDomain:      cctp.DomainEthereum,
		DestinationDomain: cctp.DomainArbitrum,
		Policy:            PollingPolicy{MaxAttempts: 5, Interval: time.Second},
	}
}

func v2Config() Config {
	return Config{
		Version:           cctp.V2,
		SourceDomain:      cctp.DomainBase,
		DestinationDomain: cctp.DomainLinea,
		Policy:            PollingPolicy{MaxAttempts: 5, Interval: time.Second},
	}
}

func v1Message(nonce uint64) cctp.Message {
	msg := cctp.Message{
		Version:           cctp.V1,
		SourceDomain:      cctp.DomainEthereum,
		DestinationDomain: cctp.DomainArbitrum,
		Sender:            common.HexToHash("0x01"),
		Recipient:         common.HexToHash("0x02"),
		Body:              make([]byte, cctp.BurnBodySizeV1),
	}
	msg.Nonce[31] = byte(nonce)
	msg.Raw = msg.Encode()
	return msg
}

// v2Messages returns the log form (zero nonce) and the attested form of one V2 message.
func v2Messages() (logMsg, canonical cctp.Message) {
	logMsg = cctp.Message{
		Version:              cctp.V2,
		SourceDomain:         cctp.DomainBase,
		DestinationDomain:    cctp.DomainLinea,
		Sender:               common.HexToHash("0x0a"),
		Recipient:            common.HexToHash("0x0b"),
		MinFinalityThreshold: uint32(cctp.FinalityFast),
		Body:                 make([]byte, cctp.BurnBodySizeV2),
	}
	canonical = logMsg
	canonical.Nonce = common.HexToHash("0x7f3e9c2a11aa22bb33cc44dd55ee66ff7f3e9c2a11aa22bb33cc44dd55ee66ff")
	canonical.FinalityThresholdExecuted = uint32(cctp.FinalityFast)
	logMsg.Raw = logMsg.Encode()
	canonical.Raw = canonical.Encode()
	return logMsg, canonical
}

func TestRelayV1EndToEnd(t *testing.T) {
	f := newFixture(t, v1Config(), iris.Pending(), iris.Pending(), iris.Complete(attestation, nil))
	msg := v1Message(9)
	require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, msg.Raw))

	out, err := f.engine.Relay(context.Background(), burnTxHash)
	require.NoError(t, err)

	assert.Equal(t, StateMinted, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, f.attester.Calls())
	assert.Len(t, f.clock.Sleeps(), 2)
	assert.Equal(t, msg.ContentHash(), f.attester.Queries()[0].MessageHash)

	subs := f.destination.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, msg.Raw, subs[0].Message)
	assert.Equal(t, attestation, subs[0].Attestation)
	assert.Equal(t, subs[0].TxHash, out.MintTxHash)
}

func TestRelayV2MintsCanonicalMessage(t *testing.T) {
	logMsg, canonical := v2Messages()
	f := newFixture(t, v2Config(), iris.Pending(), iris.Complete(attestation, canonical.Raw))
	require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, logMsg.Raw))

	out, err := f.engine.Relay(context.Background(), burnTxHash)
	require.NoError(t, err)

	assert.Equal(t, StateMinted, out.State)
	assert.True(t, out.Message.Canonical)
	assert.Equal(t, canonical.Nonce, out.Message.Nonce)

	q := f.attester.Queries()[0]
	assert.Equal(t, cctp.V2, q.Version)
	assert.Equal(t, burnTxHash, q.TxHash)
	assert.Equal(t, cctp.DomainBase, q.SourceDomain)

	subs := f.destination.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, canonical.Raw, subs[0].Message)
	assert.NotEqual(t, logMsg.Raw, subs[0].Message)

	used, err := f.destination.IsNonceUsed(context.Background(), canonical.Nonce)
	require.NoError(t, err)
	assert.True(t, used)
}

func TestRelaySkipsConsumedNonce(t *testing.T) {
	f := newFixture(t, v1Config(), iris.Complete(attestation, nil))
	msg := v1Message(3)
	require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, msg.Raw))
	f.destination.MarkNonceUsed(msg.UsedNonceKey())

	out, err := f.engine.Relay(context.Background(), burnTxHash)
	require.NoError(t, err)

	assert.Equal(t, StateAlreadyRelayed, out.State)
	assert.Equal(t, 0, f.destination.MintCalls())
	assert.Equal(t, 1, f.destination.NonceChecks())
}

func TestRelayLostRaceIsAlreadyRelayed(t *testing.T) {
	f := newFixture(t, v1Config(), iris.Complete(attestation, nil))
	msg := v1Message(4)
	require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, msg.Raw))
	f.destination.BeforeMint(f.destination.MarkNonceUsed)

	out, err := f.engine.Relay(context.Background(), burnTxHash)
	require.NoError(t, err)

	assert.Equal(t, StateAlreadyRelayed, out.State)
	assert.Equal(t, 1, f.destination.MintCalls())
	assert.Empty(t, f.destination.Submissions())
	assert.Equal(t, common.Hash{}, out.MintTxHash, "reverted transaction must not be reported as the mint")
}

func TestRelayMintReverted(t *testing.T) {
	f := newFixture(t, v1Config(), iris.Complete(attestation, nil))
	require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, v1Message(5).Raw))
	f.destination.FailMintsWith(errors.New("execution reverted: Invalid attestation length"))

	out, err := f.engine.Relay(context.Background(), burnTxHash)

	var relayErr *RelayError
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, StateMintChecked, relayErr.Stage)
	assert.ErrorIs(t, err, cctp.ErrMintReverted)
	assert.Contains(t, err.Error(), "Invalid attestation length")
	assert.Equal(t, StateFailed, out.State)
	assert.False(t, Retryable(err))
}

func TestRelayFailures(t *testing.T) {
	t.Run("missing receipt", func(t *testing.T) {
		f := newFixture(t, v1Config())
		_, err := f.engine.Relay(context.Background(), burnTxHash)

		var relayErr *RelayError
		require.True(t, errors.As(err, &relayErr))
		assert.Equal(t, StateBurnObserved, relayErr.Stage)
		assert.ErrorIs(t, err, cctp.ErrEventNotFound)
		assert.Equal(t, 0, f.attester.Calls())
	})

	t.Run("domain mismatch", func(t *testing.T) {
		f := newFixture(t, v1Config())
		msg := v1Message(1)
		msg.DestinationDomain = cctp.DomainBase
		require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, msg.Encode()))

		_, err := f.engine.Relay(context.Background(), burnTxHash)
		assert.ErrorIs(t, err, cctp.ErrDomainMismatch)
	})

	t.Run("version mismatch", func(t *testing.T) {
		f := newFixture(t, v1Config())
		logMsg, _ := v2Messages()
		require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, logMsg.Raw))

		_, err := f.engine.Relay(context.Background(), burnTxHash)
		assert.ErrorIs(t, err, cctp.ErrDomainMismatch)
	})

	t.Run("malformed message", func(t *testing.T) {
		f := newFixture(t, v1Config())
		require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, []byte{0, 0, 0, 0, 1}))

		_, err := f.engine.Relay(context.Background(), burnTxHash)
		assert.ErrorIs(t, err, cctp.ErrDecode)
		assert.False(t, Retryable(err))
	})

	t.Run("attestation timeout", func(t *testing.T) {
		f := newFixture(t, v1Config(), iris.Pending())
		require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, v1Message(1).Raw))

		out, err := f.engine.Relay(context.Background(), burnTxHash)
		var relayErr *RelayError
		require.True(t, errors.As(err, &relayErr))
		assert.Equal(t, StateAttestationPending, relayErr.Stage)
		assert.ErrorIs(t, err, cctp.ErrAttestationTimeout)
		assert.True(t, Retryable(err))
		assert.Equal(t, 5, out.Attempts)
		assert.Equal(t, 0, f.destination.MintCalls())
	})

	t.Run("attestation failed", func(t *testing.T) {
		f := newFixture(t, v1Config(), iris.Respond(cctp.AttestationResponse{Status: "failed"}))
		require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, v1Message(1).Raw))

		_, err := f.engine.Relay(context.Background(), burnTxHash)
		assert.ErrorIs(t, err, cctp.ErrAttestationFailed)
		assert.Equal(t, 0, f.destination.MintCalls())
	})

	t.Run("attested message does not match the log", func(t *testing.T) {
		logMsg, canonical := v2Messages()
		canonical.Recipient = common.HexToHash("0xdead")
		f := newFixture(t, v2Config(), iris.Complete(attestation, canonical.Encode()))
		require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, logMsg.Raw))

		_, err := f.engine.Relay(context.Background(), burnTxHash)
		assert.ErrorIs(t, err, cctp.ErrDecode)
		assert.Equal(t, 0, f.destination.MintCalls())
	})
}

func TestExtractMessageCanonicalFlag(t *testing.T) {
	t.Run("v1 is canonical", func(t *testing.T) {
		f := newFixture(t, v1Config())
		require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, v1Message(1).Raw))

		msg, err := f.engine.ExtractMessage(context.Background(), burnTxHash)
		require.NoError(t, err)
		assert.True(t, msg.Canonical)
	})

	t.Run("v2 log message is not", func(t *testing.T) {
		logMsg, _ := v2Messages()
		f := newFixture(t, v2Config())
		require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, logMsg.Raw))

		msg, err := f.engine.ExtractMessage(context.Background(), burnTxHash)
		require.NoError(t, err)
		assert.False(t, msg.Canonical)
		assert.True(t, msg.HasPlaceholderNonce())
	})
}

func TestMintIfNeededRefusesNonCanonical(t *testing.T) {
	logMsg, _ := v2Messages()
	f := newFixture(t, v2Config())

	_, err := f.engine.MintIfNeeded(context.Background(), logMsg, attestation)
	assert.ErrorIs(t, err, cctp.ErrNonCanonicalMessage)
	assert.Equal(t, 0, f.destination.NonceChecks())
	assert.Equal(t, 0, f.destination.MintCalls())
}

func TestCheckMint(t *testing.T) {
	f := newFixture(t, v1Config())
	msg := v1Message(2)
	msg.Canonical = true

	decision, err := f.engine.CheckMint(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, MustMint, decision)

	f.destination.MarkNonceUsed(msg.UsedNonceKey())
	decision, err = f.engine.CheckMint(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, AlreadyCompleted, decision)
}

func TestRelayReportsTransitions(t *testing.T) {
	f := newFixture(t, v1Config(), iris.Complete(attestation, nil))
	require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, v1Message(6).Raw))

	var states []State
	f.engine.OnTransition(func(o Outcome) { states = append(states, o.State) })

	_, err := f.engine.Relay(context.Background(), burnTxHash)
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateBurnObserved,
		StateMessageExtracted,
		StateAttestationPending,
		StateAttestationReady,
		StateMintChecked,
		StateMinted,
	}, states)
}

func TestRelayUsesPresetPolicyForV2Threshold(t *testing.T) {
	logMsg, _ := v2Messages()
	cfg := v2Config()
	cfg.Policy = PollingPolicy{}
	f := newFixture(t, cfg, iris.Pending())
	require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, logMsg.Raw))

	_, err := f.engine.Relay(context.Background(), burnTxHash)
	assert.ErrorIs(t, err, cctp.ErrAttestationTimeout)
	assert.Equal(t, FastPolicy().MaxAttempts, f.attester.Calls())
	assert.Equal(t, FastPolicy().Interval, f.clock.Sleeps()[0])
}

func TestRelayUsesConfiguredPresets(t *testing.T) {
	logMsg, _ := v2Messages()
	cfg := v2Config()
	cfg.Policy = PollingPolicy{}
	cfg.Presets = Presets{Fast: PollingPolicy{MaxAttempts: 2, Interval: 3 * time.Second}}
	f := newFixture(t, cfg, iris.Pending())
	require.NoError(t, f.source.AddBurn(burnTxHash, transmitter, logMsg.Raw))

	_, err := f.engine.Relay(context.Background(), burnTxHash)
	assert.ErrorIs(t, err, cctp.ErrAttestationTimeout)
	assert.Equal(t, 2, f.attester.Calls())
	assert.Equal(t, []time.Duration{3 * time.Second}, f.clock.Sleeps())
}

func TestNewEngineValidation(t *testing.T) {
	chain := evm.NewFakeChain()
	attester := iris.NewFakeClient()
	clock := NewManualClock(pollStart)
	receipts := evm.NewReceiptAdapter()

	_, err := NewEngine(v1Config(), nil, chain, attester, clock, receipts, nil)
	assert.Error(t, err)
	_, err = NewEngine(v1Config(), chain, chain, nil, clock, receipts, nil)
	assert.Error(t, err)
	_, err = NewEngine(v1Config(), chain, chain, attester, nil, receipts, nil)
	assert.Error(t, err)
	_, err = NewEngine(v1Config(), chain, chain, attester, clock, nil, nil)
	assert.Error(t, err)

	cfg := v1Config()
	cfg.DestinationDomain = cctp.DomainLinea
	_, err = NewEngine(cfg, chain, chain, attester, clock, receipts, nil)
	assert.ErrorIs(t, err, cctp.ErrChainNotSupported)

	cfg = v1Config()
	cfg.DestinationDomain = cfg.SourceDomain
	_, err = NewEngine(cfg, chain, chain, attester, clock, receipts, nil)
	assert.ErrorIs(t, err, cctp.ErrChainNotSupported)

	cfg = v1Config()
	cfg.Policy = PollingPolicy{MaxAttempts: -1}
	_, err = NewEngine(cfg, chain, chain, attester, clock, receipts, nil)
	assert.Error(t, err)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(&TimeoutError{Attempts: 3}))
	assert.True(t, Retryable(&cctp.RateLimitError{}))
	assert.True(t, Retryable(errors.New("connection reset by peer")))
	assert.False(t, Retryable(cctp.ErrDecode))
	assert.False(t, Retryable(&RelayError{Stage: StateBurnObserved, Err: cctp.ErrEventNotFound}))
}
