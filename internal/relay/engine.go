package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"cctprelay/internal/cctp"
)

// State is a step of a relay. Minted and AlreadyRelayed are the successful terminal states.
type State string

const (
	StateBurnObserved       State = "burn_observed"
	StateMessageExtracted   State = "message_extracted"
	StateAttestationPending State = "attestation_pending"
	StateAttestationReady   State = "attestation_ready"
	StateMintChecked        State = "mint_checked"
	StateMinted             State = "minted"
	StateAlreadyRelayed     State = "already_relayed"
	StateFailed             State = "failed"
)

func (s State) Terminal() bool {
	return s == StateMinted || s == StateAlreadyRelayed || s == StateFailed
}

func (s State) Succeeded() bool {
	return s == StateMinted || s == StateAlreadyRelayed
}

// MintDecision is derived from a fresh usedNonces read and is never cached.
type MintDecision int

const (
	MustMint MintDecision = iota
	AlreadyCompleted
)

func (d MintDecision) String() string {
	if d == AlreadyCompleted {
		return "already_completed"
	}
	return "must_mint"
}

// RelayError records the state a relay was in when it failed.
type RelayError struct {
	Stage State
	Err   error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay failed in %s: %v", e.Stage, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Outcome is the result of a relay.
type Outcome struct {
	State       State
	BurnTxHash  common.Hash
	Message     cctp.Message
	Attestation []byte
	MintTxHash  common.Hash
	Attempts    int
}

// Config fixes the route an engine relays. A zero Policy selects a preset from the
// message: the fast preset for fast V2 burns, the standard preset otherwise.
type Config struct {
	Version           cctp.Version
	SourceDomain      cctp.Domain
	DestinationDomain cctp.Domain
	Policy            PollingPolicy
	Presets           Presets
}

func (c Config) Validate() error {
	if _, err := cctp.RequireDomain(c.SourceDomain, c.Version); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if _, err := cctp.RequireDomain(c.DestinationDomain, c.Version); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if c.SourceDomain == c.DestinationDomain {
		return fmt.Errorf("%w: source and destination are both %s", cctp.ErrChainNotSupported, c.SourceDomain)
	}
	if !c.Policy.IsZero() {
		if err := c.Policy.Validate(); err != nil {
			return err
		}
	}
	return c.Presets.Validate()
}

// TransitionFunc observes every state an engine enters during Relay.
type TransitionFunc func(Outcome)

// Engine relays burns for one route. It holds no per-transfer state, so a single
// engine may serve concurrent Relay calls.
type Engine struct {
	cfg         Config
	source      BlockchainAccess
	destination BlockchainAccess
	receipts    ReceiptAdapter
	poller      *Poller
	logger      *zap.Logger
	observe     TransitionFunc
}

func NewEngine(cfg Config, source, destination BlockchainAccess, attestations AttestationAccess, clock Clock, receipts ReceiptAdapter, logger *zap.Logger) (*Engine, error) {
	switch {
	case source == nil:
		return nil, errors.New("relay: source chain access is required")
	case destination == nil:
		return nil, errors.New("relay: destination chain access is required")
	case attestations == nil:
		return nil, errors.New("relay: attestation access is required")
	case clock == nil:
		return nil, errors.New("relay: clock is required")
	case receipts == nil:
		return nil, errors.New("relay: receipt adapter is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.Stringer("version", cfg.Version),
		zap.Uint32("source_domain", uint32(cfg.SourceDomain)),
		zap.Uint32("destination_domain", uint32(cfg.DestinationDomain)))

	return &Engine{
		cfg:         cfg,
		source:      source,
		destination: destination,
		receipts:    receipts,
		poller:      NewPoller(attestations, clock, logger),
		logger:      logger,
	}, nil
}

// OnTransition registers fn to be called on each state change. Not safe to call
// concurrently with Relay.
func (e *Engine) OnTransition(fn TransitionFunc) {
	e.observe = fn
}

func (e *Engine) Config() Config { return e.cfg }

// ExtractMessage reads the message emitted by a burn transaction. V1 messages are
// canonical as extracted. V2 messages carry a placeholder nonce and are not.
func (e *Engine) ExtractMessage(ctx context.Context, burnTx common.Hash) (cctp.Message, error) {
	receipt, err := e.source.TransactionReceipt(ctx, burnTx)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return cctp.Message{}, fmt.Errorf("%w: no receipt for %s", cctp.ErrEventNotFound, burnTx.Hex())
	}
	if err != nil {
		return cctp.Message{}, fmt.Errorf("fetch burn receipt: %w", err)
	}

	raw, err := e.receipts.ExtractMessage(receipt)
	if err != nil {
		return cctp.Message{}, err
	}
	msg, err := cctp.Parse(raw)
	if err != nil {
		return cctp.Message{}, err
	}

	if msg.Version != e.cfg.Version {
		return cctp.Message{}, fmt.Errorf("%w: burn emitted a %s message, relay expects %s", cctp.ErrDomainMismatch, msg.Version, e.cfg.Version)
	}
	if msg.SourceDomain != e.cfg.SourceDomain || msg.DestinationDomain != e.cfg.DestinationDomain {
		return cctp.Message{}, fmt.Errorf("%w: message routes %s -> %s, relay expects %s -> %s",
			cctp.ErrDomainMismatch, msg.SourceDomain, msg.DestinationDomain, e.cfg.SourceDomain, e.cfg.DestinationDomain)
	}
	msg.Canonical = msg.Version == cctp.V1
	return msg, nil
}

// AwaitAttestation polls until the message is attested. For V2 the returned message
// is the canonical one parsed from the attestation response.
func (e *Engine) AwaitAttestation(ctx context.Context, burnTx common.Hash, msg cctp.Message) (cctp.Message, cctp.AttestationResult, error) {
	var query cctp.AttestationQuery
	if msg.Version == cctp.V1 {
		query = cctp.V1Query(msg)
	} else {
		query = cctp.V2Query(msg.SourceDomain, burnTx)
	}

	result, err := e.poller.Poll(ctx, query, e.policyFor(msg))
	if err != nil {
		return msg, result, err
	}
	if result.Status == cctp.StatusFailed {
		return msg, result, result.Reason
	}

	if msg.Version == cctp.V1 {
		msg.Canonical = true
		return msg, result, nil
	}

	canonical, err := cctp.Parse(result.Message)
	if err != nil {
		return msg, result, fmt.Errorf("attested message: %w", err)
	}
	if !msg.SameRoute(canonical) {
		return msg, result, fmt.Errorf("%w: attested message does not match the burn log", cctp.ErrDecode)
	}
	canonical.Canonical = true
	return canonical, result, nil
}

func (e *Engine) policyFor(msg cctp.Message) PollingPolicy {
	if !e.cfg.Policy.IsZero() {
		return e.cfg.Policy
	}
	if msg.Version == cctp.V2 {
		return e.cfg.Presets.For(cctp.FinalityThreshold(msg.MinFinalityThreshold))
	}
	return e.cfg.Presets.For(0)
}

// CheckMint reads usedNonces on the destination chain.
func (e *Engine) CheckMint(ctx context.Context, msg cctp.Message) (MintDecision, error) {
	if !msg.Canonical {
		return MustMint, cctp.ErrNonCanonicalMessage
	}
	used, err := e.destination.IsNonceUsed(ctx, msg.UsedNonceKey())
	if err != nil {
		return MustMint, fmt.Errorf("check used nonce: %w", err)
	}
	if used {
		return AlreadyCompleted, nil
	}
	return MustMint, nil
}

// MintResult reports how MintIfNeeded concluded.
type MintResult struct {
	State  State
	TxHash common.Hash
}

// MintIfNeeded submits receiveMessage unless the nonce is already consumed. A revert
// caused by a competing relayer landing first is reported as StateAlreadyRelayed.
func (e *Engine) MintIfNeeded(ctx context.Context, msg cctp.Message, attestation []byte) (MintResult, error) {
	if !msg.Canonical {
		return MintResult{}, cctp.ErrNonCanonicalMessage
	}

	decision, err := e.CheckMint(ctx, msg)
	if err != nil {
		return MintResult{}, err
	}
	if decision == AlreadyCompleted {
		e.logger.Info("Message already received on destination, skipping mint",
			zap.String("nonce_key", msg.UsedNonceKey().Hex()))
		return MintResult{State: StateAlreadyRelayed}, nil
	}

	txHash, err := e.destination.ReceiveMessage(ctx, msg.Bytes(), attestation)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return MintResult{}, err
		}
		if cctp.IsAlreadyRelayed(err) {
			// txHash, when set, is our reverted transaction, not the mint.
			e.logger.Info("Mint lost race to another relayer",
				zap.String("nonce_key", msg.UsedNonceKey().Hex()),
				zap.String("reverted_tx", txHash.Hex()),
				zap.String("reason", err.Error()))
			return MintResult{State: StateAlreadyRelayed}, nil
		}
		return MintResult{}, fmt.Errorf("%w: %w", cctp.ErrMintReverted, err)
	}

	e.logger.Info("Mint submitted", zap.String("tx_hash", txHash.Hex()))
	return MintResult{State: StateMinted, TxHash: txHash}, nil
}

// Relay runs the whole flow for one burn. Failures are *RelayError values whose
// Stage is the state the relay had reached.
func (e *Engine) Relay(ctx context.Context, burnTx common.Hash) (Outcome, error) {
	out := Outcome{State: StateBurnObserved, BurnTxHash: burnTx}
	e.transition(&out, StateBurnObserved)
	log := e.logger.With(zap.String("burn_tx", burnTx.Hex()))

	msg, err := e.ExtractMessage(ctx, burnTx)
	if err != nil {
		return e.fail(&out, log, err)
	}
	out.Message = msg
	e.transition(&out, StateMessageExtracted)

	e.transition(&out, StateAttestationPending)
	msg, result, err := e.AwaitAttestation(ctx, burnTx, msg)
	out.Attempts = result.Attempts
	if err != nil {
		return e.fail(&out, log, err)
	}
	out.Message = msg
	out.Attestation = result.Attestation
	e.transition(&out, StateAttestationReady)

	minted, err := e.MintIfNeeded(ctx, msg, result.Attestation)
	if err != nil {
		if errors.Is(err, cctp.ErrMintReverted) {
			out.State = StateMintChecked
		}
		return e.fail(&out, log, err)
	}
	e.transition(&out, StateMintChecked)
	out.MintTxHash = minted.TxHash
	e.transition(&out, minted.State)

	log.Info("Relay finished",
		zap.String("state", string(out.State)),
		zap.Int("attestation_attempts", out.Attempts),
		zap.String("mint_tx", out.MintTxHash.Hex()))
	return out, nil
}

func (e *Engine) transition(out *Outcome, state State) {
	out.State = state
	if e.observe != nil {
		e.observe(*out)
	}
}

func (e *Engine) fail(out *Outcome, log *zap.Logger, err error) (Outcome, error) {
	relayErr := &RelayError{Stage: out.State, Err: err}
	log.Error("Relay failed",
		zap.String("stage", string(out.State)),
		zap.Bool("retryable", Retryable(err)),
		zap.Error(err))
	e.transition(out, StateFailed)
	return *out, relayErr
}

// Retryable reports whether re-running a failed relay may succeed. Timeouts, rate
// limits and transport errors are retryable. Protocol and decode failures are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var rateLimited *cctp.RateLimitError
	switch {
	case errors.Is(err, cctp.ErrAttestationTimeout), errors.As(err, &rateLimited):
		return true
	case errors.Is(err, context.Canceled):
		return true
	case errors.Is(err, cctp.ErrDecode),
		errors.Is(err, cctp.ErrAttestationFailed),
		errors.Is(err, cctp.ErrEventNotFound),
		errors.Is(err, cctp.ErrChainNotSupported),
		errors.Is(err, cctp.ErrDomainMismatch),
		errors.Is(err, cctp.ErrNonCanonicalMessage),
		errors.Is(err, cctp.ErrMintReverted):
		return false
	}
	return true
}
