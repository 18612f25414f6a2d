package cctp

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEventNotFound means the burn transaction carries no MessageSent event.
	ErrEventNotFound = errors.New("message sent event not found")
	// ErrDecode covers malformed messages and malformed attestation payloads. Never retried.
	ErrDecode = errors.New("decode error")
	// ErrAttestationTimeout means the polling budget ran out while the attestation was pending.
	ErrAttestationTimeout = errors.New("attestation timeout")
	// ErrAttestationFailed means the attestation service reported a failed status.
	ErrAttestationFailed = errors.New("attestation failed")
	// ErrChainNotSupported means a domain has no known protocol deployment for the version.
	ErrChainNotSupported = errors.New("chain not supported")
	// ErrMintReverted means the mint submission failed for a reason other than prior completion.
	ErrMintReverted = errors.New("mint reverted")
	// ErrDomainMismatch means a message has another version or route than the relay was set up for.
	ErrDomainMismatch = errors.New("domain mismatch")
	// ErrNonCanonicalMessage is returned when minting is attempted with a log-derived V2 message.
	ErrNonCanonicalMessage = errors.New("message is not canonical")
)

// alreadyRelayedPatterns are revert reasons emitted by MessageTransmitter deployments
// (and relayed verbatim by RPC providers) when the nonce was consumed before us.
var alreadyRelayedPatterns = []string{
	"nonce already used",
	"already received",
	"already processed",
	"message already received",
	"nonce used",
}

// IsAlreadyRelayed reports whether err carries a revert reason meaning the message was
// already received on the destination chain.
func IsAlreadyRelayed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range alreadyRelayedPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// RateLimitError is returned by attestation adapters when the service answered 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("attestation service rate limited, retry after %s", e.RetryAfter)
}

func decodeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}
