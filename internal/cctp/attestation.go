package cctp

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AttestationQuery identifies the attestation to fetch. V1 is keyed by the message
// content hash, V2 by the burn transaction on its source domain.
type AttestationQuery struct {
	Version      Version
	MessageHash  common.Hash
	SourceDomain Domain
	TxHash       common.Hash

	// Index selects among the messages emitted by one V2 transaction.
	Index int
}

func V1Query(msg Message) AttestationQuery {
	return AttestationQuery{Version: V1, MessageHash: msg.ContentHash(), SourceDomain: msg.SourceDomain}
}

func V2Query(source Domain, burnTx common.Hash) AttestationQuery {
	return AttestationQuery{Version: V2, SourceDomain: source, TxHash: burnTx}
}

func (q AttestationQuery) String() string {
	if q.Version == V1 {
		return fmt.Sprintf("v1 message %s", q.MessageHash.Hex())
	}
	return fmt.Sprintf("v2 tx %s on %s (#%d)", q.TxHash.Hex(), q.SourceDomain, q.Index)
}

// AttestationResponse is one attestation entry as served by the attestation service.
// Payload fields stay raw strings so that malformed values are classified instead of
// failing JSON decoding. A nil pointer means the field was absent or null.
type AttestationResponse struct {
	Status      string  `json:"status"`
	Attestation *string `json:"attestation"`
	Message     *string `json:"message,omitempty"`
	EventNonce  string  `json:"eventNonce,omitempty"`
}

// Status is the normalized state of an attestation.
type Status int

const (
	StatusPending Status = iota
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// AttestationResult is a classified response. Reason is set only when Status is StatusFailed.
type AttestationResult struct {
	Status      Status
	Attestation []byte

	// Message is the canonical message returned with V2 attestations.
	Message []byte
	Reason  error

	// Attempts is the number of service calls made, filled in by pollers.
	Attempts int
}

func (r AttestationResult) Ready() bool {
	return r.Status == StatusComplete
}

// Statuses reported by the service.
const (
	ServiceStatusComplete             = "complete"
	ServiceStatusPending              = "pending"
	ServiceStatusPendingConfirmations = "pending_confirmations"
	ServiceStatusFailed               = "failed"
)

// DecodePayload normalizes an attestation or message field. A field that is absent,
// null, empty, "0x" or the literal PENDING (any case) is not ready. Anything else must be hex.
func DecodePayload(field *string) (data []byte, ready bool, err error) {
	if field == nil {
		return nil, false, nil
	}
	s := strings.TrimSpace(*field)
	if s == "" || strings.EqualFold(s, "pending") {
		return nil, false, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if s == "" {
		return nil, false, nil
	}
	data, err = hex.DecodeString(s)
	if err != nil {
		return nil, false, decodeErrorf("payload is not hex: %v", err)
	}
	return data, true, nil
}

// Classify maps a raw response onto Pending, Complete or Failed. It never panics and
// never reports a malformed payload as pending.
func Classify(version Version, resp AttestationResponse) AttestationResult {
	attestation, attestationReady, err := DecodePayload(resp.Attestation)
	if err != nil {
		return failed(fmt.Errorf("attestation field: %w", err))
	}
	message, messageReady, err := DecodePayload(resp.Message)
	if err != nil {
		return failed(fmt.Errorf("message field: %w", err))
	}

	status := strings.ToLower(strings.TrimSpace(resp.Status))
	switch status {
	case ServiceStatusFailed:
		return failed(ErrAttestationFailed)
	case ServiceStatusComplete:
		if !attestationReady {
			return AttestationResult{Status: StatusPending}
		}
		if version == V2 && !messageReady {
			return AttestationResult{Status: StatusPending}
		}
		return AttestationResult{Status: StatusComplete, Attestation: attestation, Message: message}
	case ServiceStatusPending, ServiceStatusPendingConfirmations, "":
		return AttestationResult{Status: StatusPending}
	}
	return failed(decodeErrorf("unknown attestation status %q", resp.Status))
}

func failed(reason error) AttestationResult {
	return AttestationResult{Status: StatusFailed, Reason: reason}
}
