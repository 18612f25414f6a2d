package relay

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"cctprelay/internal/cctp"
)

// BlockchainAccess is the engine's view of one chain. The source chain serves
// receipts, the destination chain serves nonce checks and mint submission.
type BlockchainAccess interface {
	// TransactionReceipt returns ethereum.NotFound (or a nil receipt) when the
	// transaction is unknown.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	// IsNonceUsed is a read-only usedNonces lookup on the MessageTransmitter.
	IsNonceUsed(ctx context.Context, key common.Hash) (bool, error)
	// ReceiveMessage submits the mint and returns once the transaction succeeded.
	// Reverts surface as errors carrying the provider's revert reason.
	ReceiveMessage(ctx context.Context, message, attestation []byte) (common.Hash, error)
}

// HealthChecker is implemented by capabilities that can report connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// AttestationAccess fetches one attestation entry. A transaction or message the
// service has not indexed yet is reported as a pending response, not an error.
type AttestationAccess interface {
	Fetch(ctx context.Context, query cctp.AttestationQuery) (cctp.AttestationResponse, error)
}

// ReceiptAdapter pulls the raw message bytes out of a burn receipt.
type ReceiptAdapter interface {
	ExtractMessage(receipt *types.Receipt) ([]byte, error)
}
