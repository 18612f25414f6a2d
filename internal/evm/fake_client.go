package evm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// FakeChain is an in-memory chain for tests and dry runs. Mints consume the message
// nonce the way MessageTransmitter does and revert when it is already used.
type FakeChain struct {
	mu          sync.Mutex
	receipts    map[common.Hash]*types.Receipt
	used        map[common.Hash]bool
	submissions []Submission
	nonceChecks int
	mintCalls   int
	mintErr     error
	beforeMint  func(key common.Hash)
	pingErr     error
}

// Submission is a receiveMessage call seen by a FakeChain.
type Submission struct {
	Message     []byte
	Attestation []byte
	TxHash      common.Hash
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		receipts: make(map[common.Hash]*types.Receipt),
		used:     make(map[common.Hash]bool),
	}
}

// AddBurn stores a successful receipt for tx carrying one MessageSent log.
func (f *FakeChain) AddBurn(tx common.Hash, emitter common.Address, message []byte) error {
	lg, err := MessageSentLog(emitter, message)
	if err != nil {
		return err
	}
	lg.TxHash = tx
	f.AddReceipt(&types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: tx,
		Logs:   []*types.Log{lg},
	})
	return nil
}

func (f *FakeChain) AddReceipt(receipt *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[receipt.TxHash] = receipt
}

func (f *FakeChain) MarkNonceUsed(key common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used[key] = true
}

// FailMintsWith makes every following mint return err.
func (f *FakeChain) FailMintsWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mintErr = err
}

// BeforeMint registers fn to run between the nonce check and the mint, which is
// where a competing relayer can land its own receiveMessage.
func (f *FakeChain) BeforeMint(fn func(key common.Hash)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeMint = fn
}

func (f *FakeChain) FailPingWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *FakeChain) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Submission, len(f.submissions))
	copy(out, f.submissions)
	return out
}

func (f *FakeChain) NonceChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonceChecks
}

// MintCalls counts receiveMessage calls, reverted ones included.
func (f *FakeChain) MintCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mintCalls
}

func (f *FakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *FakeChain) IsNonceUsed(ctx context.Context, key common.Hash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceChecks++
	return f.used[key], nil
}

func (f *FakeChain) ReceiveMessage(ctx context.Context, message, attestation []byte) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	key, ok := nonceKey(message)
	if !ok {
		return common.Hash{}, errors.New("execution reverted: Invalid message length")
	}

	f.mu.Lock()
	f.mintCalls++
	hook := f.beforeMint
	f.mu.Unlock()
	if hook != nil {
		hook(key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mintErr != nil {
		return common.Hash{}, f.mintErr
	}
	txHash := crypto.Keccak256Hash(message, attestation)
	if f.used[key] {
		// Mined and reverted, as Client reports a race lost after submission.
		return txHash, fmt.Errorf("receiveMessage %s reverted: nonce already used", txHash.Hex())
	}
	f.used[key] = true
	f.submissions = append(f.submissions, Submission{
		Message:     append([]byte(nil), message...),
		Attestation: append([]byte(nil), attestation...),
		TxHash:      txHash,
	})
	return txHash, nil
}

func (f *FakeChain) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}
