package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"cctprelay/internal/cctp"
)

// Client talks to one chain's MessageTransmitter. Without a private key it is
// read-only, which is all a source chain needs.
type Client struct {
	client       *ethclient.Client
	contract     *bind.BoundContract
	address      common.Address
	chainID      *big.Int
	transacts    *bind.TransactOpts
	pollInterval time.Duration
	logger       *zap.Logger
}

type ClientConfig struct {
	RPCURL             string
	PrivateKeyHex      string
	MessageTransmitter string

	// ReceiptPollInterval is how often a submitted mint is checked for inclusion.
	ReceiptPollInterval time.Duration
}

func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.MessageTransmitter) {
		return nil, fmt.Errorf("message transmitter address is invalid: %q", cfg.MessageTransmitter)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	address := common.HexToAddress(cfg.MessageTransmitter)
	c := &Client{
		client:       cli,
		contract:     bind.NewBoundContract(address, transmitterABI, cli, cli, cli),
		address:      address,
		chainID:      chainID,
		pollInterval: cfg.ReceiptPollInterval,
		logger:       logger.With(zap.String("chain_id", chainID.String()), zap.String("transmitter", address.Hex())),
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}

	if cfg.PrivateKeyHex != "" {
		pk, err := parsePrivateKey(cfg.PrivateKeyHex)
		if err != nil {
			cli.Close()
			return nil, err
		}
		txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("transactor: %w", err)
		}
		txOpts.GasLimit = 0 // let node estimate
		c.transacts = txOpts
	}
	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// CanSubmit reports whether the client was configured with a signer.
func (c *Client) CanSubmit() bool { return c.transacts != nil }

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.client.TransactionReceipt(ctx, txHash)
}

func (c *Client) IsNonceUsed(ctx context.Context, key common.Hash) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "usedNonces", [32]byte(key)); err != nil {
		return false, fmt.Errorf("usedNonces call: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("usedNonces returned %d values", len(out))
	}
	used := abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	return used.Sign() != 0, nil
}

// ReceiveMessage submits the mint and waits for its receipt. A reverted receipt is
// re-checked against usedNonces so that a race lost after gas estimation still
// reports a nonce-used reason.
func (c *Client) ReceiveMessage(ctx context.Context, message, attestation []byte) (common.Hash, error) {
	if c.transacts == nil {
		return common.Hash{}, fmt.Errorf("client is read-only")
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "receiveMessage", message, attestation)
	if err != nil {
		return common.Hash{}, fmt.Errorf("receiveMessage tx: %w", err)
	}
	c.logger.Info("Mint transaction sent", zap.String("tx_hash", tx.Hash().Hex()))

	receipt, err := c.WaitForReceipt(ctx, tx.Hash())
	if err != nil {
		return tx.Hash(), fmt.Errorf("wait for mint receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return tx.Hash(), nil
	}

	reason := "unknown reason"
	if key, ok := nonceKey(message); ok {
		if used, err := c.IsNonceUsed(ctx, key); err == nil && used {
			reason = "nonce already used"
		}
	}
	return tx.Hash(), fmt.Errorf("receiveMessage %s reverted in block %s: %s", tx.Hash().Hex(), receipt.BlockNumber, reason)
}

func (c *Client) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *Client) Close() {
	c.client.Close()
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func nonceKey(message []byte) (common.Hash, bool) {
	msg, err := cctp.Parse(message)
	if err != nil {
		return common.Hash{}, false
	}
	return msg.UsedNonceKey(), true
}
