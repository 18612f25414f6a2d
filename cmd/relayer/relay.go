package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"cctprelay/internal/cctp"
	"cctprelay/internal/evm"
	"cctprelay/internal/relay"
	"cctprelay/internal/server"
)

var relayFlags struct {
	version     string
	source      uint32
	destination uint32
	fast        bool
}

var relayCmd = &cobra.Command{
	Use:   "relay <0xburnTxHash>",
	Short: "Relay one burn in the foreground and print the outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayFlags.version, "protocol", "v2", "CCTP protocol version (v1 or v2)")
	relayCmd.Flags().Uint32Var(&relayFlags.source, "source", 0, "source domain id")
	relayCmd.Flags().Uint32Var(&relayFlags.destination, "destination", 0, "destination domain id")
	relayCmd.Flags().BoolVar(&relayFlags.fast, "fast", false, "poll with the fast-transfer policy")
	_ = relayCmd.MarkFlagRequired("destination")
}

type relayOutput struct {
	State       relay.State `json:"state"`
	BurnTxHash  string      `json:"burnTxHash"`
	MessageHash string      `json:"messageHash,omitempty"`
	MintTxHash  string      `json:"mintTxHash,omitempty"`
	Attempts    int         `json:"attempts"`
	Error       string      `json:"error,omitempty"`
	Retryable   bool        `json:"retryable,omitempty"`
}

// interruptible cancels the returned context on SIGINT or SIGTERM.
func interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runRelay(cmd *cobra.Command, args []string) error {
	version, err := cctp.ParseVersion(relayFlags.version)
	if err != nil {
		return err
	}
	raw, err := hexutil.Decode(args[0])
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("invalid burn transaction hash %q", args[0])
	}
	burnTx := common.BytesToHash(raw)

	ctx, stop := interruptible(cmd.Context())
	defer stop()
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	source, ok := rt.chains[server.ChainKey{Domain: cctp.Domain(relayFlags.source), Version: version}]
	if !ok {
		return fmt.Errorf("%w: source %s %s is not configured", cctp.ErrChainNotSupported, cctp.Domain(relayFlags.source), version)
	}
	destination, ok := rt.chains[server.ChainKey{Domain: cctp.Domain(relayFlags.destination), Version: version}]
	if !ok {
		return fmt.Errorf("%w: destination %s %s is not configured", cctp.ErrChainNotSupported, cctp.Domain(relayFlags.destination), version)
	}

	cfg := relay.Config{
		Version:           version,
		SourceDomain:      cctp.Domain(relayFlags.source),
		DestinationDomain: cctp.Domain(relayFlags.destination),
		Presets:           rt.cfg.Polling.Presets(),
	}
	if relayFlags.fast {
		cfg.Policy = cfg.Presets.For(cctp.FinalityFast)
	}

	engine, err := relay.NewEngine(cfg, source.Access, destination.Access, rt.attestations,
		relay.SystemClock{}, evm.NewReceiptAdapter(source.Transmitter), rt.logger)
	if err != nil {
		return err
	}

	out, relayErr := engine.Relay(ctx, burnTx)
	result := relayOutput{
		State:      out.State,
		BurnTxHash: burnTx.Hex(),
		Attempts:   out.Attempts,
	}
	if len(out.Message.Raw) > 0 {
		result.MessageHash = out.Message.ContentHash().Hex()
	}
	if out.MintTxHash != (common.Hash{}) {
		result.MintTxHash = out.MintTxHash.Hex()
	}
	if relayErr != nil {
		result.Error = relayErr.Error()
		result.Retryable = relay.Retryable(relayErr)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	return relayErr
}
