package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cctprelay/internal/cctp"
	"cctprelay/internal/config"
	"cctprelay/internal/evm"
	"cctprelay/internal/iris"
	"cctprelay/internal/records"
	"cctprelay/internal/server"
)

var rootCmd = &cobra.Command{
	Use:          "relayer",
	Short:        "CCTP burn-attest-mint relayer",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the relay API until SIGINT or SIGTERM",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, relayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relayer failed: %v\n", err)
		os.Exit(1)
	}
}

// runtime is everything built from the configuration.
type runtime struct {
	cfg          *config.Config
	logger       *zap.Logger
	chains       server.Chains
	attestations *iris.Client
	clients      []*evm.Client
}

func (r *runtime) Close() {
	for _, c := range r.clients {
		c.Close()
	}
	_ = r.logger.Sync()
}

func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Service.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	chains, clients, err := dialChains(ctx, cfg, logger)
	if err != nil {
		for _, c := range clients {
			c.Close()
		}
		return nil, fmt.Errorf("connect chains: %w", err)
	}

	attestations := iris.NewClient(iris.Config{
		BaseURL:           cfg.Attestation.BaseURL,
		Environment:       cfg.Attestation.Environment,
		Timeout:           cfg.Attestation.Timeout,
		RequestsPerSecond: cfg.Attestation.RequestsPerSecond,
		MaxRetries:        cfg.Attestation.MaxRetries,
	}, logger)

	return &runtime{
		cfg:          cfg,
		logger:       logger,
		chains:       chains,
		attestations: attestations,
		clients:      clients,
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	store, closeStore, err := openStore(ctx, rt.cfg.Service.Store)
	if err != nil {
		return fmt.Errorf("open %s record store: %w", rt.cfg.Service.Store.Driver, err)
	}
	defer closeStore()

	apiServer := server.NewServer(rt.cfg, rt.chains, rt.attestations, store, rt.logger)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		rt.logger.Info("Shutting down, draining relays", zap.String("signal", sig.String()))
	case err := <-errCh:
		rt.logger.Error("Server stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (records.Store, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case "memory":
		return records.NewMemoryStore(), noop, nil
	case "file":
		store, err := records.NewFileStore(cfg.Path)
		return store, noop, err
	case "postgres":
		store, err := records.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case "redis":
		store, err := records.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// dialChains opens one client per configured MessageTransmitter deployment. The
// signer key is shared: every chain can act as a destination.
func dialChains(ctx context.Context, cfg *config.Config, logger *zap.Logger) (server.Chains, []*evm.Client, error) {
	var (
		mu      sync.Mutex
		chains  = make(server.Chains)
		clients []*evm.Client
	)

	type deployment struct {
		chain       config.ChainConfig
		domain      cctp.Domain
		version     cctp.Version
		transmitter common.Address
	}
	var deployments []deployment
	for _, ch := range cfg.Chains {
		domain := cctp.Domain(ch.Domain)
		for _, version := range []cctp.Version{cctp.V1, cctp.V2} {
			transmitter, ok := ch.Transmitter(version)
			if !ok {
				continue
			}
			if _, err := cctp.RequireDomain(domain, version); err != nil {
				return nil, nil, err
			}
			deployments = append(deployments, deployment{ch, domain, version, transmitter})
		}
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, d := range deployments {
		g.Go(func() error {
			client, err := evm.NewClient(ctx, evm.ClientConfig{
				RPCURL:              d.chain.RPCURL,
				PrivateKeyHex:       cfg.Signer.PrivateKey,
				MessageTransmitter:  d.transmitter.Hex(),
				ReceiptPollInterval: d.chain.ReceiptPollInterval,
			}, logger.With(zap.String("chain", d.domain.String()), zap.Stringer("version", d.version)))
			if err != nil {
				return fmt.Errorf("%s %s: %w", d.domain, d.version, err)
			}
			if !client.CanSubmit() {
				logger.Warn("No signer configured, chain is read-only",
					zap.String("chain", d.domain.String()),
					zap.Stringer("version", d.version))
			}

			mu.Lock()
			defer mu.Unlock()
			clients = append(clients, client)
			chains[server.ChainKey{Domain: d.domain, Version: d.version}] = server.Chain{
				Access:      client,
				Transmitter: d.transmitter,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, clients, err
	}
	return chains, clients, nil
}
