package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"cctprelay/internal/cctp"
	"cctprelay/internal/config"
	"cctprelay/internal/evm"
	"cctprelay/internal/hmacauth"
	"cctprelay/internal/records"
	"cctprelay/internal/relay"
)

// ChainKey identifies one MessageTransmitter deployment.
type ChainKey struct {
	Domain  cctp.Domain
	Version cctp.Version
}

// Chain is a configured deployment: chain access bound to the transmitter at Transmitter.
type Chain struct {
	Access      relay.BlockchainAccess
	Transmitter common.Address
}

// Chains holds every deployment the relayer can read from or mint on.
type Chains map[ChainKey]Chain

func (c Chains) lookup(domain cctp.Domain, version cctp.Version) (Chain, error) {
	chain, ok := c[ChainKey{Domain: domain, Version: version}]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %s %s is not configured", cctp.ErrChainNotSupported, domain, version)
	}
	return chain, nil
}

type Server struct {
	cfg          *config.Config
	chains       Chains
	attestations relay.AttestationAccess
	store        records.Store
	clock        relay.Clock
	hmac         *hmacauth.Verifier
	httpServer   *http.Server
	metrics      *metricsRegistry
	logger       *zap.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg *config.Config, chains Chains, attestations relay.AttestationAccess, store records.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := newMetricsRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:          cfg,
		chains:       chains,
		attestations: attestations,
		store:        store,
		clock:        relay.SystemClock{},
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  logger,
		},
		metrics: metrics,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(max(cfg.Service.MaxConcurrentRelays, 1))),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.hmac.OnReject = func(*http.Request, error) { metrics.incRequest("unauthorized") }

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/relays", s.hmac.Middleware(http.HandlerFunc(s.handleCreateRelay)))
	mux.Handle("GET /api/v1/relays/{key}", s.hmac.Middleware(http.HandlerFunc(s.handleGetRelay)))
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           hmacauth.RequestID(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and waits for running relays. Relays still
// running when ctx expires are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return err
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

type relayRequest struct {
	BurnTxHash        string `json:"burnTxHash"`
	Version           string `json:"version"`
	SourceDomain      uint32 `json:"sourceDomain"`
	DestinationDomain uint32 `json:"destinationDomain"`
	Fast              bool   `json:"fast"`
}

func (r relayRequest) validate() (common.Hash, cctp.Version, error) {
	version, err := cctp.ParseVersion(r.Version)
	if err != nil {
		return common.Hash{}, 0, err
	}
	raw := strings.TrimPrefix(strings.TrimSpace(r.BurnTxHash), "0x")
	if len(raw) != 64 {
		return common.Hash{}, 0, errors.New("burnTxHash must be a 32-byte hex hash")
	}
	if _, err := hexutil.Decode("0x" + raw); err != nil {
		return common.Hash{}, 0, errors.New("burnTxHash must be a 32-byte hex hash")
	}
	return common.HexToHash(raw), version, nil
}

func relayKey(version cctp.Version, source cctp.Domain, burnTx common.Hash) string {
	return fmt.Sprintf("%s:%d:%s", version, uint32(source), burnTx.Hex())
}

func (s *Server) handleCreateRelay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload relayRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	burnTx, version, err := payload.validate()
	if err != nil {
		s.metrics.incRequest("rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	engine, err := s.newEngine(payload, version)
	if err != nil {
		s.metrics.incRequest("rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		key = relayKey(version, cctp.Domain(payload.SourceDomain), burnTx)
	}

	now := time.Now().UTC()
	record := records.Record{
		ID:                uuid.NewString(),
		Key:               key,
		BurnTxHash:        burnTx.Hex(),
		Version:           version.String(),
		SourceDomain:      payload.SourceDomain,
		DestinationDomain: payload.DestinationDomain,
		State:             string(relay.StateBurnObserved),
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.Service.RecordTTL),
	}

	previous, created, err := s.store.Claim(ctx, record, s.cfg.Service.StaleRelayAfter)
	if err != nil {
		s.logger.Error("Failed to claim relay record", zap.String("key", key), zap.Error(err))
		http.Error(w, "failed to store relay", http.StatusInternalServerError)
		return
	}

	log := s.logger.With(zap.String("key", key))
	if caller, ok := hmacauth.FromContext(ctx); ok {
		log = log.With(zap.String("request_id", caller.RequestID))
	}

	switch {
	case !created:
		s.metrics.incRequest("cached")
		writeJSON(w, http.StatusOK, previous)
		return
	case previous != nil:
		record.ID = previous.ID
		record.CreatedAt = previous.CreatedAt
		log.Info("Restarting relay",
			zap.String("previous_state", previous.State),
			zap.String("previous_error", previous.Error))
		s.metrics.incRequest("restarted")
	default:
		log.Info("Relay accepted", zap.String("burn_tx", record.BurnTxHash))
		s.metrics.incRequest("accepted")
	}

	s.startRelay(engine, record, burnTx)
	writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleGetRelay(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	record, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.logger.Error("Failed to load relay record", zap.String("key", key), zap.Error(err))
		http.Error(w, "failed to load relay", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "relay not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) newEngine(req relayRequest, version cctp.Version) (*relay.Engine, error) {
	source, err := s.chains.lookup(cctp.Domain(req.SourceDomain), version)
	if err != nil {
		return nil, err
	}
	destination, err := s.chains.lookup(cctp.Domain(req.DestinationDomain), version)
	if err != nil {
		return nil, err
	}

	cfg := relay.Config{
		Version:           version,
		SourceDomain:      cctp.Domain(req.SourceDomain),
		DestinationDomain: cctp.Domain(req.DestinationDomain),
		Presets:           s.cfg.Polling.Presets(),
	}
	if req.Fast {
		cfg.Policy = cfg.Presets.For(cctp.FinalityFast)
	}

	return relay.NewEngine(cfg,
		source.Access,
		countedChain{BlockchainAccess: destination.Access, domain: cfg.DestinationDomain, metrics: s.metrics},
		countedAttestations{next: s.attestations, metrics: s.metrics},
		s.clock,
		evm.NewReceiptAdapter(source.Transmitter),
		s.logger,
	)
}

// startRelay runs the relay in the background. At most service.maxConcurrentRelays
// relays run at once.
func (s *Server) startRelay(engine *relay.Engine, record records.Record, burnTx common.Hash) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			record.State = string(relay.StateFailed)
			record.Error = err.Error()
			record.Retryable = true
			s.saveRecord(record)
			return
		}
		defer s.sem.Release(1)

		s.metrics.inFlight.Inc()
		defer s.metrics.inFlight.Dec()

		started := s.clock.Now()
		engine.OnTransition(func(out relay.Outcome) {
			if out.State.Terminal() {
				return
			}
			applyOutcome(&record, out)
			s.saveRecord(record)
		})

		out, err := engine.Relay(s.ctx, burnTx)
		applyOutcome(&record, out)
		if err != nil {
			record.Error = err.Error()
			record.Retryable = relay.Retryable(err)
		} else {
			record.Error = ""
			record.Retryable = false
		}
		s.saveRecord(record)
		s.metrics.observeRelay(out.State, s.clock.Now().Sub(started).Seconds())

		if err != nil {
			s.writeDLQ(record, err)
		}
	}()
}

func (s *Server) saveRecord(record records.Record) {
	record.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(context.Background(), record); err != nil {
		s.logger.Error("Failed to save relay record",
			zap.String("key", record.Key),
			zap.String("state", record.State),
			zap.Error(err))
	}
}

// applyOutcome copies what the relay has learned so far onto the record.
func applyOutcome(record *records.Record, out relay.Outcome) {
	record.State = string(out.State)
	record.Attempts = out.Attempts

	if msg := out.Message; len(msg.Raw) > 0 {
		record.MessageHash = msg.ContentHash().Hex()
		if nonce, ok := msg.NonceUint64(); ok {
			record.Nonce = strconv.FormatUint(nonce, 10)
		} else if !msg.HasPlaceholderNonce() {
			record.Nonce = msg.Nonce.Hex()
		}
		if body, err := cctp.ParseBurnBody(msg.Version, msg.Body); err == nil {
			record.Amount = body.USDC().String()
		}
	}
	if out.MintTxHash != (common.Hash{}) {
		record.MintTxHash = out.MintTxHash.Hex()
	}
}

func (s *Server) writeDLQ(record records.Record, relayErr error) {
	if s.cfg.Service.DLQPath == "" {
		return
	}

	stage := ""
	var re *relay.RelayError
	if errors.As(relayErr, &re) {
		stage = string(re.Stage)
	}

	entry := struct {
		Timestamp time.Time      `json:"timestamp"`
		Record    records.Record `json:"record"`
		Stage     string         `json:"stage,omitempty"`
		Error     string         `json:"error"`
		Retryable bool           `json:"retryable"`
	}{
		Timestamp: time.Now().UTC(),
		Record:    record,
		Stage:     stage,
		Error:     relayErr.Error(),
		Retryable: relay.Retryable(relayErr),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.logger.Error("DLQ marshal error", zap.Error(err))
		return
	}

	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		s.logger.Error("DLQ mkdir error", zap.Error(err))
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), record.ID)
	path := filepath.Join(s.cfg.Service.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.logger.Error("DLQ write error", zap.String("path", path), zap.Error(err))
	}

	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		s.logger.Warn("DLQ read error", zap.Error(err))
		return 0
	}
	return len(entries)
}

type dependencyStatus struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func ping(ctx context.Context, target any) dependencyStatus {
	checker, ok := target.(relay.HealthChecker)
	if !ok {
		return dependencyStatus{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := checker.Ping(ctx); err != nil {
		return dependencyStatus{Connected: false, Error: err.Error()}
	}
	return dependencyStatus{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	var (
		mu              sync.Mutex
		g               errgroup.Group
		chains          = make(map[string]dependencyStatus, len(s.chains))
		dbInfo          dependencyStatus
		attestationInfo dependencyStatus
	)
	for key, chain := range s.chains {
		g.Go(func() error {
			status := ping(ctx, chain.Access)
			mu.Lock()
			chains[fmt.Sprintf("%s/%s", key.Domain, key.Version)] = status
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		dbInfo = ping(ctx, s.store)
		return nil
	})
	g.Go(func() error {
		attestationInfo = ping(ctx, s.attestations)
		return nil
	})
	_ = g.Wait()

	for _, status := range chains {
		if !status.Connected {
			overallHealthy = false
		}
	}
	if !dbInfo.Connected || !attestationInfo.Connected {
		overallHealthy = false
	}

	queueDepth := s.updateDLQDepth()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status      string                      `json:"status"`
		Chains      map[string]dependencyStatus `json:"chains"`
		Database    dependencyStatus            `json:"database"`
		Attestation dependencyStatus            `json:"attestation"`
		QueueDepth  int                         `json:"queue_depth"`
	}{
		Status:      status,
		Chains:      chains,
		Database:    dbInfo,
		Attestation: attestationInfo,
		QueueDepth:  queueDepth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
