package iris

import (
	"context"
	"encoding/hex"
	"sync"

	"cctprelay/internal/cctp"
)

// FakeStep is one scripted answer of a FakeClient.
type FakeStep struct {
	Response cctp.AttestationResponse
	Err      error
}

// FakeClient replays scripted answers in order and repeats the last one once the
// script is exhausted. An empty script answers pending forever.
type FakeClient struct {
	mu      sync.Mutex
	steps   []FakeStep
	queries []cctp.AttestationQuery
}

func NewFakeClient(steps ...FakeStep) *FakeClient {
	return &FakeClient{steps: steps}
}

func Pending() FakeStep {
	return FakeStep{Response: pendingResponse()}
}

// Complete answers with a signed attestation. message may be nil for V1.
func Complete(attestation, message []byte) FakeStep {
	resp := cctp.AttestationResponse{Status: cctp.ServiceStatusComplete}
	a := "0x" + hex.EncodeToString(attestation)
	resp.Attestation = &a
	if message != nil {
		m := "0x" + hex.EncodeToString(message)
		resp.Message = &m
	}
	return FakeStep{Response: resp}
}

func Respond(resp cctp.AttestationResponse) FakeStep {
	return FakeStep{Response: resp}
}

func Fail(err error) FakeStep {
	return FakeStep{Err: err}
}

// Script appends steps.
func (f *FakeClient) Script(steps ...FakeStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

func (f *FakeClient) Fetch(ctx context.Context, query cctp.AttestationQuery) (cctp.AttestationResponse, error) {
	if err := ctx.Err(); err != nil {
		return cctp.AttestationResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.queries)
	f.queries = append(f.queries, query)
	if len(f.steps) == 0 {
		return pendingResponse(), nil
	}
	if n >= len(f.steps) {
		n = len(f.steps) - 1
	}
	step := f.steps[n]
	return step.Response, step.Err
}

func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *FakeClient) Queries() []cctp.AttestationQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cctp.AttestationQuery, len(f.queries))
	copy(out, f.queries)
	return out
}

func (f *FakeClient) Ping(ctx context.Context) error {
	return ctx.Err()
}
