package token

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentForge/internal/agent"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/identity"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/retry"
)

const testAgentID = "0b6a4b2e-8a53-4f3b-9a53-2f7f8a1b9c10"

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

func pngDataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
}

func validRequest() Request {
	return Request{
		Name:          "Forge Token",
		Symbol:        "FRG",
		Description:   "a token",
		Website:       "https://example.com",
		ImageData:     pngDataURL(),
		WalletAddress: "W1",
		AgentID:       testAgentID,
	}
}

type fakeMetadata struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeMetadata) Upload(_ context.Context, req Request, img Image) (Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Metadata{}, f.err
	}
	return Metadata{Name: req.Name, Symbol: req.Symbol, URI: "ipfs://meta"}, nil
}

type fakeTrader struct {
	mu     sync.Mutex
	calls  int
	mints  []string
	script func(call int) (string, error)
}

func (f *fakeTrader) CreateToken(_ context.Context, order CreateOrder) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.mints = append(f.mints, order.MintSecret)
	if f.script == nil {
		return "sig-1", nil
	}
	return f.script(f.calls)
}

type failingRecords struct{ calls int }

func (f *failingRecords) SaveTokenRecord(context.Context, Record) error {
	f.calls++
	return errors.New("connection refused")
}

type captureReconciler struct{ records []Record }

func (c *captureReconciler) Enqueue(_ context.Context, r Record) error {
	c.records = append(c.records, r)
	return nil
}

type captureAlerts struct{ events []alerting.Event }

func (c *captureAlerts) Notify(_ context.Context, e alerting.Event) error {
	c.events = append(c.events, e)
	return nil
}

type stubConfirmer struct {
	status Status
	err    error
}

func (s stubConfirmer) Confirm(context.Context, string) (Status, error) { return s.status, s.err }

type fixture struct {
	agents   *agent.MemoryRepository
	metadata *fakeMetadata
	trader   *fakeTrader
	records  *MemoryRecordStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := agent.NewMemoryRepository()
	if _, err := repo.Save(context.Background(), agent.Agent{ID: testAgentID, Name: "Bot1", Owner: "W1", Active: true}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return &fixture{agents: repo, metadata: &fakeMetadata{}, trader: &fakeTrader{}, records: NewMemoryRecordStore()}
}

func fastPolicy() retry.Policy {
	p := retry.Default()
	p.Backoff = time.Millisecond
	return p
}

func (f *fixture) pipeline(records RecordStore, opts ...Option) *Pipeline {
	if records == nil {
		records = f.records
	}
	opts = append([]Option{WithRetryPolicy(fastPolicy())}, opts...)
	return NewPipeline(f.agents, f.metadata, f.trader, records, opts...)
}

func (f *fixture) assertNoOutboundCalls(t *testing.T) {
	t.Helper()
	if f.metadata.calls != 0 || f.trader.calls != 0 {
		t.Fatalf("expected no outbound calls, metadata=%d trade=%d", f.metadata.calls, f.trader.calls)
	}
}

func TestDeployRejectsBadImagesBeforeCallingOut(t *testing.T) {
	oversized := "data:image/png;base64," + base64.StdEncoding.EncodeToString(make([]byte, MaxImageBytes+1))
	cases := []struct {
		name    string
		image   string
		message string
	}{
		{"oversized", oversized, "Image too large (max 2MB)"},
		{"gif", "data:image/gif;base64," + base64.StdEncoding.EncodeToString(pngBytes), "Invalid image format. Only PNG and JPEG are allowed."},
		{"no header", base64.StdEncoding.EncodeToString(pngBytes), "Invalid image format. Only PNG and JPEG are allowed."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			req.ImageData = tc.image
			_, err := f.pipeline(nil).Deploy(context.Background(), "W1", req)
			if !xerrors.Is(err, xerrors.CodeValidation) || xerrors.PublicMessage(err) != tc.message {
				t.Fatalf("unexpected error: %v", err)
			}
			f.assertNoOutboundCalls(t)
		})
	}
}

func TestDeployRejectsForeignWallet(t *testing.T) {
	t.Run("caller differs", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.pipeline(nil).Deploy(context.Background(), "W2", validRequest())
		if xerrors.HTTPStatus(err) != 403 || xerrors.PublicMessage(err) != "Wallet not authorized for this agent" {
			t.Fatalf("unexpected error: %v", err)
		}
		f.assertNoOutboundCalls(t)
	})
	t.Run("agent owned by someone else", func(t *testing.T) {
		f := newFixture(t)
		req := validRequest()
		req.WalletAddress = "W2"
		_, err := f.pipeline(nil).Deploy(context.Background(), "W2", req)
		if !xerrors.Is(err, xerrors.CodePermissionDenied) {
			t.Fatalf("unexpected error: %v", err)
		}
		f.assertNoOutboundCalls(t)
	})
	t.Run("unknown agent", func(t *testing.T) {
		f := newFixture(t)
		req := validRequest()
		req.AgentID = "7d1c6a0e-1f0e-4d8a-9c77-0d5b3f8e2a11"
		_, err := f.pipeline(nil).Deploy(context.Background(), "W1", req)
		if !xerrors.Is(err, xerrors.CodePermissionDenied) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestDeployRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.trader.script = func(call int) (string, error) {
		if call < 3 {
			return "", xerrors.New(xerrors.CodeUpstream, fmt.Sprintf("trading-service returned status 502: attempt %d", call))
		}
		return "5igSig", nil
	}
	res, err := f.pipeline(nil).Deploy(context.Background(), "W1", validRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if f.trader.calls != 3 || f.metadata.calls != 1 {
		t.Fatalf("expected 3 trade calls and 1 upload, got %d and %d", f.trader.calls, f.metadata.calls)
	}
	if f.trader.mints[0] != f.trader.mints[1] || f.trader.mints[1] != f.trader.mints[2] {
		t.Fatalf("retries must reuse the request mint")
	}
	derived, err := identity.SolanaPublicKey(f.trader.mints[0])
	if err != nil {
		t.Fatalf("derive mint: %v", err)
	}
	if !res.Success || res.TokenAddress != derived {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TransactionLink != "https://solscan.io/tx/5igSig" || res.ExplorerLink != "https://pump.fun/coin/"+derived {
		t.Fatalf("unexpected links: %+v", res)
	}
	records := f.records.Records()
	if len(records) != 1 || records[0].Status != StatusConfirmed || records[0].Amount != DefaultAmount || records[0].ID != res.RecordID {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestDeployExhaustedRetriesSurfaceLastError(t *testing.T) {
	f := newFixture(t)
	alerts := &captureAlerts{}
	f.trader.script = func(call int) (string, error) {
		return "", xerrors.New(xerrors.CodeUpstream, fmt.Sprintf("trading-service returned status 500: failure %d", call))
	}
	_, err := f.pipeline(nil, WithAlertDispatcher(alerts)).Deploy(context.Background(), "W1", validRequest())
	if !xerrors.Is(err, xerrors.CodeUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if xerrors.PublicMessage(err) != "trading-service returned status 500: failure 3" {
		t.Fatalf("expected last attempt message, got %q", xerrors.PublicMessage(err))
	}
	if f.trader.calls != 3 || len(f.records.Records()) != 0 {
		t.Fatalf("calls=%d records=%d", f.trader.calls, len(f.records.Records()))
	}
	if len(alerts.events) != 1 || alerts.events[0].Attempts != 3 {
		t.Fatalf("expected one alert, got %+v", alerts.events)
	}
}

func TestDeployRetriesRejectedOrders(t *testing.T) {
	f := newFixture(t)
	f.trader.script = func(call int) (string, error) {
		return "", xerrors.New(xerrors.CodeUpstream, fmt.Sprintf("trading-service returned status 400: bad mint %d", call), xerrors.WithRetryable(false))
	}
	_, err := f.pipeline(nil).Deploy(context.Background(), "W1", validRequest())
	if err == nil || f.trader.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d (%v)", f.trader.calls, err)
	}
	if !strings.Contains(xerrors.PublicMessage(err), "bad mint 3") {
		t.Fatalf("expected the last attempt's error, got %q", xerrors.PublicMessage(err))
	}
	if got := len(f.records.Records()); got != 0 {
		t.Fatalf("no record expected after exhausted attempts, got %d", got)
	}
}

func TestDeployRetriesClientErrorsFromTradingService(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid mint", http.StatusBadRequest)
	}))
	defer srv.Close()
	trader, err := NewTradingClient(TradingConfig{Endpoint: srv.URL, APIKey: "secret-key"})
	if err != nil {
		t.Fatalf("trading client: %v", err)
	}

	f := newFixture(t)
	p := NewPipeline(f.agents, f.metadata, trader, f.records, WithRetryPolicy(fastPolicy()))
	if _, err := p.Deploy(context.Background(), "W1", validRequest()); !xerrors.Is(err, xerrors.CodeUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDeployPerAttemptMintPolicy(t *testing.T) {
	f := newFixture(t)
	f.trader.script = func(call int) (string, error) {
		if call < 2 {
			return "", xerrors.New(xerrors.CodeUpstream, "busy")
		}
		return "sig", nil
	}
	if _, err := f.pipeline(nil, WithMintPolicy(MintPerAttempt)).Deploy(context.Background(), "W1", validRequest()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if f.trader.mints[0] == f.trader.mints[1] {
		t.Fatalf("per-attempt policy should use a fresh mint each attempt")
	}
}

func TestDeployPartialFailure(t *testing.T) {
	f := newFixture(t)
	records := &failingRecords{}
	reconciler := &captureReconciler{}
	alerts := &captureAlerts{}
	res, err := f.pipeline(records, WithReconciler(reconciler), WithAlertDispatcher(alerts)).
		Deploy(context.Background(), "W1", validRequest())
	if !xerrors.Is(err, xerrors.CodePartialFailure) {
		t.Fatalf("expected partial failure, got %v", err)
	}
	if res == nil || !res.Success || res.TokenAddress == "" || res.TransactionLink == "" {
		t.Fatalf("partial failure must still report the on-chain result: %+v", res)
	}
	if !strings.Contains(xerrors.PublicMessage(err), res.TokenAddress) {
		t.Fatalf("message should name the token: %q", xerrors.PublicMessage(err))
	}
	if records.calls != 1 || len(reconciler.records) != 1 || reconciler.records[0].TokenAddress != res.TokenAddress {
		t.Fatalf("record not handed to reconciler: %+v", reconciler.records)
	}
	if len(alerts.events) != 1 || alerts.events[0].Code != xerrors.CodePartialFailure {
		t.Fatalf("expected partial failure alert, got %+v", alerts.events)
	}
}

func TestDeployIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	guard := NewMemoryGuardStore()
	p := f.pipeline(nil, WithGuardStore(guard, time.Minute))

	first, err := p.Deploy(context.Background(), "W1", validRequest())
	if err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	second, err := p.Deploy(context.Background(), "W1", validRequest())
	if err != nil {
		t.Fatalf("replayed deploy: %v", err)
	}
	if f.trader.calls != 1 || second.TokenAddress != first.TokenAddress {
		t.Fatalf("replay should not submit again: calls=%d", f.trader.calls)
	}
	if len(f.records.Records()) != 1 {
		t.Fatalf("replay should not persist again")
	}

	req := validRequest()
	req.Symbol = "FRG2"
	if ok, _, _ := guard.Acquire(context.Background(), IdempotencyKey("W1", withDefaults(req)), time.Minute); !ok {
		t.Fatalf("pre-acquire failed")
	}
	if _, err := p.Deploy(context.Background(), "W1", req); !xerrors.Is(err, xerrors.CodeConflict) {
		t.Fatalf("in-flight request should conflict, got %v", err)
	}
}

func TestDeployFailureReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	guard := NewMemoryGuardStore()
	f.metadata.err = xerrors.New(xerrors.CodeUpstream, "metadata-store returned status 503: down")
	p := f.pipeline(nil, WithGuardStore(guard, time.Minute))
	if _, err := p.Deploy(context.Background(), "W1", validRequest()); err == nil {
		t.Fatalf("expected upload failure")
	}
	if f.metadata.calls != 1 || f.trader.calls != 0 {
		t.Fatalf("metadata upload is not retried: metadata=%d trade=%d", f.metadata.calls, f.trader.calls)
	}
	f.metadata.err = nil
	if _, err := p.Deploy(context.Background(), "W1", validRequest()); err != nil {
		t.Fatalf("retry after failure should be allowed: %v", err)
	}
}

func TestDeployConfirmation(t *testing.T) {
	cases := []struct {
		name      string
		confirmer Confirmer
		want      Status
	}{
		{"finalized", stubConfirmer{status: StatusConfirmed}, StatusConfirmed},
		{"not yet seen", stubConfirmer{status: StatusPending}, StatusPending},
		{"rpc error", stubConfirmer{err: errors.New("rpc down")}, StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.pipeline(nil, WithConfirmer(tc.confirmer)).Deploy(context.Background(), "W1", validRequest())
			if err != nil {
				t.Fatalf("deploy: %v", err)
			}
			if res.Status != tc.want || f.records.Records()[0].Status != tc.want {
				t.Fatalf("unexpected status %s", res.Status)
			}
		})
	}
}

func TestDeployFailedOnChainPersistsNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline(nil, WithConfirmer(stubConfirmer{status: StatusFailed})).Deploy(context.Background(), "W1", validRequest())
	if !xerrors.Is(err, xerrors.CodeUpstream) || xerrors.RetryableError(err) {
		t.Fatalf("expected non-retryable upstream error, got %v", err)
	}
	if len(f.records.Records()) != 0 {
		t.Fatalf("failed transactions must not be recorded")
	}
}

func withDefaults(req Request) Request {
	if req.Amount == 0 {
		req.Amount = DefaultAmount
	}
	return req
}
