package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	app "github.com/CLS-Network/settlement_layer/internal/app"
	"github.com/CLS-Network/settlement_layer/internal/app/attest"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/royalty"
	"github.com/CLS-Network/settlement_layer/internal/app/ledger"
	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

type env struct {
	handler http.Handler
	app     *app.Application
	signer  *attest.Signer
	ledger  *ledger.Memory
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier, err := attest.NewEd25519Verifier(pub)
	if err != nil {
		t.Fatalf("build verifier: %v", err)
	}

	led := ledger.NewMemory()
	led.Deposit("lee", 1000)

	application, err := app.New(app.Stores{}, led, verifier, nil, logger.NewDefault("test"))
	if err != nil {
		t.Fatalf("build application: %v", err)
	}

	return &env{
		handler: NewHandler(application, opts),
		app:     application,
		signer:  attest.NewSigner(priv),
		ledger:  led,
	}
}

func (e *env) do(t *testing.T, method, path, account string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, body)
	if account != "" {
		req.Header.Set(accountHeader, account)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHandler_Healthz(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestHandler_BearerAuth(t *testing.T) {
	e := newEnv(t, Options{AuthTokens: []string{"secret"}})

	rec := e.do(t, http.MethodGet, "/agreements", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/agreements", nil)
	req.Header.Set("Authorization", "Bearer secret")
	auth := httptest.NewRecorder()
	e.handler.ServeHTTP(auth, req)
	if auth.Code != http.StatusOK {
		t.Fatalf("authenticated request = %d, want 200", auth.Code)
	}

	// Health and metrics stay reachable without a token.
	if rec := e.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz behind auth = %d", rec.Code)
	}
}

type captureSink struct {
	entries []AuditEntry
}

func (s *captureSink) Write(entry AuditEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func TestHandler_AuditSinkReceivesEntries(t *testing.T) {
	sink := &captureSink{}
	e := newEnv(t, Options{AuditSink: sink})

	rec := e.do(t, http.MethodGet, "/agreements", "auditor", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list agreements = %d", rec.Code)
	}

	if len(sink.entries) != 1 {
		t.Fatalf("sink received %d entries, want 1", len(sink.entries))
	}
	entry := sink.entries[0]
	if entry.Method != http.MethodGet || entry.Path != "/agreements" || entry.Status != http.StatusOK || entry.Account != "auditor" {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
}

func TestHandler_RoyaltyFlow(t *testing.T) {
	e := newEnv(t, Options{})

	rec := e.do(t, http.MethodPost, "/agreements", "licensor-1", map[string]interface{}{
		"asset_id":        "asset-1",
		"licensee":        "lee",
		"rate_ciphertext": "enc:rate",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agreement = %d: %s", rec.Code, rec.Body.String())
	}
	var agr royalty.Agreement
	decodeBody(t, rec, &agr)
	if agr.Status != royalty.AgreementActive {
		t.Fatalf("agreement with licensee should start active, got %s", agr.Status)
	}

	// Only the licensee may report a payment.
	rec = e.do(t, http.MethodPost, "/agreements/"+agr.ID+"/payments", "mallory", map[string]interface{}{
		"revenue_ciphertext": "enc:rev",
		"paid":               95,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign payment = %d, want 403", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/agreements/"+agr.ID+"/payments", "lee", map[string]interface{}{
		"revenue_ciphertext": "enc:rev",
		"paid":               95,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit payment = %d: %s", rec.Code, rec.Body.String())
	}
	var payment royalty.Payment
	decodeBody(t, rec, &payment)

	rec = e.do(t, http.MethodPost,
		fmt.Sprintf("/agreements/%s/payments/%d/verify", agr.ID, payment.Index), "licensor-1", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("request verification = %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &payment)
	if payment.RequestID == 0 {
		t.Fatal("verification request id missing")
	}

	// A callback with a bad proof is rejected and changes nothing.
	cleartexts := []int64{1000, 1000, 95}
	rec = e.do(t, http.MethodPost, "/oracle/callback", "", map[string]interface{}{
		"request_id": payment.RequestID,
		"cleartexts": cleartexts,
		"proof":      base64.StdEncoding.EncodeToString(e.signer.Attest(payment.RequestID, []int64{9, 9, 9})),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged callback = %d, want 401", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/oracle/callback", "", map[string]interface{}{
		"request_id": payment.RequestID,
		"cleartexts": cleartexts,
		"proof":      base64.StdEncoding.EncodeToString(e.signer.Attest(payment.RequestID, cleartexts)),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("callback = %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet,
		fmt.Sprintf("/agreements/%s/payments/%d", agr.ID, payment.Index), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get payment = %d", rec.Code)
	}
	decodeBody(t, rec, &payment)
	if payment.Outcome != royalty.OutcomeValid {
		t.Fatalf("payment outcome = %s, want valid", payment.Outcome)
	}

	// A replayed callback is refused.
	rec = e.do(t, http.MethodPost, "/oracle/callback", "", map[string]interface{}{
		"request_id": payment.RequestID,
		"cleartexts": cleartexts,
		"proof":      base64.StdEncoding.EncodeToString(e.signer.Attest(payment.RequestID, cleartexts)),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replayed callback = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/events", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events = %d", rec.Code)
	}
}

func TestHandler_BiddingValidation(t *testing.T) {
	e := newEnv(t, Options{})

	rec := e.do(t, http.MethodPost, "/agreements", "licensor-1", map[string]interface{}{
		"asset_id":        "asset-1",
		"rate_ciphertext": "enc:rate",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agreement = %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodPost, "/assets/asset-1/bidding", "mallory", map[string]interface{}{
		"duration_hours": 24,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign session start = %d, want 403", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/assets/asset-1/bidding", "licensor-1", map[string]interface{}{
		"duration_hours": 24,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start session = %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodPost, "/assets/asset-1/bidding/bids", "lee", map[string]interface{}{
		"ciphertext": "enc:bid",
		"escrow":     50,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("bid = %d: %s", rec.Code, rec.Body.String())
	}

	// The window is still open.
	rec = e.do(t, http.MethodPost, "/assets/asset-1/bidding/finalize", "licensor-1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("early finalize = %d, want 409", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/assets/asset-1/bidding", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session = %d", rec.Code)
	}
}

func TestHandler_RefundOwnership(t *testing.T) {
	e := newEnv(t, Options{})

	rec := e.do(t, http.MethodPost, "/refunds/alice/withdraw", "mallory", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign withdrawal = %d, want 403", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/refunds/alice/withdraw", "alice", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty withdrawal = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/refunds/alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get refund balance = %d", rec.Code)
	}
}
