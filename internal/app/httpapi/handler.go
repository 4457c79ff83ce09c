// Package httpapi exposes the settlement services over REST.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	app "github.com/CLS-Network/settlement_layer/internal/app"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/royalty"
	"github.com/CLS-Network/settlement_layer/internal/app/metrics"
	"github.com/CLS-Network/settlement_layer/internal/app/services/bidding"
	"github.com/CLS-Network/settlement_layer/internal/app/services/coordinator"
	"github.com/CLS-Network/settlement_layer/internal/app/services/refunds"
	royaltysvc "github.com/CLS-Network/settlement_layer/internal/app/services/royalty"
	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

// accountHeader carries the acting account for mutating endpoints. The
// gateway terminates real authentication and forwards the verified account
// here.
const accountHeader = "X-Account"

type handler struct {
	app   *app.Application
	log   *logger.Logger
	audit *auditLog
}

// Options tune the HTTP layer.
type Options struct {
	// AuthTokens, when non-empty, enables bearer token authentication on
	// every route except /healthz and /metrics.
	AuthTokens []string
	// RequestsPerSecond and Burst configure per-client rate limiting.
	// Zero disables it.
	RequestsPerSecond int
	Burst             int
	// AuditSink receives audit entries as they are recorded.
	AuditSink AuditSink

	Log *logger.Logger
}

// NewHandler returns the REST router for the application.
func NewHandler(application *app.Application, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{
		app:   application,
		log:   log,
		audit: newAuditLog(0, opts.AuditSink),
	}

	r := chi.NewRouter()
	r.Use(metrics.InstrumentHandler)
	r.Use(h.auditMiddleware)
	if opts.RequestsPerSecond > 0 {
		r.Use(newRateLimiter(opts.RequestsPerSecond, opts.Burst, log).middleware)
	}

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if len(opts.AuthTokens) > 0 {
			r.Use(bearerAuth(opts.AuthTokens))
		}

		r.Route("/agreements", func(r chi.Router) {
			r.Post("/", h.createAgreement)
			r.Get("/", h.listAgreements)
			r.Get("/{agreementID}", h.getAgreement)
			r.Put("/{agreementID}/status", h.setAgreementStatus)
			r.Post("/{agreementID}/payments", h.submitPayment)
			r.Get("/{agreementID}/payments", h.listPayments)
			r.Get("/{agreementID}/payments/{index}", h.getPayment)
			r.Post("/{agreementID}/payments/{index}/verify", h.requestVerification)
		})

		r.Route("/assets/{assetID}/bidding", func(r chi.Router) {
			r.Post("/", h.startSession)
			r.Get("/", h.getSession)
			r.Post("/bids", h.submitBid)
			r.Post("/finalize", h.finalizeSession)
		})
		r.Get("/sessions", h.listSessions)

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.listRequests)
			r.Get("/{requestID}", h.getRequest)
			r.Post("/{requestID}/timeout", h.claimTimeout)
		})
		r.Post("/oracle/callback", h.oracleCallback)

		r.Route("/refunds", func(r chi.Router) {
			r.Get("/", h.listRefunds)
			r.Get("/{account}", h.getRefund)
			r.Post("/{account}/withdraw", h.withdraw)
			r.Post("/{account}/claim", h.claim)
		})

		r.Get("/events", h.listEvents)
		r.Get("/audit", h.listAudit)
	})

	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- agreements -------------------------------------------------------------

func (h *handler) createAgreement(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AssetID        string `json:"asset_id"`
		Licensee       string `json:"licensee"`
		RateCiphertext string `json:"rate_ciphertext"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	licensor := r.Header.Get(accountHeader)
	if licensor == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing "+accountHeader+" header"))
		return
	}

	agr, err := h.app.Agreements.Create(r.Context(), payload.AssetID, licensor, payload.Licensee, payload.RateCiphertext)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, agr)
}

func (h *handler) listAgreements(w http.ResponseWriter, r *http.Request) {
	agrs, err := h.app.Agreements.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, agrs)
}

func (h *handler) getAgreement(w http.ResponseWriter, r *http.Request) {
	agr, err := h.app.Agreements.Get(r.Context(), chi.URLParam(r, "agreementID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, agr)
}

func (h *handler) setAgreementStatus(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	agr, err := h.app.Agreements.SetStatus(r.Context(), chi.URLParam(r, "agreementID"),
		r.Header.Get(accountHeader), royalty.AgreementStatus(payload.Status))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, agr)
}

// --- royalty payments -------------------------------------------------------

func (h *handler) submitPayment(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RevenueCiphertext string `json:"revenue_ciphertext"`
		Paid              int64  `json:"paid"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	payment, err := h.app.Royalty.SubmitPayment(r.Context(), chi.URLParam(r, "agreementID"),
		r.Header.Get(accountHeader), payload.RevenueCiphertext, payload.Paid)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (h *handler) listPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.app.Royalty.ListPayments(r.Context(), chi.URLParam(r, "agreementID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (h *handler) getPayment(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid payment index"))
		return
	}
	payment, err := h.app.Royalty.GetPayment(r.Context(), chi.URLParam(r, "agreementID"), index)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *handler) requestVerification(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid payment index"))
		return
	}
	payment, err := h.app.Royalty.RequestVerification(r.Context(), chi.URLParam(r, "agreementID"),
		index, r.Header.Get(accountHeader))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, payment)
}

// --- bidding ----------------------------------------------------------------

func (h *handler) startSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DurationHours int `json:"duration_hours"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := h.app.Bidding.Start(r.Context(), chi.URLParam(r, "assetID"),
		r.Header.Get(accountHeader), payload.DurationHours)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.app.Bidding.GetSession(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.app.Bidding.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *handler) submitBid(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Ciphertext string `json:"ciphertext"`
		Escrow     int64  `json:"escrow"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := h.app.Bidding.SubmitBid(r.Context(), chi.URLParam(r, "assetID"),
		r.Header.Get(accountHeader), payload.Ciphertext, payload.Escrow)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *handler) finalizeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.app.Bidding.Finalize(r.Context(), chi.URLParam(r, "assetID"),
		r.Header.Get(accountHeader))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// --- decryption requests ----------------------------------------------------

func (h *handler) listRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.app.Coordinator.List(r.Context(), r.URL.Query().Get("issuer"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "requestID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request id"))
		return
	}
	req, err := h.app.Coordinator.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handler) claimTimeout(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "requestID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request id"))
		return
	}
	req, err := h.app.Coordinator.ClaimTimeout(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// oracleCallback accepts the decryption result. The attestation proof is the
// only gate: any caller presenting a valid proof for the request is accepted.
func (h *handler) oracleCallback(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RequestID  uint64  `json:"request_id"`
		Cleartexts []int64 `json:"cleartexts"`
		Proof      string  `json:"proof"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	proof, err := base64.StdEncoding.DecodeString(payload.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("proof must be base64"))
		return
	}

	req, err := h.app.Coordinator.Complete(r.Context(), payload.RequestID, payload.Cleartexts, proof)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- refunds ----------------------------------------------------------------

func (h *handler) listRefunds(w http.ResponseWriter, r *http.Request) {
	balances, err := h.app.Refunds.ListBalances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func (h *handler) getRefund(w http.ResponseWriter, r *http.Request) {
	balance, err := h.app.Refunds.Balance(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if caller := r.Header.Get(accountHeader); caller != account {
		writeError(w, http.StatusForbidden, errors.New("withdrawals are limited to the owning account"))
		return
	}

	amount, err := h.app.Refunds.Withdraw(r.Context(), account)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"withdrawn": amount})
}

func (h *handler) claim(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if caller := r.Header.Get(accountHeader); caller != account {
		writeError(w, http.StatusForbidden, errors.New("claims are limited to the owning account"))
		return
	}
	var payload struct {
		RequestID uint64 `json:"request_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount, err := h.app.Refunds.Claim(r.Context(), account, payload.RequestID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"withdrawn": amount})
}

// --- events and audit -------------------------------------------------------

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}

	events, err := h.app.Events.ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.audit.list())
}

// --- helpers ----------------------------------------------------------------

// statusForError maps service sentinel errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, bidding.ErrNotController),
		errors.Is(err, royaltysvc.ErrNotLicensor),
		errors.Is(err, royaltysvc.ErrNotLicensee):
		return http.StatusForbidden
	case errors.Is(err, coordinator.ErrAttestationInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, bidding.ErrSessionActive),
		errors.Is(err, bidding.ErrEnded),
		errors.Is(err, bidding.ErrNotEnded),
		errors.Is(err, royaltysvc.ErrAlreadyVerified),
		errors.Is(err, royaltysvc.ErrVerificationPending),
		errors.Is(err, coordinator.ErrNotPending),
		errors.Is(err, coordinator.ErrNotExpired),
		errors.Is(err, coordinator.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, bidding.ErrNotOpen):
		return http.StatusNotFound
	case errors.Is(err, refunds.ErrNothingToWithdraw),
		errors.Is(err, bidding.ErrInvalidDuration),
		errors.Is(err, bidding.ErrNoBids),
		errors.Is(err, bidding.ErrEscrowTooLow),
		errors.Is(err, coordinator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, refunds.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
