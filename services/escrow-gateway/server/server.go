package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"booklink/native/escrow"
	"booklink/observability"
	"booklink/services/escrow-gateway/auth"
	"booklink/services/escrow-gateway/engine"
	gwmw "booklink/services/escrow-gateway/middleware"
	"booklink/services/escrow-gateway/models"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Auth   *auth.Authenticator
}

// Server exposes the escrow workflow over HTTP.
type Server struct {
	db      *gorm.DB
	engine  *engine.Engine
	auth    *auth.Authenticator
	metrics *observability.EscrowGatewayMetrics

	router http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency
// and metrics support.
func New(cfg Config) *Server {
	srv := &Server{
		db:      cfg.DB,
		engine:  cfg.Engine,
		auth:    cfg.Auth,
		metrics: observability.EscrowGateway(),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(func(next http.Handler) http.Handler { return gwmw.WithIdempotency(s.db, next) })
		api.Use(s.auth.Middleware)

		api.Post("/transactions", s.instrument("request_transaction", s.CreateTransaction))
		api.Get("/transactions", s.instrument("list_transactions", s.ListTransactions))
		api.Get("/transactions/outgoing", s.instrument("list_outgoing", s.ListOutgoing))
		api.Get("/transactions/incoming", s.instrument("list_incoming", s.ListIncoming))
		api.Get("/transactions/{id}", s.instrument("get_transaction", s.GetTransaction))
		api.Post("/transactions/{id}/status", s.instrument("set_status", s.SetStatus))
		api.Post("/transactions/{id}/commission", s.instrument("record_commission", s.RecordCommission))
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(func(next http.Handler) http.Handler { return gwmw.WithIdempotency(s.db, next) })
		admin.Use(s.auth.Middleware)

		admin.Get("/commissions", s.instrument("list_commissions", s.ListCommissions))
		admin.Post("/transactions/{id}/share-contact", s.instrument("share_contact", s.ShareContact))
		admin.Put("/settings/commission-rate", s.instrument("set_commission_rate", s.SetCommissionRate))
	})

	return r
}

// CreateTransaction opens a buy request against a listing.
func (s *Server) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		BookID uuid.UUID `json:"bookId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BookID == uuid.Nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "bookId is required")
		return
	}
	record, err := s.engine.Request(r.Context(), principal.UserID, req.BookID)
	if err != nil {
		s.respondEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, transactionPayload(record, false))
}

// ListTransactions returns every transaction in which the caller is a party.
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	records, err := s.engine.ForUser(r.Context(), principal.UserID)
	if err != nil {
		s.respondEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionList(records, false))
}

// ListOutgoing returns the caller's requests as buyer.
func (s *Server) ListOutgoing(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	records, err := s.engine.Outgoing(r.Context(), principal.UserID)
	if err != nil {
		s.respondEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionList(records, false))
}

// ListIncoming returns requests against the caller's listings. The response
// carries a requester alias for the buyer field for older consumers.
func (s *Server) ListIncoming(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	records, err := s.engine.Incoming(r.Context(), principal.UserID)
	if err != nil {
		s.respondEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionList(records, true))
}

// GetTransaction fetches a single transaction for one of its parties.
func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	record, err := s.engine.Get(r.Context(), id, principal.UserID)
	if err != nil {
		s.respondEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionPayload(record, false))
}

// SetStatus applies the seller's accept or reject decision.
func (s *Server) SetStatus(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Status) == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "status is required")
		return
	}
	record, err := s.engine.SetStatus(r.Context(), id, principal.UserID, escrow.Status(strings.TrimSpace(req.Status)))
	if err != nil {
		s.respondEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionPayload(record, false))
}

// RecordCommission records the caller's commission payment.
func (s *Server) RecordCommission(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		PaymentID string `json:"paymentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.PaymentID) == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "paymentId is required")
		return
	}
	record, bothPaid, err := s.engine.RecordCommissionPayment(r.Context(), id, principal.UserID, strings.TrimSpace(req.PaymentID))
	if err != nil {
		s.respondEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Transaction *transactionView `json:"transaction"`
		BothPaid    bool             `json:"bothPaid"`
	}{Transaction: transactionPayload(record, false), BothPaid: bothPaid})
}

// ListCommissions returns transactions with commissions due or settled.
func (s *Server) ListCommissions(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	records, err := s.engine.PendingCommissions(r.Context(), principal.UserID)
	if err != nil {
		s.respondEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionList(records, false))
}

// ShareContact discloses contact details and completes the transaction.
func (s *Server) ShareContact(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	record, err := s.engine.ShareContactInfo(r.Context(), id, principal.UserID)
	if err != nil {
		s.respondEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionPayload(record, false))
}

// SetCommissionRate updates the platform default commission rate.
func (s *Server) SetCommissionRate(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		Rate float64 `json:"rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "rate is required")
		return
	}
	rate, err := s.engine.SetCommissionRate(r.Context(), principal.UserID, req.Rate)
	if err != nil {
		s.respondEscrowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{"rate": rate})
}

// transactionView is the HTTP shape of a transaction. Requester aliases the
// buyer for consumers of the incoming view.
type transactionView struct {
	models.Transaction
	Requester *uuid.UUID `json:"requester,omitempty"`
}

func transactionPayload(record *models.Transaction, withRequester bool) *transactionView {
	view := &transactionView{Transaction: *record}
	if withRequester {
		requester := record.BuyerID
		view.Requester = &requester
	}
	return view
}

func transactionList(records []models.Transaction, withRequester bool) []*transactionView {
	out := make([]*transactionView, 0, len(records))
	for i := range records {
		out = append(out, transactionPayload(&records[i], withRequester))
	}
	return out
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondEscrowError maps the workflow error taxonomy to stable HTTP codes.
// Anything outside the taxonomy is a storage-layer failure and surfaces as a
// retryable 503.
func (s *Server) respondEscrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "transaction or listing not found")
	case errors.Is(err, escrow.ErrForbidden):
		s.writeError(w, http.StatusForbidden, "forbidden", "actor not authorized for this operation")
	case errors.Is(err, escrow.ErrInvalidOwner):
		s.writeError(w, http.StatusBadRequest, "invalid_owner", "cannot request your own listing")
	case errors.Is(err, escrow.ErrUnavailable):
		s.writeError(w, http.StatusConflict, "unavailable", "listing is not available")
	case errors.Is(err, escrow.ErrConflict):
		s.writeError(w, http.StatusConflict, "conflict", "a live request already exists for this listing")
	case errors.Is(err, escrow.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, "invalid_transition", "status transition not permitted")
	case errors.Is(err, escrow.ErrInvalidState):
		s.writeError(w, http.StatusConflict, "invalid_state", "transaction is not awaiting commission")
	case errors.Is(err, escrow.ErrAlreadyPaid):
		s.writeError(w, http.StatusConflict, "already_paid", "commission already recorded for this party")
	case errors.Is(err, escrow.ErrAlreadyShared):
		s.writeError(w, http.StatusConflict, "already_shared", "contact information already disclosed")
	case errors.Is(err, escrow.ErrPaymentIncomplete):
		s.writeError(w, http.StatusConflict, "payment_incomplete", "both commissions must be paid before disclosure")
	case errors.Is(err, escrow.ErrInvalidRate):
		s.writeError(w, http.StatusBadRequest, "invalid_rate", "rate must be at least 0 and below 1")
	default:
		s.writeError(w, http.StatusServiceUnavailable, "transient", "operation failed, retry later")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_id", "transaction id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

// instrument records request metrics for a named operation.
func (s *Server) instrument(operation string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		s.metrics.Observe(operation, sw.status, time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}
