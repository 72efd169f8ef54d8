package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payreq/internal/domain"
	"github.com/punchamoorthee/payreq/internal/service"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payreq_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payreq_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})
)

const (
	actorHeader       = "X-Actor"
	idempotencyHeader = "Idempotency-Key"

	defaultListLimit = 50
	maxListLimit     = 500
)

type Handler struct {
	svc      *service.LedgerService
	logger   *zap.Logger
	decimals int32
}

// NewHandler serves svc over HTTP. Amounts on the wire are decimal strings
// in whole token units; decimals is the number of smallest units per token
// expressed as a power of ten.
func NewHandler(svc *service.LedgerService, logger *zap.Logger, decimals int32) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger, decimals: decimals}
}

type createRequestBody struct {
	Payee       string          `json:"payee"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type requestView struct {
	ID                int64         `json:"id"`
	Requester         string        `json:"requester"`
	Payee             string        `json:"payee"`
	Amount            int64         `json:"amount"`
	AmountDisplay     string        `json:"amount_display"`
	Description       string        `json:"description"`
	Status            domain.Status `json:"status"`
	ConfirmationToken string        `json:"confirmation_token,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
}

func (h *Handler) view(r domain.PaymentRequest) requestView {
	return requestView{
		ID:                r.ID,
		Requester:         r.Requester,
		Payee:             r.Payee,
		Amount:            r.Amount,
		AmountDisplay:     h.display(r.Amount),
		Description:       r.Description,
		Status:            r.Status,
		ConfirmationToken: r.ConfirmationToken,
		CreatedAt:         r.CreatedAt,
		ResolvedAt:        r.ResolvedAt,
	}
}

// toUnits converts a token amount to smallest units. Amounts finer than one
// unit or beyond int64 are rejected.
func (h *Handler) toUnits(d decimal.Decimal) (int64, error) {
	units := d.Shift(h.decimals)
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount %s is finer than 10^-%d: %w", d, h.decimals, domain.ErrInvalidAmount)
	}
	if units.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || units.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("amount %s out of range: %w", d, domain.ErrInvalidAmount)
	}
	return units.IntPart(), nil
}

func (h *Handler) display(units int64) string {
	return decimal.New(units, -h.decimals).String()
}

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/requests"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	actor := r.Header.Get(actorHeader)
	if actor == "" {
		h.respondError(w, http.StatusUnauthorized, "Missing X-Actor header", "POST", endpoint)
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}

	amount, err := h.toUnits(body.Amount)
	if err != nil {
		h.respondServiceError(w, err, "POST", endpoint)
		return
	}

	id, err := h.svc.CreateRequest(r.Context(), service.CreateInput{
		Requester:      actor,
		Payee:          body.Payee,
		Amount:         amount,
		Description:    body.Description,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		h.respondServiceError(w, err, "POST", endpoint)
		return
	}

	req, err := h.svc.GetRequest(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "POST", endpoint)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/requests/%d", id))
	h.respondJSON(w, http.StatusCreated, h.view(req), "POST", endpoint)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/requests/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.requestID(w, r, "GET", endpoint)
	if !ok {
		return
	}

	req, err := h.svc.GetRequest(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, h.view(req), "GET", endpoint)
}

type listResponse struct {
	Requests  []requestView `json:"requests"`
	NextAfter int64         `json:"next_after,omitempty"`
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/requests"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	q := r.URL.Query()

	filter := domain.Filter{
		Requester: q.Get("requester"),
		Payee:     q.Get("payee"),
		Status:    domain.Status(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		h.respondError(w, http.StatusBadRequest, "Unknown status", "GET", endpoint)
		return
	}

	var after int64
	if s := q.Get("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			h.respondError(w, http.StatusBadRequest, "Invalid after cursor", "GET", endpoint)
			return
		}
		after = v
	}

	limit := defaultListLimit
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			h.respondError(w, http.StatusBadRequest, "Invalid limit", "GET", endpoint)
			return
		}
		limit = min(v, maxListLimit)
	}

	resp := listResponse{Requests: []requestView{}}
	for req, err := range h.svc.ListRequestsAfter(r.Context(), filter, after) {
		if err != nil {
			h.respondServiceError(w, err, "GET", endpoint)
			return
		}
		resp.Requests = append(resp.Requests, h.view(req))
		if len(resp.Requests) == limit {
			resp.NextAfter = req.ID
			break
		}
	}
	h.respondJSON(w, http.StatusOK, resp, "GET", endpoint)
}

func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/requests/{id}/approve"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.requestID(w, r, "POST", endpoint)
	if !ok {
		return
	}
	actor := r.Header.Get(actorHeader)
	if actor == "" {
		h.respondError(w, http.StatusUnauthorized, "Missing X-Actor header", "POST", endpoint)
		return
	}

	receipt, err := h.svc.ApproveRequest(r.Context(), id, actor)
	if err != nil && receipt.ConfirmationToken != "" {
		// Funds moved but the approval was not recorded; the caller needs the token.
		h.logger.Error("approval not recorded", zap.Int64("id", id), zap.Error(err))
		h.respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":              "Transfer executed but approval not recorded",
			"confirmation_token": receipt.ConfirmationToken,
		}, "POST", endpoint)
		return
	}
	if err != nil {
		h.respondServiceError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, receipt, "POST", endpoint)
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/requests/{id}/cancel"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.requestID(w, r, "POST", endpoint)
	if !ok {
		return
	}
	actor := r.Header.Get(actorHeader)
	if actor == "" {
		h.respondError(w, http.StatusUnauthorized, "Missing X-Actor header", "POST", endpoint)
		return
	}

	receipt, err := h.svc.CancelRequest(r.Context(), id, actor)
	if err != nil {
		h.respondServiceError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, receipt, "POST", endpoint)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/balances/{identity}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	identity := mux.Vars(r)["identity"]

	balance, err := h.svc.Balance(r.Context(), identity)
	if err != nil {
		h.respondServiceError(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"identity":        identity,
		"balance":         balance,
		"balance_display": h.display(balance),
	}, "GET", endpoint)
}

// Helpers
func (h *Handler) requestID(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid request id", method, endpoint)
		return 0, false
	}
	return id, true
}

var statusByError = []struct {
	err  error
	code int
}{
	{domain.ErrNotFound, http.StatusNotFound},
	{domain.ErrUnauthorized, http.StatusForbidden},
	{domain.ErrAlreadyResolved, http.StatusConflict},
	{domain.ErrIdempotencyConflict, http.StatusConflict},
	{domain.ErrInvalidAmount, http.StatusUnprocessableEntity},
	{domain.ErrInvalidPayee, http.StatusUnprocessableEntity},
	{domain.ErrInvalidIdentity, http.StatusUnprocessableEntity},
	{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity},
	{domain.ErrIdempotencyMismatch, http.StatusUnprocessableEntity},
	{domain.ErrTimeout, http.StatusGatewayTimeout},
	{domain.ErrTransferFailed, http.StatusBadGateway},
}

func statusFor(err error) int {
	for _, s := range statusByError {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, method, endpoint string) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		h.respondError(w, code, "Internal Server Error", method, endpoint)
		return
	}
	h.respondJSON(w, code, map[string]string{"error": err.Error(), "kind": domain.Kind(err)}, method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
