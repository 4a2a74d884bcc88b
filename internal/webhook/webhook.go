// Package webhook implements C11: the HTTP edge that receives
// TradingView alert POSTs, rejects replays and malformed bodies, and
// hands a parsed Signal synchronously through C5 (filter), C6
// (position), and C7 (dispatch), enqueuing the resulting
// ExecutionTasks to C8 before responding (§4.8). Grounded on the
// teacher's handlers_signals.go request-parsing/error-mapping idiom,
// adapted from a CRUD resource handler to a single high-throughput
// ingestion endpoint, with an HMAC body-signature check learned from
// the Dhan order-postback receiver pattern in the example pack.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecopy/internal/dispatch"
	"tradecopy/internal/domain"
	"tradecopy/internal/execution"
	"tradecopy/internal/filter"
	"tradecopy/internal/position"
	"tradecopy/internal/registry"
	"tradecopy/internal/signalstore"
	"tradecopy/internal/telemetry"
)

// DedupWindow is the default replay-rejection window (§4.8, §6
// DEDUP_WINDOW_SECONDS).
const DedupWindow = 60 * time.Second

var validate = validator.New()

// payload is the wire shape of a TradingView alert body (§6).
type payload struct {
	Recorder string `json:"recorder,omitempty"`
	Action   string `json:"action" validate:"required,oneof=buy sell close BUY SELL CLOSE"`
	Ticker   string `json:"ticker" validate:"required"`
	Price    string `json:"price" validate:"required"`
	Nonce    string `json:"nonce,omitempty"`
}

// response is the body returned for every request that reaches
// parsing, success or rejection alike (§4.8).
type response struct {
	Accepted     bool   `json:"accepted"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Dispatched   int    `json:"dispatched"`
}

// Recorders resolves a URL token to its Recorder.
type Recorders interface {
	RecorderByToken(ctx context.Context, token string) (domain.Recorder, error)
}

// Handler is the C11 HTTP endpoint.
type Handler struct {
	recorders Recorders
	store     *signalstore.Store
	filter    *filter.Pipeline
	machine   *position.Machine
	dispatch  *dispatch.Dispatcher
	pool      *execution.Pool
	metrics   *telemetry.Metrics
	window    time.Duration
}

// New wires the full C11->C5->C6->C7->C8 chain behind one handler.
func New(recorders Recorders, store *signalstore.Store, pipeline *filter.Pipeline, machine *position.Machine, dispatcher *dispatch.Dispatcher, pool *execution.Pool, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		recorders: recorders,
		store:     store,
		filter:    pipeline,
		machine:   machine,
		dispatch:  dispatcher,
		pool:      pool,
		metrics:   metrics,
		window:    DedupWindow,
	}
}

// ServeHTTP implements §4.8 in full: constant-time token match, HMAC
// signature check, JSON validation, dedup, then the synchronous
// filter/position/dispatch handoff. Only C8 (broker I/O) happens off
// the request path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/webhook/")
	token = strings.Trim(token, "/")
	if token == "" {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.recorders.RecorderByToken(r.Context(), token)
	if err != nil {
		// No distinguishing body between "bad token" and "any other
		// 404" per §4.8.
		http.NotFound(w, r)
		return
	}

	if sig := r.Header.Get("X-Signature"); sig != "" {
		if !verifySignature(rec.WebhookToken, body, sig) {
			http.NotFound(w, r)
			return
		}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Accepted: false, Reason: "malformed json"})
		return
	}
	if err := validate.Struct(p); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Accepted: false, Reason: err.Error()})
		return
	}

	price, err := decimal.NewFromString(p.Price)
	if err != nil || price.IsNegative() {
		writeJSON(w, http.StatusBadRequest, response{Accepted: false, Reason: "invalid price"})
		return
	}

	action, err := parseAction(p.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Accepted: false, Reason: err.Error()})
		return
	}

	now := time.Now()
	dedupKey := dedupKeyFor(token, body, now)

	dup, err := h.store.IsDuplicate(r.Context(), dedupKey, h.window, now)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if dup {
		writeJSON(w, http.StatusOK, response{Accepted: false, Deduplicated: true})
		return
	}

	sig := domain.Signal{
		ID:         uuid.New(),
		RecorderID: rec.ID,
		ReceivedAt: now,
		Action:     action,
		Ticker:     p.Ticker,
		Price:      price,
		RawPayload: body,
		DedupKey:   dedupKey,
	}

	// Logged regardless of filter outcome (§4.3).
	if err := h.store.AppendSignal(r.Context(), sig); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.SignalsReceived.WithLabelValues(rec.ID.String()).Inc()
	}

	decision := h.filter.Evaluate(r.Context(), rec, sig)
	if !decision.Accepted {
		writeJSON(w, http.StatusOK, response{Accepted: false, Reason: decision.Reason})
		return
	}

	eff, err := h.machine.Apply(r.Context(), rec, sig)
	if err != nil {
		telemetry.LogEvent(r.Context(), "error", "position_apply_failed", map[string]any{"error": err, "signal_id": sig.ID})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	tasks, err := h.dispatch.Expand(r.Context(), rec, sig, eff)
	if err != nil {
		telemetry.LogEvent(r.Context(), "error", "dispatch_expand_failed", map[string]any{"error": err, "signal_id": sig.ID})
		writeJSON(w, http.StatusOK, response{Accepted: true, Dispatched: 0})
		return
	}

	for _, task := range tasks {
		h.pool.Enqueue(r.Context(), task)
	}

	writeJSON(w, http.StatusOK, response{Accepted: true, Dispatched: len(tasks)})
}

func parseAction(raw string) (domain.Action, error) {
	switch strings.ToUpper(raw) {
	case "BUY":
		return domain.ActionBuy, nil
	case "SELL":
		return domain.ActionSell, nil
	case "CLOSE":
		return domain.ActionClose, nil
	default:
		return "", errors.New("unknown action")
	}
}

// dedupKeyFor implements §4.8's exact formula: sha256(token | body |
// truncated wall timestamp), truncated to the dedup window so that
// two POSTs landing in the same window hash identically.
func dedupKeyFor(token string, body []byte, now time.Time) string {
	bucket := now.Truncate(DedupWindow).Unix()
	h := sha256.New()
	h.Write([]byte(token))
	h.Write([]byte{'|'})
	h.Write(body)
	h.Write([]byte{'|'})
	fmt.Fprintf(h, "%d", bucket)
	return hex.EncodeToString(h.Sum(nil))
}

// verifySignature checks the declared HMAC-SHA256 contract (§6):
// X-Signature is hex(HMAC-SHA256(body, recorder secret)).
func verifySignature(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
