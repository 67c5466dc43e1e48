package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/orca/internal/auth"
	"github.com/davidahmann/orca/internal/contract"
	"github.com/davidahmann/orca/internal/ledger"
	"github.com/davidahmann/orca/internal/pipeline"
	"github.com/davidahmann/orca/pkg/types"
)

const DefaultMaxBodyBytes = 1 << 20

type Handler struct {
	Pipeline     *pipeline.Orchestrator
	Validator    *contract.Validator
	Store        ledger.Store
	Auth         auth.Authenticator
	Logger       *slog.Logger
	MaxBodyBytes int64
}

type batchItemResponse struct {
	Name       string         `json:"name"`
	OK         bool           `json:"ok"`
	DecisionID string         `json:"decision_id,omitempty"`
	Decision   types.Verdict  `json:"decision,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type batchResponse struct {
	Valid int                 `json:"valid"`
	Total int                 `json:"total"`
	Items []batchItemResponse `json:"items"`
}

type validateResponse struct {
	SchemaType string   `json:"schema_type"`
	Valid      bool     `json:"valid"`
	Problems   []string `json:"problems,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type storedDecisionResponse struct {
	DecisionID  string          `json:"decision_id"`
	TraceID     string          `json:"trace_id"`
	Verdict     string          `json:"decision"`
	RiskScore   float64         `json:"risk_score"`
	PolicyHash  string          `json:"policy_hash"`
	CreatedAt   string          `json:"created_at"`
	Response    json.RawMessage `json:"response"`
	Explanation json.RawMessage `json:"explanation,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "service": "orca"}
	if h.Pipeline != nil {
		body["stats"] = h.Pipeline.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	if h.Pipeline == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "pipeline not configured"})
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	req, err := types.ParseDecisionRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := h.Pipeline.Process(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrEmit):
		// The decision stands; tell the caller it was not fully recorded.
		w.Header().Set("X-Orca-Emit-Error", "true")
	case errors.Is(err, pipeline.ErrInternalContractViolation):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": pipeline.ErrInternalContractViolation.Error()})
		return
	case errors.Is(err, types.ErrInputValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res.Response)
}

func (h *Handler) DecideBatch(w http.ResponseWriter, r *http.Request) {
	if h.Pipeline == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "pipeline not configured"})
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected a JSON array of decision requests"})
		return
	}
	items := make([]pipeline.BatchItem, len(raw))
	for i, payload := range raw {
		items[i] = pipeline.BatchItem{Name: "items[" + strconv.Itoa(i) + "]", Payload: payload}
	}

	summary := h.Pipeline.ProcessBatch(r.Context(), items)
	out := batchResponse{Valid: summary.Valid, Total: summary.Total, Items: make([]batchItemResponse, 0, len(summary.Items))}
	for _, item := range summary.Items {
		row := batchItemResponse{Name: item.Name, OK: item.OK()}
		if item.OK() {
			row.DecisionID = item.Result.DecisionID
			row.Decision = item.Result.Response.Decision
			row.Meta = item.Result.Response.Meta
		}
		if item.Err != nil {
			row.Error = item.Err.Error()
		}
		out.Items = append(out.Items, row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ValidateContract(w http.ResponseWriter, r *http.Request) {
	if h.Validator == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "validator not configured"})
		return
	}
	schemaType, ok := strings.CutSuffix(chi.URLParam(r, "*"), ":validate")
	if !ok || schemaType == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "expected /v1/contracts/{schemaType}:validate"})
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	resp := validateResponse{SchemaType: schemaType}
	err := h.Validator.Validate(body, schemaType)
	var ve *contract.ValidationError
	switch {
	case err == nil:
		resp.Valid = true
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, contract.ErrUnknownSchemaType):
		resp.Error = err.Error()
		writeJSON(w, http.StatusNotFound, resp)
	case errors.Is(err, contract.ErrUnparseable):
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.As(err, &ve):
		resp.Problems = ve.Problems
		writeJSON(w, http.StatusOK, resp)
	default:
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ledger not configured"})
		return
	}
	decisionID := chi.URLParam(r, "decisionID")
	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing decision_id"})
		return
	}
	rec, ok := h.Store.GetDecision(decisionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "decision not found"})
		return
	}
	writeJSON(w, http.StatusOK, toStored(rec))
}

func (h *Handler) ListTraceDecisions(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ledger not configured"})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	recs, err := h.Store.ListDecisionsByTrace(chi.URLParam(r, "traceID"), limit)
	if err != nil {
		h.logger().Error("list decisions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list decisions failed"})
		return
	}
	out := make([]storedDecisionResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toStored(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": out})
}

func toStored(rec ledger.DecisionRecord) storedDecisionResponse {
	return storedDecisionResponse{
		DecisionID:  rec.DecisionID,
		TraceID:     rec.TraceID,
		Verdict:     rec.Verdict,
		RiskScore:   rec.RiskScore,
		PolicyHash:  rec.PolicyHash,
		CreatedAt:   rec.CreatedAt,
		Response:    json.RawMessage(rec.BodyJSON),
		Explanation: json.RawMessage(rec.ExplanationJSON),
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body failed"})
		return nil, false
	}
	return body, true
}

func (h *Handler) limitRequestBody(next http.Handler) http.Handler {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
