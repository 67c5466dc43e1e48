package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/davidahmann/orca/internal/auth"
	"github.com/davidahmann/orca/internal/contract"
	"github.com/davidahmann/orca/internal/features"
	"github.com/davidahmann/orca/internal/ledger"
	"github.com/davidahmann/orca/internal/pipeline"
	"github.com/davidahmann/orca/internal/policy"
	"github.com/davidahmann/orca/pkg/types"
)

type evaluatorFunc func(features.FeatureSet) types.Decision

func (f evaluatorFunc) Evaluate(fs features.FeatureSet) types.Decision { return f(fs) }

type failingSink struct{}

func (failingSink) Name() string { return "failing" }

func (failingSink) Emit(context.Context, pipeline.Emission) error {
	return errors.New("sink down")
}

type fixture struct {
	handler *Handler
	store   *ledger.InMemoryStore
	server  *httptest.Server
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, eval pipeline.Evaluator, token string, extra ...pipeline.Sink) *fixture {
	t.Helper()
	validator, err := contract.New()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	if eval == nil {
		eval = policy.NewEvaluator(policy.DefaultPolicy(), policy.WithLogger(quietLogger()))
	}
	store := ledger.NewInMemoryStore()
	sinks := append([]pipeline.Sink{pipeline.LedgerSink{Store: store, PolicyYAML: policy.DefaultPolicyBytes()}}, extra...)
	orch, err := pipeline.New(pipeline.Config{
		Evaluator: eval,
		Validator: validator,
		Sinks:     sinks,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	h := &Handler{
		Pipeline:  orch,
		Validator: validator,
		Store:     store,
		Auth:      auth.StaticToken{Token: token},
		Logger:    quietLogger(),
	}
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return &fixture{handler: h, store: store, server: srv}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil, "secret")
	resp, body := f.do(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["stats"].(map[string]any); !ok {
		t.Fatalf("expected stats, got %v", body)
	}
}

func TestDecideApprovesDemo(t *testing.T) {
	f := newFixture(t, nil, "")
	resp, body := f.do(t, http.MethodPost, "/v1/decisions", `{"cart_total": 664.0, "features": {"trace_id": "demo-123"}}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, body)
	}
	if body["decision"] != "APPROVE" {
		t.Fatalf("expected APPROVE, got %v", body["decision"])
	}
	meta, _ := body["meta"].(map[string]any)
	if meta["trace_id"] != "demo-123" || meta["risk_score"] != 0.3 {
		t.Fatalf("unexpected meta %v", meta)
	}
	id, _ := meta["decision_id"].(string)
	if id == "" {
		t.Fatalf("expected decision_id")
	}

	resp, stored := f.do(t, http.MethodGet, "/v1/decisions/"+id, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected stored decision, got %d", resp.StatusCode)
	}
	if stored["decision_id"] != id || stored["trace_id"] != "demo-123" {
		t.Fatalf("unexpected stored decision %v", stored)
	}
	if _, ok := stored["explanation"].(map[string]any); !ok {
		t.Fatalf("expected explanation, got %v", stored["explanation"])
	}
}

func TestDecideRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, "")
	cases := map[string]string{
		"missing total": `{"currency": "EUR"}`,
		"zero total":    `{"cart_total": 0}`,
		"not object":    `[1, 2]`,
		"not json":      `nope`,
	}
	for name, body := range cases {
		resp, out := f.do(t, http.MethodPost, "/v1/decisions", body, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, resp.StatusCode)
		}
		if out["error"] == "" {
			t.Fatalf("%s: expected error message", name)
		}
	}
	if got := f.handler.Pipeline.Stats().Violations; got != 0 {
		t.Fatalf("expected no contract violations, got %d", got)
	}
}

func TestDecideContractViolationIs500(t *testing.T) {
	bad := evaluatorFunc(func(fs features.FeatureSet) types.Decision {
		return types.Decision{
			Decision:  types.VerdictApprove,
			RiskScore: 0.1,
			Reasons:   []string{"ok"},
			Actions:   []string{"ROUTE:DEFAULT"},
			Meta:      map[string]any{types.MetaTraceID: fs.TraceID(), types.MetaRoutingHint: "", types.MetaExplain: "x"},
		}
	})
	f := newFixture(t, bad, "")
	resp, body := f.do(t, http.MethodPost, "/v1/decisions", `{"cart_total": 10, "features": {"trace_id": "t-bad"}}`, "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if body["error"] != pipeline.ErrInternalContractViolation.Error() {
		t.Fatalf("unexpected error %v", body["error"])
	}
	if recs, _ := f.store.ListDecisionsByTrace("t-bad", 0); len(recs) != 0 {
		t.Fatalf("expected nothing recorded, got %d", len(recs))
	}
}

func TestDecideEmitErrorStillReturnsDecision(t *testing.T) {
	f := newFixture(t, nil, "", failingSink{})
	resp, body := f.do(t, http.MethodPost, "/v1/decisions", `{"cart_total": 50}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Orca-Emit-Error") != "true" {
		t.Fatalf("expected emit error header")
	}
	if body["decision"] == nil {
		t.Fatalf("expected decision body, got %v", body)
	}
}

func TestDecideBatch(t *testing.T) {
	f := newFixture(t, nil, "")
	payload := `[
		{"cart_total": 10, "features": {"trace_id": "b-1"}},
		{"cart_total": 0},
		{"cart_total": 20, "features": {"trace_id": "b-3"}}
	]`
	resp, body := f.do(t, http.MethodPost, "/v1/decisions:batch", payload, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["valid"] != 2.0 || body["total"] != 3.0 {
		t.Fatalf("unexpected summary %v", body)
	}
	items, _ := body["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	second, _ := items[1].(map[string]any)
	if second["name"] != "items[1]" || second["ok"] != false || second["error"] == "" {
		t.Fatalf("unexpected second item %v", second)
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/decisions:batch", `{"cart_total": 10}`, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-array, got %d", resp.StatusCode)
	}
}

func TestValidateContract(t *testing.T) {
	f := newFixture(t, nil, "")
	good := `{"decision":"APPROVE","reasons":["low_amount"],"actions":["ROUTE:DEFAULT"],"meta":{"trace_id":"t","routing_hint":"STANDARD_ROUTING","explain":"ok","risk_score":0.1}}`

	resp, body := f.do(t, http.MethodPost, "/v1/contracts/ap2_decision:validate", good, "")
	if resp.StatusCode != http.StatusOK || body["valid"] != true {
		t.Fatalf("expected valid, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/contracts/ap2_decision:validate", `{"decision":"MAYBE"}`, "")
	if resp.StatusCode != http.StatusOK || body["valid"] != false {
		t.Fatalf("expected invalid, got %d %v", resp.StatusCode, body)
	}
	if problems, _ := body["problems"].([]any); len(problems) == 0 {
		t.Fatalf("expected problems, got %v", body)
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/contracts/ap2_decision:validate", `{`, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unparseable, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/contracts/ap3_decision:validate", good, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown schema, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/contracts/ap2_decision", good, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without :validate, got %d", resp.StatusCode)
	}
}

func TestValidateContractCloudEventType(t *testing.T) {
	f := newFixture(t, nil, "")
	resp, body := f.do(t, http.MethodPost, "/v1/contracts/cloudevent:orca.decision.v1:validate", `{"specversion":"1.0"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, body)
	}
	if body["schema_type"] != "cloudevent:orca.decision.v1" || body["valid"] != false {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestLookupDecisions(t *testing.T) {
	f := newFixture(t, nil, "")
	resp, _ := f.do(t, http.MethodGet, "/v1/decisions/missing", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	for _, total := range []string{"10", "500"} {
		f.do(t, http.MethodPost, "/v1/decisions", `{"cart_total": `+total+`, "features": {"trace_id": "trace-x"}}`, "")
	}
	resp, body := f.do(t, http.MethodGet, "/v1/traces/trace-x/decisions", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got, _ := body["decisions"].([]any); len(got) != 2 {
		t.Fatalf("expected 2 decisions, got %v", body)
	}

	_, body = f.do(t, http.MethodGet, "/v1/traces/trace-x/decisions?limit=1", "", "")
	if got, _ := body["decisions"].([]any); len(got) != 1 {
		t.Fatalf("expected limit 1, got %v", body)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/traces/trace-x/decisions?limit=abc", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil, "secret")
	resp, _ := f.do(t, http.MethodPost, "/v1/decisions", `{"cart_total": 10}`, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/decisions", `{"cart_total": 10}`, "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/decisions", `{"cart_total": 10}`, "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t, nil, "")
	f.handler.MaxBodyBytes = 16
	resp, _ := f.do(t, http.MethodPost, "/v1/decisions", `{"cart_total": 10, "features": {"trace_id": "a-long-trace-id"}}`, "")
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestNilComponents(t *testing.T) {
	srv := httptest.NewServer(NewRouter(&Handler{}))
	defer srv.Close()
	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/v1/decisions"},
		{http.MethodPost, "/v1/decisions:batch"},
		{http.MethodPost, "/v1/contracts/ap2_decision:validate"},
		{http.MethodGet, "/v1/decisions/x"},
		{http.MethodGet, "/v1/traces/x/decisions"},
	} {
		req, _ := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(`{}`))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotImplemented {
			t.Fatalf("%s %s: expected 501, got %d", tc.method, tc.path, resp.StatusCode)
		}
	}
}
