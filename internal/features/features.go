package features

import (
	"encoding/json"
	"maps"
	"math"
	"strconv"
	"strings"

	"github.com/davidahmann/orca/pkg/types"
)

const (
	KeyAmount   = "amount"
	KeyCurrency = "currency"
	KeyTraceID  = "trace_id"
)

const UnknownTraceID = "unknown"

// FeatureSet is the normalized, per-request input to rule evaluation.
// Values are numbers, strings or booleans.
type FeatureSet map[string]any

// FromRequest builds a FeatureSet from a validated DecisionRequest. The trace
// id is taken from the request itself, then features, then context, else
// "unknown".
func FromRequest(req types.DecisionRequest) FeatureSet {
	fs := make(FeatureSet, len(req.Features)+3)
	maps.Copy(fs, req.Features)
	fs[KeyAmount] = req.CartTotal
	fs[KeyCurrency] = req.Currency

	trace := strings.TrimSpace(req.TraceID)
	if trace == "" {
		trace = stringValue(req.Features[KeyTraceID])
	}
	if trace == "" {
		trace = stringValue(req.Context[KeyTraceID])
	}
	if trace == "" {
		trace = UnknownTraceID
	}
	fs[KeyTraceID] = trace
	return fs
}

// Amount returns the transaction amount. Missing or non-numeric amounts read
// as 0 so evaluation stays total.
func (f FeatureSet) Amount() float64 {
	v, ok := Number(f[KeyAmount])
	if !ok || v < 0 {
		return 0
	}
	return v
}

func (f FeatureSet) Currency() string {
	if s := stringValue(f[KeyCurrency]); s != "" {
		return s
	}
	return types.DefaultCurrency
}

func (f FeatureSet) TraceID() string {
	if s := stringValue(f[KeyTraceID]); s != "" {
		return s
	}
	return UnknownTraceID
}

// Map returns a shallow copy suitable for handing to scorers and expression
// environments.
func (f FeatureSet) Map() map[string]any {
	out := make(map[string]any, len(f))
	maps.Copy(out, f)
	return out
}

// Number converts the numeric and boolean shapes that JSON decoding and Go
// callers produce into a float64.
func Number(v any) (float64, bool) {
	var out float64
	switch n := v.(type) {
	case float64:
		out = n
	case float32:
		out = float64(n)
	case int:
		out = float64(n)
	case int32:
		out = float64(n)
	case int64:
		out = float64(n)
	case uint:
		out = float64(n)
	case uint64:
		out = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		out = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		out = parsed
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, false
	}
	return out, true
}

func stringValue(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
