package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/davidahmann/orca/internal/contract"
	"github.com/davidahmann/orca/internal/decision"
	"github.com/davidahmann/orca/internal/features"
	"github.com/davidahmann/orca/pkg/types"
)

// Evaluator is the rule stage. *policy.Evaluator satisfies it.
type Evaluator interface {
	Evaluate(fs features.FeatureSet) types.Decision
}

const (
	StageDecision    = "decision"
	StageDecisionID  = "decision_id"
	StageResponse    = "response"
	StageExplanation = "explanation"
	StageEvent       = "event"
)

type Config struct {
	Evaluator   Evaluator
	Validator   *contract.Validator
	Importance  map[string]float64
	EventType   string
	EventSource string
	Sinks       []Sink
	Logger      *slog.Logger
	Workers     int
	Now         func() time.Time
}

type Orchestrator struct {
	evaluator   Evaluator
	validator   *contract.Validator
	importance  map[string]float64
	eventType   string
	eventSource string
	sinks       []Sink
	logger      *slog.Logger
	workers     int
	now         func() time.Time

	processed    atomic.Int64
	violations   atomic.Int64
	emitFailures atomic.Int64
}

// Stats are process-lifetime counters.
type Stats struct {
	Processed    int64 `json:"processed"`
	Violations   int64 `json:"contract_violations"`
	EmitFailures int64 `json:"emit_failures"`
}

type Result struct {
	DecisionID  string
	Decision    types.Decision
	Response    types.DecisionResponse
	Explanation types.Explanation
	Event       types.CloudEvent
	// OK reports contract compliance. Only compliant results reach sinks.
	OK bool
}

const DefaultWorkers = 4

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Evaluator == nil {
		return nil, errors.New("pipeline: evaluator is required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("pipeline: validator is required")
	}
	eventType := cfg.EventType
	if eventType == "" {
		eventType = decision.DefaultEventType
	}
	if !cfg.Validator.Known(contract.EventPrefix + eventType) {
		return nil, fmt.Errorf("pipeline: no contract for event type %q", eventType)
	}
	o := &Orchestrator{
		evaluator:   cfg.Evaluator,
		validator:   cfg.Validator,
		importance:  cfg.Importance,
		eventType:   eventType,
		eventSource: cfg.EventSource,
		sinks:       cfg.Sinks,
		logger:      cfg.Logger,
		workers:     cfg.Workers,
		now:         cfg.Now,
	}
	if o.eventSource == "" {
		o.eventSource = decision.DefaultEventSource
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.workers <= 0 {
		o.workers = DefaultWorkers
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Processed:    o.processed.Load(),
		Violations:   o.violations.Load(),
		EmitFailures: o.emitFailures.Load(),
	}
}

// Process evaluates req, checks every artifact against its contract and hands
// compliant results to the sinks. The returned error is an
// *types.InputValidationError for a bad request, a *ContractViolationError
// when the evaluator's own output is rejected, or an *EmitError when a sink
// fails. An EmitError leaves the result untouched and OK.
func (o *Orchestrator) Process(ctx context.Context, req types.DecisionRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	o.processed.Add(1)

	fs := features.FromRequest(req)
	d := o.evaluator.Evaluate(fs)
	res := Result{Decision: d}
	if err := d.Check(); err != nil {
		return res, o.violation(StageDecision, "", d.TraceID(), err)
	}

	id, err := decision.BuildDecisionID(d, fs.Map())
	if err != nil {
		return res, o.violation(StageDecisionID, "", d.TraceID(), err)
	}
	res.DecisionID = id

	resp, err := decision.ToResponse(d, id)
	if err != nil {
		return res, o.violation(StageResponse, "", d.TraceID(), err)
	}
	res.Response = resp
	if err := o.validator.Validate(resp, contract.SchemaDecision); err != nil {
		return res, o.violation(StageResponse, contract.SchemaDecision, d.TraceID(), err)
	}

	expl := decision.BuildExplanation(d, id, o.importance, fs.Map())
	res.Explanation = expl
	if err := o.validator.Validate(expl, contract.SchemaExplanation); err != nil {
		return res, o.violation(StageExplanation, contract.SchemaExplanation, d.TraceID(), err)
	}

	now := o.now()
	ev, err := decision.BuildEvent(o.eventType, o.eventSource, d.TraceID(), resp, now)
	if err != nil {
		return res, o.violation(StageEvent, "", d.TraceID(), err)
	}
	res.Event = ev
	eventSchema := contract.EventPrefix + o.eventType
	if err := o.validator.Validate(ev, eventSchema); err != nil {
		return res, o.violation(StageEvent, eventSchema, d.TraceID(), err)
	}

	res.OK = true
	o.logger.Info("decision",
		"trace_id", d.TraceID(),
		"decision_id", id,
		"decision", d.Decision,
		"risk_score", d.RiskScore,
		"tier_id", d.Meta[types.MetaTierID],
	)

	if err := o.emit(ctx, Emission{
		DecisionID:  id,
		Decision:    d,
		Response:    resp,
		Explanation: expl,
		Event:       ev,
		CreatedAt:   now,
	}); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) violation(stage, schemaType, traceID string, err error) error {
	o.violations.Add(1)
	o.logger.Error("internal contract violation",
		"stage", stage,
		"schema_type", schemaType,
		"trace_id", traceID,
		"error", err,
	)
	return &ContractViolationError{Stage: stage, SchemaType: schemaType, TraceID: traceID, Err: err}
}

func (o *Orchestrator) emit(ctx context.Context, em Emission) error {
	var errs []error
	for _, sink := range o.sinks {
		if err := sink.Emit(ctx, em); err != nil {
			o.logger.Warn("sink emit failed", "sink", sink.Name(), "decision_id", em.DecisionID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	o.emitFailures.Add(1)
	return &EmitError{DecisionID: em.DecisionID, Err: errors.Join(errs...)}
}
