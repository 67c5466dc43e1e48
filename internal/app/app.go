package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/davidahmann/orca/internal/config"
	"github.com/davidahmann/orca/internal/contract"
	"github.com/davidahmann/orca/internal/eventbus"
	"github.com/davidahmann/orca/internal/ledger"
	"github.com/davidahmann/orca/internal/ledger/pgstore"
	"github.com/davidahmann/orca/internal/ledger/sqlstore"
	"github.com/davidahmann/orca/internal/outbox"
	"github.com/davidahmann/orca/internal/pipeline"
	"github.com/davidahmann/orca/internal/policy"
	"github.com/davidahmann/orca/internal/scoring"
)

// App holds the long-lived components built from one Config.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Policy     policy.Policy
	PolicyYAML []byte
	Evaluator  *policy.Evaluator
	Validator  *contract.Validator
	Store      ledger.Store
	Publisher  eventbus.Publisher
	Relay      *outbox.Relay
	Pipeline   *pipeline.Orchestrator

	closers []func() error
}

// Build wires the service. On error every component opened so far is closed.
func Build(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.Config

	policyYAML, p, err := loadPolicy(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	a.Policy, a.PolicyYAML = p, policyYAML

	source, err := newScoreSource(cfg.Scorer)
	if err != nil {
		return fmt.Errorf("scorer: %w", err)
	}
	a.Evaluator = policy.NewEvaluator(p, policy.WithScoreSource(source), policy.WithLogger(a.Logger))

	var opts []contract.Option
	if cfg.SchemaDir != "" {
		opts = append(opts, contract.WithSchemaDir(cfg.SchemaDir))
	}
	a.Validator, err = contract.New(opts...)
	if err != nil {
		return fmt.Errorf("contracts: %w", err)
	}

	a.Store, err = a.openStore(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	ledgerSink := pipeline.LedgerSink{Store: a.Store, PolicyYAML: policyYAML}
	var sinks []pipeline.Sink

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := eventbus.NewKafkaPublisher(eventbus.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		a.Publisher = pub
		a.closers = append(a.closers, pub.Close)
		if cfg.Kafka.Outbox {
			ledgerSink.EnqueueEvents = true
			a.Relay = &outbox.Relay{Store: a.Store, Publisher: pub, Logger: a.Logger}
		} else {
			sinks = append(sinks, pipeline.EventSink{Publisher: pub})
		}
	}
	sinks = append([]pipeline.Sink{ledgerSink}, sinks...)

	a.Pipeline, err = pipeline.New(pipeline.Config{
		Evaluator:   a.Evaluator,
		Validator:   a.Validator,
		Importance:  source.Importance(),
		EventType:   cfg.EventType,
		EventSource: cfg.EventSource,
		Sinks:       sinks,
		Logger:      a.Logger,
		Workers:     cfg.BatchWorkers,
	})
	if err != nil {
		return err
	}

	a.Logger.Info("orca ready",
		"policy_id", p.PolicyID,
		"policy_hash", p.Hash,
		"score_source", source.Kind(),
		"ledger", ledgerDriver(cfg.Ledger.Driver),
		"kafka", len(cfg.Kafka.Brokers) > 0,
		"outbox", a.Relay != nil,
	)
	return nil
}

// Close releases stores and publishers in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loadPolicy(path string) ([]byte, policy.Policy, error) {
	if path == "" {
		return policy.DefaultPolicyBytes(), policy.DefaultPolicy(), nil
	}
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, policy.Policy{}, err
	}
	p, err := policy.ParsePolicy(data)
	if err != nil {
		return nil, policy.Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	return data, p, nil
}

func newScoreSource(cfg config.ScorerConfig) (scoring.ScoreSource, error) {
	kind := scoring.SourceKind(cfg.Kind)
	if kind == "" || kind == scoring.SourceRuleBased {
		return scoring.RuleBased{}, nil
	}
	model, err := scoring.LoadModel(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	return scoring.NewSource(kind, model, cfg.Weight())
}

func (a *App) openStore(cfg config.LedgerConfig) (ledger.Store, error) {
	switch ledger.DBDriver(ledgerDriver(cfg.Driver)) {
	case ledger.DBMemory:
		return ledger.NewInMemoryStore(), nil
	case ledger.DBSQLite:
		s, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
			return nil, err
		}
		return s, nil
	case ledger.DBPostgres:
		s, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		if err := ledger.Migrate(s.DB(), ledger.DBPostgres); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnsupportedDriver, cfg.Driver)
	}
}

func ledgerDriver(driver string) string {
	if driver == "" {
		return string(ledger.DBMemory)
	}
	return driver
}
