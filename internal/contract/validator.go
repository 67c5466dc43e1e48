package contract

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

const (
	SchemaDecision    = "ap2_decision"
	SchemaExplanation = "ap2_explanation"

	// EventPrefix selects the event-envelope family: "cloudevent:<type>".
	EventPrefix = "cloudevent:"

	envelopeSchemaName = "cloudevent"
)

// Default event types and the contract their data must satisfy.
var defaultEvents = map[string]string{
	"orca.decision.v1":    SchemaDecision,
	"orca.explanation.v1": SchemaExplanation,
}

//go:embed schemas/*.json
var embeddedSchemas embed.FS

// Validator checks payloads against named contracts. Schemas are resolved once
// at construction; after that the validator is read-only and safe for
// concurrent use.
type Validator struct {
	contracts map[string]*jsonschema.Resolved
	envelope  *jsonschema.Resolved
	events    map[string]string
}

type options struct {
	schemaDir string
	events    map[string]string
}

type Option func(*options)

// WithSchemaDir overrides embedded schemas with <schema_type>.json files from
// dir. cloudevent.json replaces the envelope schema.
func WithSchemaDir(dir string) Option {
	return func(o *options) { o.schemaDir = dir }
}

// WithEventType registers cloudevent:<eventType> whose data must satisfy
// dataSchema.
func WithEventType(eventType, dataSchema string) Option {
	return func(o *options) { o.events[eventType] = dataSchema }
}

func New(opts ...Option) (*Validator, error) {
	o := options{events: map[string]string{}}
	for k, v := range defaultEvents {
		o.events[k] = v
	}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := readSchemas(embeddedSchemas, "schemas")
	if err != nil {
		return nil, err
	}
	if o.schemaDir != "" {
		overrides, err := readSchemas(os.DirFS(o.schemaDir), ".")
		if err != nil {
			return nil, fmt.Errorf("schema dir %s: %w", o.schemaDir, err)
		}
		for name, data := range overrides {
			raw[name] = data
		}
	}

	v := &Validator{contracts: map[string]*jsonschema.Resolved{}, events: map[string]string{}}
	for name, data := range raw {
		resolved, err := resolveSchema(name, data)
		if err != nil {
			return nil, err
		}
		if name == envelopeSchemaName {
			v.envelope = resolved
			continue
		}
		v.contracts[name] = resolved
	}
	if v.envelope == nil {
		return nil, fmt.Errorf("envelope schema %s.json missing", envelopeSchemaName)
	}
	for eventType, dataSchema := range o.events {
		if _, ok := v.contracts[dataSchema]; !ok {
			return nil, fmt.Errorf("event type %s: %w", eventType, &UnknownSchemaTypeError{SchemaType: dataSchema})
		}
		v.events[eventType] = dataSchema
	}
	return v, nil
}

func readSchemas(fsys fs.FS, dir string) (map[string][]byte, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	out := map[string][]byte{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(dir, e.Name())))
		if err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = data
	}
	return out, nil
}

func resolveSchema(name string, data []byte) (*jsonschema.Resolved, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("schema %s: resolve: %w", name, err)
	}
	return resolved, nil
}

// SchemaTypes lists every identifier Validate accepts.
func (v *Validator) SchemaTypes() []string {
	out := make([]string, 0, len(v.contracts)+len(v.events))
	for name := range v.contracts {
		out = append(out, name)
	}
	for eventType := range v.events {
		out = append(out, EventPrefix+eventType)
	}
	sort.Strings(out)
	return out
}

// Known reports whether schemaType is registered.
func (v *Validator) Known(schemaType string) bool {
	if eventType, ok := strings.CutPrefix(schemaType, EventPrefix); ok {
		_, found := v.events[eventType]
		return found
	}
	_, ok := v.contracts[schemaType]
	return ok
}

// Validate checks payload against schemaType. payload may be raw JSON
// ([]byte, json.RawMessage, string) or any value that marshals to JSON. The
// payload is never mutated. A nil error means the payload conforms.
func (v *Validator) Validate(payload any, schemaType string) error {
	if !v.Known(schemaType) {
		return &UnknownSchemaTypeError{SchemaType: schemaType}
	}
	instance, err := toInstance(payload)
	if err != nil {
		return err
	}
	if eventType, ok := strings.CutPrefix(schemaType, EventPrefix); ok {
		return v.validateEvent(instance, schemaType, eventType)
	}
	if err := v.contracts[schemaType].Validate(instance); err != nil {
		return &ValidationError{SchemaType: schemaType, Problems: []string{err.Error()}}
	}
	return nil
}

// Valid is the predicate form of Validate.
func (v *Validator) Valid(payload any, schemaType string) bool {
	return v.Validate(payload, schemaType) == nil
}

func (v *Validator) validateEvent(instance any, schemaType, eventType string) error {
	if err := v.envelope.Validate(instance); err != nil {
		return &ValidationError{SchemaType: schemaType, Problems: []string{"envelope: " + err.Error()}}
	}
	envelope := instance.(map[string]any)

	var problems []string
	if got, _ := envelope["type"].(string); got != eventType {
		problems = append(problems, fmt.Sprintf("envelope: type %q does not match %q", got, eventType))
	}
	if ts, _ := envelope["time"].(string); ts != "" {
		if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
			problems = append(problems, fmt.Sprintf("envelope: time %q is not RFC3339", ts))
		}
	}
	dataSchema := v.events[eventType]
	if err := v.contracts[dataSchema].Validate(envelope["data"]); err != nil {
		problems = append(problems, fmt.Sprintf("data (%s): %v", dataSchema, err))
	}
	if len(problems) > 0 {
		return &ValidationError{SchemaType: schemaType, Problems: problems}
	}
	return nil
}

// ValidateFile loads a JSON file and validates it.
func (v *Validator) ValidateFile(path, schemaType string) error {
	if !v.Known(schemaType) {
		return &UnknownSchemaTypeError{SchemaType: schemaType}
	}
	// #nosec G304 -- path is an operator-supplied payload file.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return v.Validate(data, schemaType)
}

type FileResult struct {
	Path string
	Err  error
}

func (r FileResult) OK() bool { return r.Err == nil }

type Report struct {
	SchemaType string
	Results    []FileResult
	Valid      int
	Total      int
}

// ValidateFiles validates each path independently; one failure never stops
// the rest.
func (v *Validator) ValidateFiles(paths []string, schemaType string) Report {
	report := Report{SchemaType: schemaType, Results: make([]FileResult, 0, len(paths)), Total: len(paths)}
	for _, path := range paths {
		err := v.ValidateFile(path, schemaType)
		if err == nil {
			report.Valid++
		}
		report.Results = append(report.Results, FileResult{Path: path, Err: err})
	}
	return report
}

func toInstance(payload any) (any, error) {
	var data []byte
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty payload", ErrUnparseable)
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	case string:
		data = []byte(p)
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		data = encoded
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrUnparseable)
	}
	return out, nil
}
