package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/davidahmann/orca/pkg/types"
)

// BatchItem is one raw DecisionRequest. Err carries a load failure, so the
// item is reported without being evaluated.
type BatchItem struct {
	Name    string
	Payload []byte
	Err     error
}

type ItemResult struct {
	Name   string
	Result Result
	// Err is the load, input, contract or emit error for the item. Emit
	// errors do not make the item invalid.
	Err error
}

// OK reports whether the item produced a contract-valid decision.
func (r ItemResult) OK() bool { return r.Result.OK }

type BatchSummary struct {
	Valid int          `json:"valid"`
	Total int          `json:"total"`
	Items []ItemResult `json:"-"`
}

// ProcessBatch evaluates items independently on a bounded worker pool.
// Results keep input order and one failure never stops the others.
func (o *Orchestrator) ProcessBatch(ctx context.Context, items []BatchItem) BatchSummary {
	results := make([]ItemResult, len(items))

	g := new(errgroup.Group)
	g.SetLimit(o.workers)
	for i, item := range items {
		g.Go(func() error {
			res := o.processItem(ctx, item)
			if !res.OK() {
				o.logger.Warn("batch item failed", "item", res.Name, "error", res.Err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	summary := BatchSummary{Total: len(items), Items: results}
	for _, r := range results {
		if r.OK() {
			summary.Valid++
		}
	}
	return summary
}

func (o *Orchestrator) processItem(ctx context.Context, item BatchItem) ItemResult {
	out := ItemResult{Name: item.Name}
	if item.Err != nil {
		out.Err = item.Err
		return out
	}
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	req, err := types.ParseDecisionRequest(item.Payload)
	if err != nil {
		out.Err = err
		return out
	}
	out.Result, out.Err = o.Process(ctx, req)
	return out
}

// ItemsFromGlob loads every file matched by pattern in lexical order. Files
// that cannot be read become items carrying the read error.
func ItemsFromGlob(pattern string) ([]BatchItem, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	items := make([]BatchItem, 0, len(paths))
	for _, path := range paths {
		// #nosec G304 -- paths come from an operator-supplied pattern.
		data, err := os.ReadFile(path)
		items = append(items, BatchItem{Name: path, Payload: data, Err: err})
	}
	return items, nil
}

// ErrNoItems is returned by callers that require a non-empty batch.
var ErrNoItems = errors.New("no batch items")
