package probe

import (
	"context"
	"encoding/gob"
	"fmt"
)

func init() {
	// Items and results cross the wire boxed in an `any`, so every
	// concrete type that can appear in a batch or a result needs to be
	// registered with gob once, here, rather than at each call site.
	gob.Register(ProbeTarget{})
	gob.Register(&Result{})
	gob.Register(ICMPPayload{})
	gob.Register(MTRPayload{})
}

// TransformerAdapter makes an Executor usable as a worker process's
// Transformer: a batch of ProbeTarget values in, a slice of *Result out,
// one per target and in the same order - fping and mtr are themselves
// external OS processes the Executor already shells out to, so this is
// the point where the dispatcher's "worker subprocess runs a vectorized
// transform" contract meets a real vectorized operation.
type TransformerAdapter struct {
	Executor Executor
}

// Transform decodes pre as []any of ProbeTarget, executes them as one
// batch, and returns []any of *Result aligned with the input.
func (a *TransformerAdapter) Transform(pre any) (any, error) {
	items, ok := pre.([]any)
	if !ok {
		return nil, fmt.Errorf("probe: expected []any batch, got %T", pre)
	}

	targets := make([]ProbeTarget, len(items))
	for i, item := range items {
		t, ok := item.(ProbeTarget)
		if !ok {
			return nil, fmt.Errorf("probe: expected ProbeTarget item, got %T", item)
		}
		targets[i] = t
	}

	results, err := a.Executor.ExecuteBatch(context.Background(), targets)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Result, len(results))
	for _, r := range results {
		byID[r.TargetID] = r
	}
	out := make([]any, len(targets))
	for i, t := range targets {
		r, ok := byID[t.ID]
		if !ok {
			return nil, fmt.Errorf("probe: no result for target %s", t.ID)
		}
		out[i] = r
	}
	return out, nil
}
