// Package executor is the transaction executor oracle boundary (C4).
// The core never interprets a transaction's instructions itself — it
// hands a transaction and its resolved inputs to an Oracle and treats
// the result as ground truth, the same way engine/chain/block.ChainVM
// is the opaque boundary the rest of the chain engine builds blocks
// against without knowing what the VM actually executes. Invocation is
// bounded by a semaphore so a burst of proposals can't spawn unbounded
// concurrent executions against the oracle.
package executor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shardcore/dan-consensus/types"
)

// ResolvedInput is a transaction's declared input together with the
// value pending (C3) resolved it to at proposal time.
type ResolvedInput struct {
	Declared types.VersionedSubstateID
	Value    []byte
	Destroyed bool
}

// Result is the oracle's verdict for one transaction.
type Result struct {
	Decision    types.Decision
	AbortReason types.AbortReason
	Fee         types.FeeBreakdown
	Outputs     []types.SubstateChange // Up/Down changes this execution proposes
}

// Oracle is the capability interface the executor package invokes.
// Production wires it to the WASM/template execution engine (excluded
// from this module's scope, SPEC_FULL.md §B); tests wire it to a fake
// that returns canned Results.
type Oracle interface {
	Execute(ctx context.Context, tx types.Transaction, inputs []ResolvedInput) (Result, error)
}

// Executor bounds concurrent calls into an Oracle.
type Executor struct {
	oracle Oracle
	sem    *semaphore.Weighted
}

// New returns an Executor that allows at most maxConcurrent in-flight
// Oracle.Execute calls.
func New(oracle Oracle, maxConcurrent int64) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Executor{oracle: oracle, sem: semaphore.NewWeighted(maxConcurrent)}
}

// Execute runs a single transaction through the oracle, blocking until
// a concurrency slot is free or ctx is canceled.
func (e *Executor) Execute(ctx context.Context, tx types.Transaction, inputs []ResolvedInput) (Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("executor: acquiring slot for tx %s: %w", tx.ID, err)
	}
	defer e.sem.Release(1)

	res, err := e.oracle.Execute(ctx, tx, inputs)
	if err != nil {
		return Result{}, fmt.Errorf("executor: tx %s: %w", tx.ID, err)
	}
	return res, nil
}

// ExecuteBatch runs every transaction concurrently (bounded by the same
// semaphore) and returns results in input order, fanning the batch out
// with an errgroup.Group so the first call that fails cancels its
// group's shared context without losing the other goroutines' results.
func (e *Executor) ExecuteBatch(ctx context.Context, txs []types.Transaction, inputsFor func(types.Transaction) []ResolvedInput) ([]Result, []error) {
	results := make([]Result, len(txs))
	errs := make([]error, len(txs))

	g, gctx := errgroup.WithContext(ctx)
	for i, tx := range txs {
		i, tx := i, tx
		g.Go(func() error {
			res, err := e.Execute(gctx, tx, inputsFor(tx))
			results[i], errs[i] = res, err
			return err
		})
	}
	_ = g.Wait()
	return results, errs
}
