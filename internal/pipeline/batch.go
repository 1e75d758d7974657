package pipeline

import (
	"context"

	"meridian/internal/executor"
	"meridian/internal/proto"
)

// BatchDeps are the additional collaborators OP_BATCH processing needs
// beyond a single ProcessOp call (spec.md §4.4).
type BatchDeps struct {
	Backpressure *executor.Backpressure
	Striped      *executor.Striped
}

// BatchExecutor wraps a Pipeline with the batch-level admission and
// striping policy spec.md §4.4 describes, kept separate from Pipeline
// itself since single-op submission (e.g. replayed replication events)
// never needs backpressure admission or striping — those are purely an
// OP_BATCH concern.
type BatchExecutor struct {
	pipeline *Pipeline
	deps     BatchDeps
}

// NewBatchExecutor wraps pipeline with batch-processing deps.
func NewBatchExecutor(pipeline *Pipeline, deps BatchDeps) *BatchExecutor {
	return &BatchExecutor{pipeline: pipeline, deps: deps}
}

// BatchItemResult is one op's outcome within a processed batch.
type BatchItemResult struct {
	OpID          string
	AchievedLevel proto.WriteConcern
	Success       bool
}

// ProcessBatch implements spec.md §4.4's batch path: admits the batch
// through the backpressure regulator, then runs every op through
// ProcessOp (authorization included) on its key's stripe, or inline for
// ForcedSync, and returns every op's outcome once all have finished.
// Nothing is acknowledged early: permissions are checked per op inside
// ProcessOp, and MEMORY-or-weaker ops wait for the whole batch like the
// rest.
func (b *BatchExecutor) ProcessBatch(ctx context.Context, batch proto.OpBatch, req func(op proto.ClientOp) Request) []BatchItemResult {
	results := make([]BatchItemResult, 0, len(batch.Ops))

	effective := make([]proto.WriteConcern, len(batch.Ops))
	for i, op := range batch.Ops {
		concern := op.WriteConcern
		if concern == "" {
			concern = batch.WriteConcern
		}
		if concern == "" {
			concern = proto.ConcernMemory
		}
		effective[i] = concern
	}

	mode := executor.Async
	if b.deps.Backpressure != nil {
		m, err := b.deps.Backpressure.AdmitBatch(ctx, len(batch.Ops))
		if err != nil {
			for i, op := range batch.Ops {
				results = append(results, BatchItemResult{OpID: op.ID, AchievedLevel: effective[i], Success: false})
			}
			return results
		}
		mode = m
	}

	submit := func(i int) BatchItemResult {
		op := batch.Ops[i]
		out := b.pipeline.ProcessOp(ctx, req(op))
		res := BatchItemResult{OpID: op.ID, AchievedLevel: effective[i]}
		switch {
		case out.Status == StatusRejected:
			res.Success = false
		case out.Ack == nil:
			res.Success = true
		default:
			ackResult := <-out.Ack
			res.Success = ackResult.Success
			res.AchievedLevel = ackResult.AchievedLevel
		}
		return res
	}

	if mode == executor.ForcedSync || b.deps.Striped == nil {
		for i := range batch.Ops {
			results = append(results, submit(i))
		}
	} else {
		done := make(chan BatchItemResult, len(batch.Ops))
		for i := range batch.Ops {
			i := i
			op := batch.Ops[i]
			if err := b.deps.Striped.Submit(op.MapName, op.Key, func() { done <- submit(i) }); err != nil {
				done <- BatchItemResult{OpID: op.ID, AchievedLevel: effective[i], Success: false}
			}
		}
		for range batch.Ops {
			results = append(results, <-done)
		}
	}

	if b.deps.Backpressure != nil && mode == executor.Async {
		b.deps.Backpressure.Release(len(batch.Ops))
	}

	return results
}
