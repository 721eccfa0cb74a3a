// Package logindex binds the ingest engine, query planner/executor, and
// GC worker behind the public operations spec.md §6 names, and owns the
// degraded/throttled state machine spec.md §4.J describes.
//
// Grounded on original_source's api.rs (FinalizedIndexService/RuntimeState)
// for the state machine's shape, plus spec.md §4.J's backend-error-counter
// thresholds, which api.rs itself never wires up (original_source only
// latches on the GC guardrail and on finality errors; this module adds the
// counter-crossing transitions spec.md requires).
package logindex

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/erigontech/finalized-log-index/config"
	"github.com/erigontech/finalized-log-index/core/codec"
	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
	"github.com/erigontech/finalized-log-index/gc"
	"github.com/erigontech/finalized-log-index/ingest"
	"github.com/erigontech/finalized-log-index/query"
)

// runtimeState is the facade's two-latch state machine: degraded and
// throttled flags, a backend-error counter, and a mutexed human-readable
// reason. Mirrors original_source's RuntimeState field-for-field, adapted
// from atomics + a Mutex<String> (Rust) to the same shape in Go.
type runtimeState struct {
	degraded   atomic.Bool
	throttled  atomic.Bool
	errorCount atomic.Int64

	mu     sync.Mutex
	reason string
}

func (s *runtimeState) setDegraded(reason string) {
	s.degraded.Store(true)
	s.throttled.Store(false)
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
}

func (s *runtimeState) setThrottled(reason string) {
	s.throttled.Store(true)
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
}

func (s *runtimeState) clearThrottle() {
	s.throttled.Store(false)
	if !s.degraded.Load() {
		s.mu.Lock()
		s.reason = ""
		s.mu.Unlock()
	}
}

func (s *runtimeState) getReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Service binds a writer epoch, the ingest/query/GC components, and the
// runtime-state machine into the narrow public API spec.md §6 names.
type Service struct {
	meta   kv.MetaStore
	blob   kv.BlobStore
	cfg    config.Config
	logger *zap.Logger

	engine   *ingest.Engine
	planner  *query.Planner
	executor *query.Executor
	gcWorker *gc.Worker

	fence kv.FenceToken
	state runtimeState
}

// New constructs a Service bound to the given stores, config, writer
// epoch, and logger.
func New(meta kv.MetaStore, blob kv.BlobStore, cfg config.Config, fence kv.FenceToken, logger *zap.Logger) *Service {
	return &Service{
		meta:     meta,
		blob:     blob,
		cfg:      cfg,
		logger:   logger,
		engine:   ingest.NewEngine(meta, blob, cfg, logger),
		planner:  query.NewPlanner(meta, cfg),
		executor: query.NewExecutor(meta, blob, cfg),
		gcWorker: gc.NewWorker(meta, blob, cfg, logger),
		fence:    fence,
	}
}

// IngestFinalizedBlock validates, sequences, and commits block, refusing
// to proceed while Degraded or Throttled (spec.md §4.J's state table).
func (s *Service) IngestFinalizedBlock(ctx context.Context, block types.Block) (types.IngestOutcome, error) {
	if s.state.degraded.Load() {
		return types.IngestOutcome{}, &types.DegradedError{Msg: s.state.getReason()}
	}
	if s.state.throttled.Load() {
		return types.IngestOutcome{}, &types.ThrottledError{Msg: s.state.getReason()}
	}

	outcome, err := s.engine.IngestFinalizedBlock(ctx, block, s.fence)
	s.classify(err)
	if errors.Is(err, types.ErrInvalidParent) || errors.Is(err, types.ErrFinalityViolation) {
		s.state.setDegraded("finality violation or parent mismatch")
	}
	return outcome, err
}

// QueryFinalized plans and executes filter against the current indexed
// head, refusing only while Degraded (queries still proceed Throttled).
func (s *Service) QueryFinalized(ctx context.Context, filter types.Filter, opts types.QueryOptions) ([]types.Log, error) {
	if s.state.degraded.Load() {
		return nil, &types.DegradedError{Msg: s.state.getReason()}
	}

	head, err := s.IndexedFinalizedHead(ctx)
	if err != nil {
		s.classify(err)
		return nil, err
	}

	plan, err := s.planner.Plan(ctx, filter, head)
	s.classify(err)
	if err != nil {
		return nil, err
	}

	logs, err := s.executor.Run(ctx, plan, opts)
	s.classify(err)
	return logs, err
}

// IndexedFinalizedHead returns the block number of the last fully
// committed block, or 0 if nothing has been ingested yet.
func (s *Service) IndexedFinalizedHead(ctx context.Context) (uint64, error) {
	rec, err := s.meta.Get(ctx, kv.MetaStateKey())
	if err != nil {
		return 0, errors.Wrap(err, "service: load state")
	}
	if rec == nil {
		return 0, nil
	}
	state, err := codec.DecodeMetaState(rec.Value)
	if err != nil {
		return 0, err
	}
	return state.IndexedFinalizedHead, nil
}

// Health reports the facade's current state, per spec.md §6 plus the
// indexed-head/backend-error-count fields SPEC_FULL.md's "HealthReport
// detail" supplement adds.
func (s *Service) Health(ctx context.Context) types.HealthReport {
	degraded := s.state.degraded.Load()
	throttled := s.state.throttled.Load()
	reason := s.state.getReason()

	message := "ok"
	switch {
	case degraded:
		message = "degraded: " + reason
	case throttled:
		message = "throttled: " + reason
	}

	head, _ := s.IndexedFinalizedHead(ctx)
	return types.HealthReport{
		Healthy:              !degraded && !throttled,
		Degraded:             degraded,
		Throttled:            throttled,
		Message:              message,
		IndexedFinalizedHead: head,
		BackendErrorCount:    s.state.errorCount.Load(),
	}
}

// RunMaintenance runs the periodic tail seal-check sweep (spec.md §4.F),
// allowed in both Healthy and Throttled states.
func (s *Service) RunMaintenance(ctx context.Context) (types.MaintenanceOutcome, error) {
	if s.state.degraded.Load() {
		return types.MaintenanceOutcome{}, &types.DegradedError{Msg: s.state.getReason()}
	}
	outcome, err := s.engine.RunPeriodicMaintenance(ctx, s.fence)
	s.classify(err)
	return outcome, err
}

// RunGCOnce runs one GC pass and applies the configured guardrail action
// if any guardrail was exceeded.
func (s *Service) RunGCOnce(ctx context.Context) (types.GCOutcome, error) {
	if s.state.degraded.Load() {
		return types.GCOutcome{}, &types.DegradedError{Msg: s.state.getReason()}
	}

	outcome, err := s.gcWorker.RunOnce(ctx, s.fence)
	s.classify(err)
	if err != nil {
		return outcome, err
	}

	if outcome.ExceededGuardrail {
		switch s.cfg.GCGuardrailAction {
		case config.GuardrailFailClosed:
			s.state.setDegraded("gc guardrail exceeded; fail-closed")
		default:
			s.state.setThrottled("gc guardrail exceeded; throttled")
		}
	} else {
		s.state.clearThrottle()
	}
	return outcome, nil
}

// PruneBlockHashIndexBelow removes block_hash_to_num entries below
// minBlock, supporting bounded retention of the hash index.
func (s *Service) PruneBlockHashIndexBelow(ctx context.Context, minBlock uint64) (uint64, error) {
	if s.state.degraded.Load() {
		return 0, &types.DegradedError{Msg: s.state.getReason()}
	}
	removed, err := s.gcWorker.PruneBlockHashIndexBelow(ctx, minBlock, s.fence)
	s.classify(err)
	return uint64(removed), err
}

// classify ages the backend-error counter: a Backend error increments it
// and latches Throttled/Degraded once it crosses the configured
// thresholds; any other outcome (including success) resets it and clears
// Throttled if the service isn't already Degraded.
func (s *Service) classify(err error) {
	var backendErr *types.BackendError
	if errors.As(err, &backendErr) {
		n := s.state.errorCount.Add(1)
		switch {
		case n >= s.cfg.BackendErrorDegradedAfter:
			s.state.setDegraded("backend error threshold exceeded")
		case n >= s.cfg.BackendErrorThrottleAfter:
			s.state.setThrottled("backend error threshold exceeded")
		}
		if s.logger != nil {
			s.logger.Warn("backend error", zap.Int64("count", n), zap.Error(err))
		}
		return
	}
	s.state.errorCount.Store(0)
	s.state.clearThrottle()
}
