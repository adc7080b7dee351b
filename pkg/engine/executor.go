package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Executor consumes a plan and executes every node's action in dependency
// order. Nodes whose dependencies are satisfied run in parallel on a bounded
// worker pool. The executor is the only writer of the state store.
type Executor struct {
	registry *Registry
	store    StateStore
	journal  Journal
	log      zerolog.Logger
	metrics  ProviderMetrics

	maxParallel int
	maxAttempts int
	callTimeout time.Duration
}

// ProviderMetrics receives the outcome of every provider call the executor
// makes, including retried attempts.
type ProviderMetrics interface {
	RecordProviderCall(kind, operation string, duration time.Duration)
	RecordProviderError(kind, operation string)
}

type nopProviderMetrics struct{}

func (nopProviderMetrics) RecordProviderCall(string, string, time.Duration) {}
func (nopProviderMetrics) RecordProviderError(string, string) {}

// ExecutorOption configures an executor.
type ExecutorOption func(*Executor)

// WithJournal attaches a run/event journal. Journal failures are logged,
// never fatal.
func WithJournal(j Journal) ExecutorOption {
	return func(e *Executor) { e.journal = j }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// WithMetrics attaches a provider-call metrics sink.
func WithMetrics(m ProviderMetrics) ExecutorOption {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithMaxParallel bounds the worker pool.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithMaxAttempts bounds provider retries per node action.
func WithMaxAttempts(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithCallTimeout bounds a single provider call.
func WithCallTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// NewExecutor creates an executor.
func NewExecutor(registry *Registry, store StateStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		store:       store,
		log:         zerolog.Nop(),
		metrics:     nopProviderMetrics{},
		maxParallel: 10,
		maxAttempts: 3,
		callTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyOptions configures a single apply run.
type ApplyOptions struct {
	// DryRun simulates success without provider or state-store calls.
	DryRun bool

	// LockScope is the advisory lock scope guarding this desired-state
	// target. Defaults to "default".
	LockScope string

	// LockTimeout is the stale-lock timeout. Defaults to 15 minutes.
	LockTimeout time.Duration
}

// deferredDestroy tracks the old instance of a create-before-destroy
// replacement. The destroy is issued only after every dependent has finished
// rewiring to the new identifier.
type deferredDestroy struct {
	key     Key
	oldID   string
	waiting int
	failed  bool
}

// runState is the dependency bookkeeping shared by workers.
type runState struct {
	mu sync.Mutex

	changes  map[Key]*Change
	nodes    map[Key]*Node
	results  map[Key]*NodeResult
	outputs  map[Key]Attrs
	depsLeft map[Key]int
	deferred map[Key]*deferredDestroy

	remaining int
	closed    bool
}

func newRunState(plan *Plan) *runState {
	st := &runState{
		changes:  make(map[Key]*Change, len(plan.Changes)),
		nodes:    plan.Graph.Nodes,
		results:  make(map[Key]*NodeResult, len(plan.Changes)),
		outputs:  make(map[Key]Attrs),
		depsLeft: make(map[Key]int, len(plan.Changes)),
		deferred: make(map[Key]*deferredDestroy),
	}
	for i := range plan.Changes {
		change := &plan.Changes[i]
		st.changes[change.Key] = change
		st.depsLeft[change.Key] = len(plan.Graph.Nodes[change.Key].Dependencies)
		st.results[change.Key] = &NodeResult{
			Key:    change.Key,
			Action: change.Action,
			Status: NodeStatusPending,
		}
		// Seed outputs from prior state so consumers of unchanged producers
		// can resolve their references.
		if change.Prior != nil {
			st.outputs[change.Key] = change.Prior.Outputs
		}
	}
	st.remaining = len(plan.Changes)
	return st
}

func (st *runState) initialReady() []Key {
	st.mu.Lock()
	defer st.mu.Unlock()
	var ready []Key
	for key, left := range st.depsLeft {
		if left == 0 {
			ready = append(ready, key)
		}
	}
	return ready
}

func (st *runState) markRunning(key Key) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.results[key].Status = NodeStatusRunning
	st.results[key].StartedAt = time.Now().UTC()
}

func (st *runState) publishOutputs(key Key, outputs Attrs) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outputs[key] = outputs
}

func (st *runState) lookupOutputs(r Ref) (Value, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	outputs, ok := st.outputs[r.Target()]
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("no outputs published for %s", r.Target()), nil).
			WithCode(ErrCodeInternal)
	}
	v, ok := outputs.LookupPath(r.Path)
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("producer %s has no output %q", r.Target(), r.Path), nil).
			WithCode(ErrCodeInternal)
	}
	return v, nil
}

// registerDeferred records an old instance awaiting dependent rewiring.
// When no dependent is still pending, the entry is returned to the caller
// for immediate handling instead of being parked.
func (st *runState) registerDeferred(key Key, oldID string) *deferredDestroy {
	st.mu.Lock()
	defer st.mu.Unlock()
	dd := &deferredDestroy{key: key, oldID: oldID}
	for _, dependent := range st.nodes[key].Dependents {
		result, planned := st.results[dependent]
		if !planned {
			continue
		}
		if result.Status.IsTerminal() {
			// A dependent that already failed or was skipped never rewired.
			if result.Status != NodeStatusSucceeded {
				dd.failed = true
			}
			continue
		}
		dd.waiting++
	}
	if dd.waiting == 0 {
		return dd
	}
	st.deferred[key] = dd
	return nil
}

// complete records a node's terminal status and returns the nodes that became
// ready, the deferred destroys now unblocked, and whether the run finished.
// Failure cascades: every transitive dependent of a failed node is skipped,
// cancellation cascades as cancelled.
func (st *runState) complete(key Key, status NodeStatus, errMsg string, attempts int, providerID string) (ready []Key, destroys []*deferredDestroy, done bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.finishLocked(key, status, errMsg, attempts, providerID)

	// Cascade non-success to transitive dependents.
	if status != NodeStatusSucceeded {
		cascade := NodeStatusSkipped
		if status == NodeStatusCancelled {
			cascade = NodeStatusCancelled
		}
		queue := []Key{key}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, dependent := range st.nodes[current].Dependents {
				result, planned := st.results[dependent]
				if !planned || result.Status.IsTerminal() {
					continue
				}
				st.finishLocked(dependent, cascade,
					fmt.Sprintf("dependency %s %s", current, st.results[current].Status), 0, "")
				queue = append(queue, dependent)
			}
		}
	} else {
		for _, dependent := range st.nodes[key].Dependents {
			if _, planned := st.depsLeft[dependent]; !planned {
				continue
			}
			st.depsLeft[dependent]--
			if st.depsLeft[dependent] == 0 && !st.results[dependent].Status.IsTerminal() {
				ready = append(ready, dependent)
			}
		}
	}

	destroys = st.collectDeferredLocked()

	if st.remaining == 0 && !st.closed {
		st.closed = true
		done = true
	}
	return ready, destroys, done
}

// finishLocked records a terminal status and updates deferred-destroy
// bookkeeping for any producer waiting on this node.
func (st *runState) finishLocked(key Key, status NodeStatus, errMsg string, attempts int, providerID string) {
	result := st.results[key]
	result.Status = status
	result.Error = errMsg
	result.Attempts = attempts
	if providerID != "" {
		result.ProviderID = providerID
	}
	if !result.StartedAt.IsZero() {
		result.Duration = time.Since(result.StartedAt)
	}
	st.remaining--

	for _, producer := range st.nodes[key].Dependencies {
		if dd, ok := st.deferred[producer]; ok {
			dd.waiting--
			if status != NodeStatusSucceeded {
				dd.failed = true
			}
		}
	}
}

func (st *runState) collectDeferredLocked() []*deferredDestroy {
	var out []*deferredDestroy
	for key, dd := range st.deferred {
		if dd.waiting <= 0 {
			delete(st.deferred, key)
			out = append(out, dd)
		}
	}
	return out
}

// Apply executes the plan and returns the per-node report. Already-applied
// changes are never rolled back: a failed branch is reported, not undone.
func (e *Executor) Apply(ctx context.Context, plan *Plan, opts ApplyOptions) (*ApplyReport, error) {
	if plan == nil || plan.Graph == nil {
		return nil, NewPermanentError("plan has no execution graph", nil).
			WithCode(ErrCodeValidation)
	}

	scope := opts.LockScope
	if scope == "" {
		scope = "default"
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = 15 * time.Minute
	}

	report := &ApplyReport{
		RunID:     uuid.New().String(),
		PlanID:    plan.ID,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	if !opts.DryRun {
		token, err := e.store.Lock(ctx, scope, lockTimeout)
		if err != nil {
			return nil, fmt.Errorf("acquiring state lock for scope %q: %w", scope, err)
		}
		defer func() {
			if err := e.store.Unlock(context.WithoutCancel(ctx), scope, token); err != nil {
				e.log.Warn().Err(err).Str("scope", scope).Msg("releasing state lock failed")
			}
		}()
	}

	e.appendEvent(ctx, &Event{
		RunID: report.RunID, Level: "info",
		Message: fmt.Sprintf("apply started: plan %s", plan.ID), Timestamp: time.Now().UTC(),
	})

	st := newRunState(plan)
	jobs := make(chan Key, len(plan.Changes))

	var wg sync.WaitGroup
	workers := e.maxParallel
	if workers > len(plan.Changes) && len(plan.Changes) > 0 {
		workers = len(plan.Changes)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx, st, jobs, opts, report.RunID)
		}()
	}

	initial := st.initialReady()
	if len(initial) == 0 {
		close(jobs)
	}
	for _, key := range initial {
		jobs <- key
	}
	wg.Wait()

	e.finishReport(ctx, st, report)
	return report, nil
}

func (e *Executor) worker(ctx context.Context, st *runState, jobs chan Key, opts ApplyOptions, runID string) {
	for key := range jobs {
		var status NodeStatus
		var errMsg, providerID string
		var attempts int

		if ctx.Err() != nil {
			// Cancellation requested: no new node executions start. In-flight
			// provider calls in other workers run to completion.
			status = NodeStatusCancelled
			errMsg = "apply cancelled before node started"
		} else {
			st.markRunning(key)
			status, providerID, attempts, errMsg = e.executeNode(ctx, st, st.changes[key], opts, runID)
		}

		ready, destroys, done := st.complete(key, status, errMsg, attempts, providerID)
		for _, dd := range destroys {
			e.runDeferredDestroy(ctx, dd, opts, runID)
		}
		for _, next := range ready {
			jobs <- next
		}
		if done {
			close(jobs)
		}
	}
}

// executeNode performs one node's action via its provider adapter and
// persists the resulting state record.
func (e *Executor) executeNode(ctx context.Context, st *runState, change *Change, opts ApplyOptions, runID string) (status NodeStatus, providerID string, attempts int, errMsg string) {
	log := e.log.With().Str("resource", change.Key.String()).Str("action", string(change.Action)).Logger()

	if change.Action == ActionNoOp {
		if change.Prior != nil {
			return NodeStatusSucceeded, change.Prior.ProviderID, 0, ""
		}
		return NodeStatusSucceeded, "", 0, ""
	}

	if opts.DryRun {
		log.Info().Msg("dry-run: simulating action")
		return NodeStatusSucceeded, "", 0, ""
	}

	adapter, err := e.registry.Get(change.Key.Kind)
	if err != nil {
		return NodeStatusFailed, "", 0, err.Error()
	}

	switch change.Action {
	case ActionCreate:
		return e.runCreate(ctx, st, change, adapter, 0)

	case ActionUpdate:
		resolved, err := e.resolveAttrs(st, change)
		if err != nil {
			return NodeStatusFailed, "", 0, err.Error()
		}
		var outputs Attrs
		attempts, err = e.callProvider(ctx, change.Key, "update", func(callCtx context.Context) error {
			var callErr error
			outputs, callErr = adapter.Update(callCtx, change.Prior.ProviderID, resolved)
			return callErr
		})
		if err != nil {
			return NodeStatusFailed, "", attempts, err.Error()
		}
		if err := e.putRecord(ctx, st, change, change.Prior.ProviderID, resolved, outputs, change.Prior.Token); err != nil {
			return NodeStatusFailed, change.Prior.ProviderID, attempts, err.Error()
		}
		log.Info().Str("id", change.Prior.ProviderID).Msg("resource updated in place")
		return NodeStatusSucceeded, change.Prior.ProviderID, attempts, ""

	case ActionDestroy:
		attempts, err = e.callProvider(ctx, change.Key, "delete", func(callCtx context.Context) error {
			return adapter.Delete(callCtx, change.Prior.ProviderID)
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return NodeStatusFailed, change.Prior.ProviderID, attempts, err.Error()
		}
		if err := e.store.Delete(ctx, change.Key, change.Prior.Token); err != nil {
			return NodeStatusFailed, "", attempts, err.Error()
		}
		log.Info().Str("id", change.Prior.ProviderID).Msg("resource destroyed")
		return NodeStatusSucceeded, "", attempts, ""

	case ActionReplaceDestroyThenCreate:
		attempts, err = e.callProvider(ctx, change.Key, "delete", func(callCtx context.Context) error {
			return adapter.Delete(callCtx, change.Prior.ProviderID)
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return NodeStatusFailed, change.Prior.ProviderID, attempts, err.Error()
		}
		log.Info().Str("old_id", change.Prior.ProviderID).Msg("old instance destroyed, provisioning replacement")
		return e.runCreate(ctx, st, change, adapter, change.Prior.Token)

	case ActionReplaceCreateBeforeDestroy:
		status, providerID, attempts, errMsg = e.runCreate(ctx, st, change, adapter, change.Prior.Token)
		if status != NodeStatusSucceeded {
			return status, providerID, attempts, errMsg
		}
		log.Info().
			Str("new_id", providerID).
			Str("old_id", change.Prior.ProviderID).
			Msg("replacement created, old instance destroy deferred until dependents rewire")
		if dd := st.registerDeferred(change.Key, change.Prior.ProviderID); dd != nil {
			// Nothing left to rewire; handle the old instance now.
			e.runDeferredDestroy(ctx, dd, opts, runID)
		}
		return NodeStatusSucceeded, providerID, attempts, ""

	default:
		return NodeStatusFailed, "", 0, fmt.Sprintf("invalid action %q", change.Action)
	}
}

// runCreate provisions a resource, persists its record with the expected CAS
// token, and publishes its outputs so dependents can resolve references.
func (e *Executor) runCreate(ctx context.Context, st *runState, change *Change, adapter Adapter, expectedToken int64) (NodeStatus, string, int, string) {
	resolved, err := e.resolveAttrs(st, change)
	if err != nil {
		return NodeStatusFailed, "", 0, err.Error()
	}

	var id string
	var outputs Attrs
	attempts, err := e.callProvider(ctx, change.Key, "create", func(callCtx context.Context) error {
		var callErr error
		id, outputs, callErr = adapter.Create(callCtx, resolved)
		return callErr
	})
	if err != nil {
		return NodeStatusFailed, "", attempts, err.Error()
	}

	if err := e.putRecord(ctx, st, change, id, resolved, outputs, expectedToken); err != nil {
		return NodeStatusFailed, id, attempts, err.Error()
	}
	e.log.Info().Str("resource", change.Key.String()).Str("id", id).Msg("resource created")
	return NodeStatusSucceeded, id, attempts, ""
}

func (e *Executor) resolveAttrs(st *runState, change *Change) (Attrs, error) {
	return change.Resource.Attributes.Resolve(st.lookupOutputs)
}

func (e *Executor) putRecord(ctx context.Context, st *runState, change *Change, id string, resolved, outputs Attrs, expectedToken int64) error {
	if outputs == nil {
		outputs = Attrs{}
	}
	if _, ok := outputs["id"]; !ok {
		outputs["id"] = Literal{V: id}
	}
	now := time.Now().UTC()
	rec := &StateRecord{
		Key:          change.Key,
		ProviderID:   id,
		Attributes:   resolved,
		Outputs:      outputs,
		Dependencies: st.nodes[change.Key].Dependencies,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if change.Prior != nil {
		rec.CreatedAt = change.Prior.CreatedAt
	}
	if err := e.store.Put(ctx, rec, expectedToken); err != nil {
		return fmt.Errorf("persisting state record: %w", err)
	}
	st.publishOutputs(change.Key, outputs)
	return nil
}

// runDeferredDestroy issues the destroy of a replaced instance once every
// dependent finished. If a dependent did not succeed, the old instance is
// kept: destroying it would break consumers that were never rewired.
func (e *Executor) runDeferredDestroy(ctx context.Context, dd *deferredDestroy, opts ApplyOptions, runID string) {
	if opts.DryRun {
		return
	}
	if dd.failed {
		e.log.Warn().
			Str("resource", dd.key.String()).
			Str("old_id", dd.oldID).
			Msg("keeping old instance: a dependent did not finish rewiring")
		e.appendEvent(ctx, &Event{
			RunID: runID, Resource: dd.key.String(), Level: "warning",
			Message:   fmt.Sprintf("old instance %s kept after partial rewiring", dd.oldID),
			Timestamp: time.Now().UTC(),
		})
		return
	}
	e.destroyOldInstance(ctx, dd.key, dd.oldID)
}

func (e *Executor) destroyOldInstance(ctx context.Context, key Key, oldID string) {
	adapter, err := e.registry.Get(key.Kind)
	if err != nil {
		e.log.Error().Err(err).Str("resource", key.String()).Msg("cannot destroy old instance")
		return
	}
	_, err = e.callProvider(ctx, key, "delete", func(callCtx context.Context) error {
		return adapter.Delete(callCtx, oldID)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.log.Error().Err(err).
			Str("resource", key.String()).
			Str("old_id", oldID).
			Msg("destroying old instance failed; replacement remains live")
		return
	}
	e.log.Info().Str("resource", key.String()).Str("old_id", oldID).Msg("old instance destroyed")
}

// callProvider invokes fn with per-call timeout and retries retryable
// failures with exponential backoff. A timed-out call is transient until the
// attempt budget is exhausted, then it escalates to failure.
func (e *Executor) callProvider(ctx context.Context, key Key, op string, fn func(context.Context) error) (int, error) {
	var err error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		started := time.Now()
		err = fn(callCtx)
		cancel()
		e.metrics.RecordProviderCall(string(key.Kind), op, time.Since(started))

		if err == nil {
			return attempt + 1, nil
		}
		e.metrics.RecordProviderError(string(key.Kind), op)
		if errors.Is(err, context.DeadlineExceeded) {
			err = NewTransientError("provider call timed out", err).
				WithCode(ErrCodeTimeout).WithResource(key).WithOperation(op)
		}
		if !IsRetryable(err) || attempt == e.maxAttempts-1 {
			return attempt + 1, err
		}

		backoff := e.backoff(attempt, err)
		e.log.Warn().Err(err).
			Str("resource", key.String()).
			Str("operation", op).
			Dur("backoff", backoff).
			Int("attempt", attempt+1).
			Msg("provider call failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt + 1, NewPermanentError("apply cancelled during retry wait", ctx.Err()).
				WithCode(ErrCodeCancelled).WithResource(key)
		}
	}
	return e.maxAttempts, err
}

// backoff computes exponential backoff with jitter. Throttled errors back off
// harder than plain transient failures.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

func (e *Executor) finishReport(ctx context.Context, st *runState, report *ApplyReport) {
	st.mu.Lock()
	report.Results = st.results
	st.mu.Unlock()

	report.CompletedAt = time.Now().UTC()
	report.Summary.Total = len(report.Results)
	for _, result := range report.Results {
		switch result.Status {
		case NodeStatusSucceeded:
			report.Summary.Succeeded++
		case NodeStatusFailed:
			report.Summary.Failed++
		case NodeStatusSkipped:
			report.Summary.Skipped++
		case NodeStatusCancelled:
			report.Summary.Cancelled++
		}
	}

	switch {
	case report.Summary.Cancelled > 0:
		report.Status = RunStatusCancelled
	case report.Summary.Failed == 0 && report.Summary.Skipped == 0:
		report.Status = RunStatusSucceeded
	case report.Summary.Succeeded > 0:
		report.Status = RunStatusPartial
	default:
		report.Status = RunStatusFailed
	}

	for _, result := range report.Results {
		level := "info"
		if result.Status == NodeStatusFailed {
			level = "error"
		} else if result.Status != NodeStatusSucceeded {
			level = "warning"
		}
		e.appendEvent(ctx, &Event{
			RunID:     report.RunID,
			Resource:  result.Key.String(),
			Level:     level,
			Message:   fmt.Sprintf("%s %s: %s", result.Action, result.Key, result.Status),
			Timestamp: time.Now().UTC(),
		})
	}
	e.appendEvent(ctx, &Event{
		RunID: report.RunID, Level: "info",
		Message:   fmt.Sprintf("apply finished: %s", report.Status),
		Timestamp: time.Now().UTC(),
	})

	if e.journal != nil {
		if err := e.journal.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			e.log.Warn().Err(err).Msg("recording run failed")
		}
	}
}

func (e *Executor) appendEvent(ctx context.Context, event *Event) {
	if e.journal == nil {
		return
	}
	if err := e.journal.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		e.log.Warn().Err(err).Msg("appending event failed")
	}
}
