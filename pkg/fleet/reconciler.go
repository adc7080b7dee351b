// Package fleet continuously reconciles the members of an autoscaling group
// against a target group: new members are registered, member health is
// polled, and members that fail their threshold are drained and terminated so
// the group replaces them.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skyform/skyform/pkg/engine"
	"github.com/skyform/skyform/pkg/telemetry"
)

// GroupAPI lists and terminates the members of an autoscaling group. The
// group itself is responsible for launching replacements.
type GroupAPI interface {
	ListMembers(ctx context.Context, groupID string) ([]string, error)
	Terminate(ctx context.Context, groupID, instanceID string) error
}

// TargetAPI registers group members with a target group and polls their
// health.
type TargetAPI interface {
	Register(ctx context.Context, targetGroupID, instanceID string) error
	Deregister(ctx context.Context, targetGroupID, instanceID string) error
	PollHealth(ctx context.Context, targetGroupID, instanceID string) (engine.HealthStatus, error)
}

// Config configures one reconciler.
type Config struct {
	// GroupID is the provider identifier of the autoscaling group.
	GroupID string

	// TargetGroupID is the provider identifier of the target group.
	TargetGroupID string

	// Interval is the reconcile loop period.
	Interval time.Duration

	// HealthyThreshold is the number of consecutive passing polls before a
	// member counts as healthy.
	HealthyThreshold int

	// UnhealthyThreshold is the number of consecutive failing polls before a
	// member is drained.
	UnhealthyThreshold int

	// DrainGrace is how long a draining member keeps serving in-flight work
	// before termination.
	DrainGrace time.Duration
}

// Validate checks the reconciler configuration.
func (c Config) Validate() error {
	if c.GroupID == "" || c.TargetGroupID == "" {
		return fmt.Errorf("group and target group identifiers are required")
	}
	if c.HealthyThreshold < 1 {
		return fmt.Errorf("healthy threshold must be at least 1, got %d", c.HealthyThreshold)
	}
	if c.UnhealthyThreshold < 1 {
		return fmt.Errorf("unhealthy threshold must be at least 1, got %d", c.UnhealthyThreshold)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	return nil
}

// member is the reconciler's view of one group member.
type member struct {
	id         string
	status     engine.HealthStatus
	passStreak int
	failStreak int
	drainSince time.Time
}

// MemberStatus is a point-in-time snapshot of one member.
type MemberStatus struct {
	ID         string              `json:"id"`
	Status     engine.HealthStatus `json:"status"`
	PassStreak int                 `json:"pass_streak"`
	FailStreak int                 `json:"fail_streak"`
}

// Reconciler drives the register/poll/drain/terminate loop for one group and
// target group pair.
type Reconciler struct {
	cfg     Config
	groups  GroupAPI
	targets TargetAPI
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	// now is injectable for drain-grace tests.
	now func() time.Time

	mu      sync.Mutex
	members map[string]*member
}

// Option configures a reconciler.
type Option func(*Reconciler)

// WithLogger attaches a structured logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a reconciler.
func New(cfg Config, groups GroupAPI, targets TargetAPI, opts ...Option) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nopMetrics, _ := telemetry.NewMetrics(telemetry.MetricsConfig{})
	r := &Reconciler{
		cfg:     cfg,
		groups:  groups,
		targets: targets,
		log:     telemetry.FromContext(context.Background()),
		metrics: nopMetrics,
		now:     time.Now,
		members: make(map[string]*member),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run reconciles on every tick until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Infof("fleet reconciler started for group %s, interval %s", r.cfg.GroupID, r.cfg.Interval)
	for {
		if err := r.ReconcileOnce(ctx); err != nil {
			r.log.WithError(err).Warn("reconcile iteration failed")
		}
		select {
		case <-ctx.Done():
			r.log.Info("fleet reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReconcileOnce runs a single reconcile iteration: discover members, register
// new ones, poll health, drain members past their failure threshold, and
// terminate members past their drain grace.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	r.metrics.RecordReconcileLoop()

	ids, err := r.groups.ListMembers(ctx, r.cfg.GroupID)
	if err != nil {
		return fmt.Errorf("listing members of %s: %w", r.cfg.GroupID, err)
	}

	current := make(map[string]bool, len(ids))
	for _, id := range ids {
		current[id] = true
	}

	r.mu.Lock()
	var departed []*member
	for id, m := range r.members {
		if !current[id] {
			departed = append(departed, m)
			delete(r.members, id)
		}
	}
	var joined []string
	for _, id := range ids {
		if _, known := r.members[id]; !known {
			joined = append(joined, id)
		}
	}
	r.mu.Unlock()

	for _, m := range departed {
		// A member we were not terminating disappeared underneath us; make
		// sure its registration does not linger.
		if m.status != engine.HealthDraining {
			r.log.Warnf("member %s left the group unexpectedly", m.id)
			if err := r.targets.Deregister(ctx, r.cfg.TargetGroupID, m.id); err != nil {
				r.log.WithError(err).Warnf("deregistering departed member %s", m.id)
			}
		}
	}

	for _, id := range joined {
		if err := r.targets.Register(ctx, r.cfg.TargetGroupID, id); err != nil {
			// Leave the member unknown; registration is retried next loop.
			r.log.WithError(err).Warnf("registering member %s", id)
			continue
		}
		r.log.Infof("member %s registered with target group %s", id, r.cfg.TargetGroupID)
		r.mu.Lock()
		r.members[id] = &member{id: id, status: engine.HealthInitial}
		r.mu.Unlock()
	}

	r.pollMembers(ctx)
	r.terminateDrained(ctx)
	r.updateGauges()
	return nil
}

func (r *Reconciler) pollMembers(ctx context.Context) {
	for _, m := range r.snapshotMembers() {
		if m.status == engine.HealthDraining {
			continue
		}
		status, err := r.targets.PollHealth(ctx, r.cfg.TargetGroupID, m.id)
		switch {
		case err != nil:
			// A poll failure counts against the member like a failing check.
			r.metrics.RecordHealthCheck("error")
			r.recordFail(ctx, m.id)
		case status == engine.HealthHealthy:
			r.metrics.RecordHealthCheck("pass")
			r.recordPass(m.id)
		case status == engine.HealthInitial:
			// Still warming up; streaks are unaffected.
			r.metrics.RecordHealthCheck("initial")
		default:
			r.metrics.RecordHealthCheck("fail")
			r.recordFail(ctx, m.id)
		}
	}
}

func (r *Reconciler) recordPass(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok || m.status == engine.HealthDraining {
		return
	}
	m.passStreak++
	m.failStreak = 0
	if m.status != engine.HealthHealthy && m.passStreak >= r.cfg.HealthyThreshold {
		m.status = engine.HealthHealthy
		r.log.Infof("member %s is healthy after %d consecutive passes", id, m.passStreak)
	}
}

func (r *Reconciler) recordFail(ctx context.Context, id string) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok || m.status == engine.HealthDraining {
		r.mu.Unlock()
		return
	}
	m.failStreak++
	m.passStreak = 0
	if m.failStreak < r.cfg.UnhealthyThreshold {
		r.mu.Unlock()
		return
	}
	m.status = engine.HealthUnhealthy
	streak := m.failStreak
	r.mu.Unlock()

	r.log.Warnf("member %s failed %d consecutive checks, draining", id, streak)
	r.drain(ctx, id)
}

// drain deregisters a member so it stops receiving new work, then lets the
// drain grace elapse before termination.
func (r *Reconciler) drain(ctx context.Context, id string) {
	if err := r.targets.Deregister(ctx, r.cfg.TargetGroupID, id); err != nil {
		r.log.WithError(err).Warnf("deregistering member %s; will retry", id)
		return
	}
	r.mu.Lock()
	if m, ok := r.members[id]; ok {
		m.status = engine.HealthDraining
		m.drainSince = r.now()
	}
	r.mu.Unlock()
	r.metrics.RecordMemberDrained()
}

func (r *Reconciler) terminateDrained(ctx context.Context) {
	for _, m := range r.snapshotMembers() {
		if m.status != engine.HealthDraining {
			continue
		}
		if r.now().Sub(m.drainSince) < r.cfg.DrainGrace {
			continue
		}
		if err := r.groups.Terminate(ctx, r.cfg.GroupID, m.id); err != nil {
			r.log.WithError(err).Warnf("terminating member %s", m.id)
			continue
		}
		r.log.Infof("member %s terminated; group will launch a replacement", m.id)
		r.mu.Lock()
		delete(r.members, m.id)
		r.mu.Unlock()
		r.metrics.RecordMemberReplaced()
	}
}

// MarkForTermination drains a member regardless of its health streaks, e.g.
// for operator-initiated replacement.
func (r *Reconciler) MarkForTermination(ctx context.Context, id string) error {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown member %s", id)
	}
	if m.status == engine.HealthDraining {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.drain(ctx, id)
	return nil
}

// Members returns a stable snapshot of the reconciler's member view.
func (r *Reconciler) Members() []MemberStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MemberStatus, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, MemberStatus{
			ID:         m.id,
			Status:     m.status,
			PassStreak: m.passStreak,
			FailStreak: m.failStreak,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Reconciler) snapshotMembers() []member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Reconciler) updateGauges() {
	counts := make(map[engine.HealthStatus]int)
	for _, m := range r.snapshotMembers() {
		counts[m.status]++
	}
	for _, status := range []engine.HealthStatus{
		engine.HealthInitial, engine.HealthHealthy,
		engine.HealthUnhealthy, engine.HealthDraining,
	} {
		r.metrics.SetFleetMembers(string(status), float64(counts[status]))
	}
}
