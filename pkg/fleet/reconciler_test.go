package fleet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skyform/skyform/pkg/engine"
)

type fakeGroup struct {
	mu         sync.Mutex
	members    []string
	terminated []string
}

func (g *fakeGroup) ListMembers(_ context.Context, _ string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.members...), nil
}

func (g *fakeGroup) Terminate(_ context.Context, _, instanceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terminated = append(g.terminated, instanceID)
	for i, id := range g.members {
		if id == instanceID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	return nil
}

func (g *fakeGroup) launch(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, ids...)
}

type fakeTargets struct {
	mu           sync.Mutex
	registered   map[string]bool
	health       map[string]engine.HealthStatus
	pollErr      map[string]error
	registerErr  error
	deregistered []string
}

func newFakeTargets() *fakeTargets {
	return &fakeTargets{
		registered: make(map[string]bool),
		health:     make(map[string]engine.HealthStatus),
		pollErr:    make(map[string]error),
	}
}

func (t *fakeTargets) Register(_ context.Context, _, instanceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.registerErr != nil {
		return t.registerErr
	}
	t.registered[instanceID] = true
	if _, ok := t.health[instanceID]; !ok {
		t.health[instanceID] = engine.HealthHealthy
	}
	return nil
}

func (t *fakeTargets) Deregister(_ context.Context, _, instanceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.registered, instanceID)
	t.deregistered = append(t.deregistered, instanceID)
	return nil
}

func (t *fakeTargets) PollHealth(_ context.Context, _, instanceID string) (engine.HealthStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.pollErr[instanceID]; err != nil {
		return "", err
	}
	if !t.registered[instanceID] {
		return engine.HealthUnused, nil
	}
	return t.health[instanceID], nil
}

func (t *fakeTargets) setHealth(id string, status engine.HealthStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.health[id] = status
}

func (t *fakeTargets) isRegistered(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registered[id]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() Config {
	return Config{
		GroupID:            "asg-1",
		TargetGroupID:      "tg-1",
		Interval:           time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
		DrainGrace:         30 * time.Second,
	}
}

func newTestReconciler(t *testing.T, group *fakeGroup, targets *fakeTargets, clock *fakeClock) *Reconciler {
	t.Helper()
	r, err := New(testConfig(), group, targets, WithClock(clock.now))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func memberStatus(t *testing.T, r *Reconciler, id string) MemberStatus {
	t.Helper()
	for _, m := range r.Members() {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("member %s not tracked", id)
	return MemberStatus{}
}

func TestReconcileRegistersNewMembers(t *testing.T) {
	group := &fakeGroup{}
	group.launch("i-1", "i-2")
	targets := newFakeTargets()
	clock := &fakeClock{t: time.Now()}
	r := newTestReconciler(t, group, targets, clock)

	if err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}

	for _, id := range []string{"i-1", "i-2"} {
		if !targets.isRegistered(id) {
			t.Errorf("member %s not registered", id)
		}
	}
	if got := len(r.Members()); got != 2 {
		t.Fatalf("tracked members = %d, want 2", got)
	}
}

func TestHealthyAfterThresholdPasses(t *testing.T) {
	group := &fakeGroup{}
	group.launch("i-1")
	targets := newFakeTargets()
	clock := &fakeClock{t: time.Now()}
	r := newTestReconciler(t, group, targets, clock)
	ctx := context.Background()

	// First loop registers and polls once: one pass is below the threshold
	// of two, so the member stays initial.
	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if got := memberStatus(t, r, "i-1"); got.Status != engine.HealthInitial {
		t.Fatalf("after 1 pass: status = %s, want initial", got.Status)
	}

	if err := r.ReconcileOnce(ctx); err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if got := memberStatus(t, r, "i-1"); got.Status != engine.HealthHealthy {
		t.Errorf("after 2 passes: status = %s, want healthy", got.Status)
	}
}

func TestFailStreakResetByPass(t *testing.T) {
	group := &fakeGroup{}
	group.launch("i-1")
	targets := newFakeTargets()
	clock := &fakeClock{t: time.Now()}
	r := newTestReconciler(t, group, targets, clock)
	ctx := context.Background()

	// Two fails, then a pass, then two more fails: never three consecutive,
	// so the member must not drain.
	_ = r.ReconcileOnce(ctx) // registers, first pass
	targets.setHealth("i-1", engine.HealthUnhealthy)
	_ = r.ReconcileOnce(ctx)
	_ = r.ReconcileOnce(ctx)
	targets.setHealth("i-1", engine.HealthHealthy)
	_ = r.ReconcileOnce(ctx)
	targets.setHealth("i-1", engine.HealthUnhealthy)
	_ = r.ReconcileOnce(ctx)
	_ = r.ReconcileOnce(ctx)

	if got := memberStatus(t, r, "i-1"); got.Status == engine.HealthDraining {
		t.Errorf("member drained without %d consecutive fails", testConfig().UnhealthyThreshold)
	}
	if !targets.isRegistered("i-1") {
		t.Error("member must stay registered")
	}
}

func TestUnhealthyMemberDrainsAndTerminates(t *testing.T) {
	group := &fakeGroup{}
	group.launch("i-1")
	targets := newFakeTargets()
	targets.setHealth("i-1", engine.HealthUnhealthy)
	clock := &fakeClock{t: time.Now()}
	r := newTestReconciler(t, group, targets, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.ReconcileOnce(ctx); err != nil {
			t.Fatalf("ReconcileOnce failed: %v", err)
		}
	}

	// Three consecutive fails hit the threshold: deregistered, draining.
	if got := memberStatus(t, r, "i-1"); got.Status != engine.HealthDraining {
		t.Fatalf("status = %s, want draining", got.Status)
	}
	if targets.isRegistered("i-1") {
		t.Error("draining member must be deregistered")
	}
	if len(group.terminated) != 0 {
		t.Fatal("member terminated before drain grace elapsed")
	}

	// Grace not yet elapsed: still draining.
	clock.advance(10 * time.Second)
	_ = r.ReconcileOnce(ctx)
	if len(group.terminated) != 0 {
		t.Fatal("member terminated before drain grace elapsed")
	}

	clock.advance(25 * time.Second)
	_ = r.ReconcileOnce(ctx)
	if len(group.terminated) != 1 || group.terminated[0] != "i-1" {
		t.Fatalf("terminated = %v, want [i-1]", group.terminated)
	}

	// The group launches a replacement; next loop registers it.
	group.launch("i-2")
	_ = r.ReconcileOnce(ctx)
	if !targets.isRegistered("i-2") {
		t.Error("replacement member not registered")
	}
	if got := memberStatus(t, r, "i-2"); got.Status != engine.HealthInitial {
		t.Errorf("replacement status = %s, want initial", got.Status)
	}
}

func TestPollErrorCountsAsFail(t *testing.T) {
	group := &fakeGroup{}
	group.launch("i-1")
	targets := newFakeTargets()
	targets.pollErr["i-1"] = fmt.Errorf("connection refused")
	clock := &fakeClock{t: time.Now()}
	r := newTestReconciler(t, group, targets, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = r.ReconcileOnce(ctx)
	}
	if got := memberStatus(t, r, "i-1"); got.Status != engine.HealthDraining {
		t.Errorf("status = %s, want draining after repeated poll errors", got.Status)
	}
}

func TestInitialPollDoesNotAdvanceStreaks(t *testing.T) {
	group := &fakeGroup{}
	group.launch("i-1")
	targets := newFakeTargets()
	targets.setHealth("i-1", engine.HealthInitial)
	clock := &fakeClock{t: time.Now()}
	r := newTestReconciler(t, group, targets, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = r.ReconcileOnce(ctx)
	}
	got := memberStatus(t, r, "i-1")
	if got.Status != engine.HealthInitial || got.PassStreak != 0 || got.FailStreak != 0 {
		t.Errorf("warming member must keep zero streaks, got %+v", got)
	}
}

func TestRegistrationFailureRetriedNextLoop(t *testing.T) {
	group := &fakeGroup{}
	group.launch("i-1")
	targets := newFakeTargets()
	targets.registerErr = fmt.Errorf("throttled")
	clock := &fakeClock{t: time.Now()}
	r := newTestReconciler(t, group, targets, clock)
	ctx := context.Background()

	_ = r.ReconcileOnce(ctx)
	if len(r.Members()) != 0 {
		t.Fatal("failed registration must not track the member")
	}

	targets.mu.Lock()
	targets.registerErr = nil
	targets.mu.Unlock()
	_ = r.ReconcileOnce(ctx)
	if !targets.isRegistered("i-1") {
		t.Error("registration not retried")
	}
}

func TestDepartedMemberDeregistered(t *testing.T) {
	group := &fakeGroup{}
	group.launch("i-1")
	targets := newFakeTargets()
	clock := &fakeClock{t: time.Now()}
	r := newTestReconciler(t, group, targets, clock)
	ctx := context.Background()

	_ = r.ReconcileOnce(ctx)

	// The instance vanishes outside the reconciler's control.
	group.mu.Lock()
	group.members = nil
	group.mu.Unlock()

	_ = r.ReconcileOnce(ctx)
	if len(r.Members()) != 0 {
		t.Error("departed member still tracked")
	}
	if targets.isRegistered("i-1") {
		t.Error("departed member still registered")
	}
}

func TestMarkForTermination(t *testing.T) {
	group := &fakeGroup{}
	group.launch("i-1")
	targets := newFakeTargets()
	clock := &fakeClock{t: time.Now()}
	r := newTestReconciler(t, group, targets, clock)
	ctx := context.Background()

	_ = r.ReconcileOnce(ctx)
	_ = r.ReconcileOnce(ctx)
	if got := memberStatus(t, r, "i-1"); got.Status != engine.HealthHealthy {
		t.Fatalf("precondition: status = %s, want healthy", got.Status)
	}

	if err := r.MarkForTermination(ctx, "i-1"); err != nil {
		t.Fatalf("MarkForTermination failed: %v", err)
	}
	if got := memberStatus(t, r, "i-1"); got.Status != engine.HealthDraining {
		t.Errorf("status = %s, want draining", got.Status)
	}

	clock.advance(time.Minute)
	_ = r.ReconcileOnce(ctx)
	if len(group.terminated) != 1 {
		t.Errorf("terminated = %v, want [i-1]", group.terminated)
	}

	if err := r.MarkForTermination(ctx, "i-404"); err == nil {
		t.Error("expected error for unknown member")
	}
}
