// Package sim provides an in-memory provider platform. It backs local runs
// and tests with the full resource surface: CRUD adapters for every kind,
// autoscaling groups that launch and replace members, and target groups with
// settable member health.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/skyform/skyform/pkg/engine"
)

// Platform is the in-memory provider backend. It implements fleet.GroupAPI
// and fleet.TargetAPI; per-kind engine adapters are registered with
// RegisterAdapters.
type Platform struct {
	mu      sync.Mutex
	seq     map[string]int
	objects map[string]*object
	groups  map[string]*groupState
	targets map[string]*targetGroupState
}

type object struct {
	kind    engine.Kind
	attrs   engine.Attrs
	outputs engine.Attrs
}

type groupState struct {
	min     int
	members []string
}

type targetGroupState struct {
	// health maps registered instance ids to their current status.
	health map[string]engine.HealthStatus
}

// NewPlatform creates an empty platform.
func NewPlatform() *Platform {
	return &Platform{
		seq:     make(map[string]int),
		objects: make(map[string]*object),
		groups:  make(map[string]*groupState),
		targets: make(map[string]*targetGroupState),
	}
}

// RegisterAdapters binds one adapter per supported kind to the registry.
func (p *Platform) RegisterAdapters(registry *engine.Registry) {
	for _, kind := range []engine.Kind{
		engine.KindSecurityGroup,
		engine.KindLaunchTemplate,
		engine.KindAutoscalingGroup,
		engine.KindLoadBalancer,
		engine.KindTargetGroup,
		engine.KindListener,
		engine.KindListenerRule,
		engine.KindDataLookup,
	} {
		registry.Register(kind, &adapter{platform: p, kind: kind})
	}
}

func (p *Platform) nextID(kind engine.Kind) string {
	prefix := idPrefix(kind)
	p.seq[prefix]++
	return fmt.Sprintf("%s-%04d", prefix, p.seq[prefix])
}

func idPrefix(kind engine.Kind) string {
	switch kind {
	case engine.KindSecurityGroup:
		return "sg"
	case engine.KindLaunchTemplate:
		return "lt"
	case engine.KindAutoscalingGroup:
		return "asg"
	case engine.KindLoadBalancer:
		return "lb"
	case engine.KindTargetGroup:
		return "tg"
	case engine.KindListener:
		return "lsn"
	case engine.KindListenerRule:
		return "rule"
	case engine.KindDataLookup:
		return "data"
	default:
		return string(kind)
	}
}

func (p *Platform) create(kind engine.Kind, attrs engine.Attrs) (string, engine.Attrs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID(kind)
	outputs := engine.Attrs{
		"id":  engine.Literal{V: id},
		"arn": engine.Literal{V: "arn:sim:" + id},
	}

	switch kind {
	case engine.KindAutoscalingGroup:
		min := intAttr(attrs, "min_size", 1)
		group := &groupState{min: min}
		for i := 0; i < min; i++ {
			group.members = append(group.members, p.launchInstance())
		}
		p.groups[id] = group

	case engine.KindTargetGroup:
		p.targets[id] = &targetGroupState{health: make(map[string]engine.HealthStatus)}

	case engine.KindDataLookup:
		// Lookups have no remote side; their outputs echo the query inputs
		// so consumers can reference them.
		for name, v := range attrs {
			outputs[name] = v
		}
	}

	p.objects[id] = &object{kind: kind, attrs: attrs, outputs: outputs}
	return id, outputs, nil
}

func (p *Platform) read(id string) (engine.Attrs, engine.Attrs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[id]
	if !ok {
		return nil, nil, fmt.Errorf("object %s: %w", id, engine.ErrNotFound)
	}
	return obj.attrs, obj.outputs, nil
}

func (p *Platform) update(kind engine.Kind, id string, attrs engine.Attrs) (engine.Attrs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[id]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", id, engine.ErrNotFound)
	}

	switch kind {
	case engine.KindLaunchTemplate:
		// Launch templates are versioned snapshots on the real platform;
		// in-place mutation is rejected so only replacement changes them.
		return nil, engine.NewPermanentError(
			fmt.Sprintf("launch template %s cannot be updated in place", id), nil).
			WithCode(engine.ErrCodeProviderFailed)

	case engine.KindAutoscalingGroup:
		group := p.groups[id]
		group.min = intAttr(attrs, "min_size", group.min)
		for len(group.members) < group.min {
			group.members = append(group.members, p.launchInstance())
		}
	}

	obj.attrs = attrs
	return obj.outputs, nil
}

func (p *Platform) delete(kind engine.Kind, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.objects[id]; !ok {
		return fmt.Errorf("object %s: %w", id, engine.ErrNotFound)
	}
	delete(p.objects, id)

	switch kind {
	case engine.KindAutoscalingGroup:
		delete(p.groups, id)
	case engine.KindTargetGroup:
		delete(p.targets, id)
	}
	return nil
}

func (p *Platform) launchInstance() string {
	p.seq["i"]++
	return fmt.Sprintf("i-%04d", p.seq["i"])
}

// ListMembers implements fleet.GroupAPI. A group below its minimum size tops
// itself up, mimicking automatic replacement of terminated members.
func (p *Platform) ListMembers(_ context.Context, groupID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	group, ok := p.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, engine.ErrNotFound)
	}
	for len(group.members) < group.min {
		group.members = append(group.members, p.launchInstance())
	}
	return append([]string(nil), group.members...), nil
}

// Terminate implements fleet.GroupAPI.
func (p *Platform) Terminate(_ context.Context, groupID, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	group, ok := p.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, engine.ErrNotFound)
	}
	for i, id := range group.members {
		if id == instanceID {
			group.members = append(group.members[:i], group.members[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("instance %s in group %s: %w", instanceID, groupID, engine.ErrNotFound)
}

// Register implements fleet.TargetAPI. A freshly registered target reports
// healthy until SetHealth overrides it.
func (p *Platform) Register(_ context.Context, targetGroupID, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	tg, ok := p.targets[targetGroupID]
	if !ok {
		return fmt.Errorf("target group %s: %w", targetGroupID, engine.ErrNotFound)
	}
	if _, registered := tg.health[instanceID]; !registered {
		tg.health[instanceID] = engine.HealthHealthy
	}
	return nil
}

// Deregister implements fleet.TargetAPI.
func (p *Platform) Deregister(_ context.Context, targetGroupID, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	tg, ok := p.targets[targetGroupID]
	if !ok {
		return fmt.Errorf("target group %s: %w", targetGroupID, engine.ErrNotFound)
	}
	delete(tg.health, instanceID)
	return nil
}

// PollHealth implements fleet.TargetAPI.
func (p *Platform) PollHealth(_ context.Context, targetGroupID, instanceID string) (engine.HealthStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tg, ok := p.targets[targetGroupID]
	if !ok {
		return "", fmt.Errorf("target group %s: %w", targetGroupID, engine.ErrNotFound)
	}
	status, registered := tg.health[instanceID]
	if !registered {
		return engine.HealthUnused, nil
	}
	return status, nil
}

func (p *Platform) aggregateHealth(targetGroupID string) (engine.HealthStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tg, ok := p.targets[targetGroupID]
	if !ok {
		return "", fmt.Errorf("target group %s: %w", targetGroupID, engine.ErrNotFound)
	}
	if len(tg.health) == 0 {
		return engine.HealthUnused, nil
	}
	aggregate := engine.HealthHealthy
	for _, status := range tg.health {
		switch status {
		case engine.HealthUnhealthy:
			return engine.HealthUnhealthy, nil
		case engine.HealthInitial, engine.HealthDraining:
			aggregate = engine.HealthInitial
		}
	}
	return aggregate, nil
}

// SetHealth overrides the reported health of one registered target.
func (p *Platform) SetHealth(targetGroupID, instanceID string, status engine.HealthStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	tg, ok := p.targets[targetGroupID]
	if !ok {
		return fmt.Errorf("target group %s: %w", targetGroupID, engine.ErrNotFound)
	}
	if _, registered := tg.health[instanceID]; !registered {
		return fmt.Errorf("instance %s not registered with %s", instanceID, targetGroupID)
	}
	tg.health[instanceID] = status
	return nil
}

func intAttr(attrs engine.Attrs, name string, fallback int) int {
	v, ok := attrs[name]
	if !ok {
		return fallback
	}
	lit, ok := v.(engine.Literal)
	if !ok {
		return fallback
	}
	switch n := lit.V.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}
