package engine

import (
	"context"
	"testing"
	"time"
)

func seedRecord(store *memStore, kind Kind, name, id string, attrs, outputs Attrs) *StateRecord {
	if outputs == nil {
		outputs = Attrs{"id": Literal{V: id}}
	}
	rec := &StateRecord{
		Key:        Key{Kind: kind, Name: name},
		ProviderID: id,
		Attributes: attrs,
		Outputs:    outputs,
		Token:      1,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	store.seed(rec)
	return rec
}

func planFor(t *testing.T, store *memStore, desired []*Resource) *Plan {
	t.Helper()
	plan, err := NewPlanner(store).Plan(context.Background(), desired)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return plan
}

func wantAction(t *testing.T, plan *Plan, key Key, want Action) {
	t.Helper()
	change := plan.Change(key)
	if change == nil {
		t.Fatalf("no change for %s in plan", key)
	}
	if change.Action != want {
		t.Errorf("%s: action = %s, want %s", key, change.Action, want)
	}
}

func TestPlanCreateAll(t *testing.T) {
	store := newMemStore()
	desired := []*Resource{
		res(KindSecurityGroup, "web", Attrs{"ingress_port": Literal{V: 443}}),
		res(KindLoadBalancer, "web", Attrs{
			"sg": Ref{Kind: KindSecurityGroup, Name: "web", Path: "id"},
		}),
	}

	plan := planFor(t, store, desired)

	wantAction(t, plan, Key{KindSecurityGroup, "web"}, ActionCreate)
	wantAction(t, plan, Key{KindLoadBalancer, "web"}, ActionCreate)
	if plan.Summary.Create != 2 || plan.Summary.NoOp != 0 {
		t.Errorf("summary = %+v, want 2 creates", plan.Summary)
	}
	if !plan.Summary.HasChanges() {
		t.Error("plan with creates must report changes")
	}

	// Create diff carries every desired attribute with no before value.
	change := plan.Change(Key{KindSecurityGroup, "web"})
	if len(change.Diff) != 1 || change.Diff[0].Name != "ingress_port" {
		t.Fatalf("unexpected create diff: %+v", change.Diff)
	}
	if change.Diff[0].Before != nil {
		t.Error("create diff must not have a before value")
	}
}

func TestPlanNoOpIdempotence(t *testing.T) {
	store := newMemStore()
	attrs := Attrs{"ingress_port": Literal{V: 443}}
	seedRecord(store, KindSecurityGroup, "web", "sg-1", attrs, nil)

	plan := planFor(t, store, []*Resource{res(KindSecurityGroup, "web", attrs)})

	wantAction(t, plan, Key{KindSecurityGroup, "web"}, ActionNoOp)
	if plan.Summary.HasChanges() {
		t.Errorf("no-op plan must report no changes: %+v", plan.Summary)
	}

	// Planning again yields the same classification.
	again := planFor(t, store, []*Resource{res(KindSecurityGroup, "web", attrs)})
	wantAction(t, again, Key{KindSecurityGroup, "web"}, ActionNoOp)
}

func TestPlanUpdateMutableAttribute(t *testing.T) {
	store := newMemStore()
	seedRecord(store, KindTargetGroup, "web", "tg-1",
		Attrs{"port": Literal{V: 8080}, "healthy_threshold": Literal{V: 2}}, nil)

	desired := res(KindTargetGroup, "web",
		Attrs{"port": Literal{V: 8080}, "healthy_threshold": Literal{V: 3}})

	plan := planFor(t, store, []*Resource{desired})

	wantAction(t, plan, Key{KindTargetGroup, "web"}, ActionUpdate)
	change := plan.Change(Key{KindTargetGroup, "web"})
	if len(change.Diff) != 1 || change.Diff[0].Name != "healthy_threshold" {
		t.Fatalf("unexpected diff: %+v", change.Diff)
	}
	if change.Diff[0].ForcesReplacement {
		t.Error("mutable attribute must not force replacement")
	}
}

func TestPlanReplaceImmutableAttribute(t *testing.T) {
	store := newMemStore()
	seedRecord(store, KindLaunchTemplate, "app", "lt-1",
		Attrs{"image_id": Literal{V: "ami-old"}}, nil)

	for _, tc := range []struct {
		name      string
		lifecycle LifecyclePolicy
		want      Action
	}{
		{"destroy-then-create", LifecycleDestroyThenCreate, ActionReplaceDestroyThenCreate},
		{"create-before-destroy", LifecycleCreateBeforeDestroy, ActionReplaceCreateBeforeDestroy},
	} {
		t.Run(tc.name, func(t *testing.T) {
			desired := res(KindLaunchTemplate, "app", Attrs{"image_id": Literal{V: "ami-new"}})
			desired.Immutable = map[string]bool{"image_id": true}
			desired.Lifecycle = tc.lifecycle

			plan := planFor(t, store, []*Resource{desired})
			wantAction(t, plan, Key{KindLaunchTemplate, "app"}, tc.want)
			if plan.Summary.Replace != 1 {
				t.Errorf("summary = %+v, want 1 replace", plan.Summary)
			}
		})
	}
}

func TestPlanDestroyRemovedResources(t *testing.T) {
	store := newMemStore()
	seedRecord(store, KindSecurityGroup, "old", "sg-9", Attrs{"ingress_port": Literal{V: 80}}, nil)

	plan := planFor(t, store, nil)

	wantAction(t, plan, Key{KindSecurityGroup, "old"}, ActionDestroy)
	change := plan.Change(Key{KindSecurityGroup, "old"})
	if len(change.Diff) != 1 || change.Diff[0].After != nil {
		t.Fatalf("destroy diff must only carry before values: %+v", change.Diff)
	}
}

func TestPlanDestroyOrderReversesDependencies(t *testing.T) {
	store := newMemStore()
	producer := seedRecord(store, KindTargetGroup, "web", "tg-1", Attrs{}, nil)
	consumer := seedRecord(store, KindListener, "http", "ls-1", Attrs{}, nil)
	consumer.Dependencies = []Key{producer.Key}
	store.seed(consumer)

	plan := planFor(t, store, nil)

	pos := make(map[Key]int)
	for _, key := range plan.Graph.Order {
		pos[key] = len(pos)
	}
	if pos[consumer.Key] >= pos[producer.Key] {
		t.Errorf("consumer %s must be destroyed before producer %s: order %v",
			consumer.Key, producer.Key, plan.Graph.Order)
	}
}

func TestPlanConsumerOfReplacedProducerIsDirty(t *testing.T) {
	store := newMemStore()
	seedRecord(store, KindLaunchTemplate, "app", "lt-1",
		Attrs{"image_id": Literal{V: "ami-old"}},
		Attrs{"id": Literal{V: "lt-1"}})
	// The recorded ASG attribute holds the resolved producer id.
	seedRecord(store, KindAutoscalingGroup, "app", "asg-1",
		Attrs{"launch_template_id": Literal{V: "lt-1"}}, nil)

	lt := res(KindLaunchTemplate, "app", Attrs{"image_id": Literal{V: "ami-new"}})
	lt.Immutable = map[string]bool{"image_id": true}
	asg := res(KindAutoscalingGroup, "app", Attrs{
		"launch_template_id": Ref{Kind: KindLaunchTemplate, Name: "app", Path: "id"},
	})

	plan := planFor(t, store, []*Resource{lt, asg})

	wantAction(t, plan, Key{KindLaunchTemplate, "app"}, ActionReplaceDestroyThenCreate)
	// The producer's id is only known after replacement, so the consumer's
	// reference counts as a pending change.
	wantAction(t, plan, Key{KindAutoscalingGroup, "app"}, ActionUpdate)
}

func TestPlanConsumerOfUnchangedProducerIsClean(t *testing.T) {
	store := newMemStore()
	seedRecord(store, KindLaunchTemplate, "app", "lt-1",
		Attrs{"image_id": Literal{V: "ami-1"}},
		Attrs{"id": Literal{V: "lt-1"}})
	seedRecord(store, KindAutoscalingGroup, "app", "asg-1",
		Attrs{"launch_template_id": Literal{V: "lt-1"}}, nil)

	lt := res(KindLaunchTemplate, "app", Attrs{"image_id": Literal{V: "ami-1"}})
	asg := res(KindAutoscalingGroup, "app", Attrs{
		"launch_template_id": Ref{Kind: KindLaunchTemplate, Name: "app", Path: "id"},
	})

	plan := planFor(t, store, []*Resource{lt, asg})

	wantAction(t, plan, Key{KindLaunchTemplate, "app"}, ActionNoOp)
	wantAction(t, plan, Key{KindAutoscalingGroup, "app"}, ActionNoOp)
}

func TestPlanAttributeRemovalIsUpdate(t *testing.T) {
	store := newMemStore()
	seedRecord(store, KindSecurityGroup, "web", "sg-1",
		Attrs{"ingress_port": Literal{V: 443}, "description": Literal{V: "web tier"}}, nil)

	plan := planFor(t, store, []*Resource{
		res(KindSecurityGroup, "web", Attrs{"ingress_port": Literal{V: 443}}),
	})

	wantAction(t, plan, Key{KindSecurityGroup, "web"}, ActionUpdate)
	change := plan.Change(Key{KindSecurityGroup, "web"})
	if len(change.Diff) != 1 || change.Diff[0].Name != "description" || change.Diff[0].After != nil {
		t.Fatalf("unexpected diff for removed attribute: %+v", change.Diff)
	}
}

func TestPlanNestedBlockComparison(t *testing.T) {
	store := newMemStore()
	rule := func(action string) Attrs {
		return Attrs{
			"match": Block{Attrs: Attrs{
				"path":   Literal{V: "/api/*"},
				"action": Literal{V: action},
			}},
		}
	}
	seedRecord(store, KindListenerRule, "api", "lr-1", rule("forward"), nil)

	same := planFor(t, store, []*Resource{res(KindListenerRule, "api", rule("forward"))})
	wantAction(t, same, Key{KindListenerRule, "api"}, ActionNoOp)

	changed := planFor(t, store, []*Resource{res(KindListenerRule, "api", rule("redirect"))})
	wantAction(t, changed, Key{KindListenerRule, "api"}, ActionUpdate)
}

func TestPlanWebServiceTopology(t *testing.T) {
	store := newMemStore()
	desired := []*Resource{
		res(KindSecurityGroup, "alb", Attrs{"ingress_port": Literal{V: 443}}),
		res(KindSecurityGroup, "instance", Attrs{
			"ingress_port": Literal{V: 8080},
			"source":       Ref{Kind: KindSecurityGroup, Name: "alb", Path: "id"},
		}),
		res(KindLaunchTemplate, "web", Attrs{
			"image_id":       Literal{V: "img-2024"},
			"security_group": Ref{Kind: KindSecurityGroup, Name: "instance", Path: "id"},
		}),
		res(KindAutoscalingGroup, "web", Attrs{
			"launch_template": Ref{Kind: KindLaunchTemplate, Name: "web", Path: "id"},
			"min_size":        Literal{V: 2},
			"max_size":        Literal{V: 10},
		}),
		res(KindLoadBalancer, "web", Attrs{
			"sg": Ref{Kind: KindSecurityGroup, Name: "alb", Path: "id"},
		}),
		res(KindTargetGroup, "web", Attrs{
			"port": Literal{V: 8080},
			"health_check": Block{Attrs: Attrs{
				"path":     Literal{V: "/healthz"},
				"interval": Literal{V: 10},
			}},
		}),
		res(KindListener, "https", Attrs{
			"load_balancer_arn": Ref{Kind: KindLoadBalancer, Name: "web", Path: "arn"},
			"default_target":    Ref{Kind: KindTargetGroup, Name: "web", Path: "arn"},
		}),
		res(KindListenerRule, "api", Attrs{
			"listener": Ref{Kind: KindListener, Name: "https", Path: "id"},
			"forward":  Ref{Kind: KindTargetGroup, Name: "web", Path: "arn"},
			"match": Block{Attrs: Attrs{
				"path": Literal{V: "/api/*"},
			}},
		}),
	}

	plan := planFor(t, store, desired)

	if plan.Summary.Create != len(desired) {
		t.Fatalf("summary = %+v, want %d creates", plan.Summary, len(desired))
	}
	for _, resource := range desired {
		wantAction(t, plan, resource.Key, ActionCreate)
	}

	pos := func(kind Kind, name string) int {
		t.Helper()
		for i, change := range plan.Changes {
			if change.Key == (Key{kind, name}) {
				return i
			}
		}
		t.Fatalf("no change for %s.%s in plan", kind, name)
		return -1
	}

	sgALB := pos(KindSecurityGroup, "alb")
	sgInstance := pos(KindSecurityGroup, "instance")
	lt := pos(KindLaunchTemplate, "web")
	asg := pos(KindAutoscalingGroup, "web")
	lb := pos(KindLoadBalancer, "web")
	tg := pos(KindTargetGroup, "web")
	listener := pos(KindListener, "https")
	rule := pos(KindListenerRule, "api")

	ordered := []struct {
		name          string
		before, after int
	}{
		{"alb sg before instance sg", sgALB, sgInstance},
		{"instance sg before launch template", sgInstance, lt},
		{"launch template before autoscaling group", lt, asg},
		{"alb sg before load balancer", sgALB, lb},
		{"load balancer before listener", lb, listener},
		{"target group before listener", tg, listener},
		{"listener before rule", listener, rule},
	}
	for _, tc := range ordered {
		if tc.before >= tc.after {
			t.Errorf("%s: positions %d, %d", tc.name, tc.before, tc.after)
		}
	}
}
