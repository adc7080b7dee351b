package config

import (
	"strings"
	"testing"
	"time"

	"github.com/skyform/skyform/pkg/engine"
)

const sampleDoc = `
resources:
  - kind: security-group
    name: web
    attributes:
      ingress_port: 443
      description: web tier
  - kind: launch-template
    name: app
    lifecycle: create-before-destroy
    immutable: [image_id]
    attributes:
      image_id: ami-12345
      security_groups:
        - ${security-group.web.id}
  - kind: target-group
    name: web
    attributes:
      port: 8080
      health_check:
        path: /healthz
        interval_seconds: 10
fleet:
  group: autoscaling-group.app
  target_group: target-group.web
  interval: 5s
  healthy_threshold: 2
  unhealthy_threshold: 3
  drain_grace: 45s
`

func TestParseDocument(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	resources, err := doc.EngineResources()
	if err != nil {
		t.Fatalf("EngineResources failed: %v", err)
	}
	if len(resources) != 3 {
		t.Fatalf("got %d resources, want 3", len(resources))
	}

	byKey := make(map[engine.Key]*engine.Resource)
	for _, res := range resources {
		byKey[res.Key] = res
	}

	sg := byKey[engine.Key{Kind: engine.KindSecurityGroup, Name: "web"}]
	if sg == nil {
		t.Fatal("missing security-group.web")
	}
	if sg.Lifecycle != engine.LifecycleDestroyThenCreate {
		t.Errorf("default lifecycle = %s", sg.Lifecycle)
	}
	if !sg.Attributes["ingress_port"].Equal(engine.Literal{V: 443}) {
		t.Errorf("ingress_port = %#v", sg.Attributes["ingress_port"])
	}

	lt := byKey[engine.Key{Kind: engine.KindLaunchTemplate, Name: "app"}]
	if lt.Lifecycle != engine.LifecycleCreateBeforeDestroy {
		t.Errorf("lifecycle = %s", lt.Lifecycle)
	}
	if !lt.Immutable["image_id"] {
		t.Error("image_id not marked immutable")
	}
	list, ok := lt.Attributes["security_groups"].(engine.List)
	if !ok || len(list.Items) != 1 {
		t.Fatalf("security_groups = %#v", lt.Attributes["security_groups"])
	}
	ref, ok := list.Items[0].(engine.Ref)
	if !ok {
		t.Fatalf("expected reference, got %#v", list.Items[0])
	}
	if ref.Target() != (engine.Key{Kind: engine.KindSecurityGroup, Name: "web"}) || ref.Path != "id" {
		t.Errorf("ref = %+v", ref)
	}

	tg := byKey[engine.Key{Kind: engine.KindTargetGroup, Name: "web"}]
	block, ok := tg.Attributes["health_check"].(engine.Block)
	if !ok {
		t.Fatalf("health_check = %#v", tg.Attributes["health_check"])
	}
	if !block.Attrs["path"].Equal(engine.Literal{V: "/healthz"}) {
		t.Errorf("health_check.path = %#v", block.Attrs["path"])
	}
}

func TestParseFleetSpec(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.Fleet == nil {
		t.Fatal("missing fleet spec")
	}

	groupKey, err := doc.Fleet.GroupKey()
	if err != nil {
		t.Fatalf("GroupKey failed: %v", err)
	}
	if groupKey != (engine.Key{Kind: engine.KindAutoscalingGroup, Name: "app"}) {
		t.Errorf("group key = %s", groupKey)
	}

	cfg, err := doc.Fleet.FleetConfig("asg-1", "tg-1")
	if err != nil {
		t.Fatalf("FleetConfig failed: %v", err)
	}
	if cfg.Interval != 5*time.Second || cfg.DrainGrace != 45*time.Second {
		t.Errorf("durations not parsed: %+v", cfg)
	}
	if cfg.HealthyThreshold != 2 || cfg.UnhealthyThreshold != 3 {
		t.Errorf("thresholds not applied: %+v", cfg)
	}
}

func TestFleetSpecDefaults(t *testing.T) {
	spec := &FleetSpec{Group: "autoscaling-group.app", TargetGroup: "target-group.web"}
	cfg, err := spec.FleetConfig("asg-1", "tg-1")
	if err != nil {
		t.Fatalf("FleetConfig failed: %v", err)
	}
	if cfg.Interval != 10*time.Second || cfg.HealthyThreshold != 2 || cfg.UnhealthyThreshold != 3 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":             `resources: []`,
		"missing name":      "resources:\n  - kind: security-group",
		"bad lifecycle":     "resources:\n  - kind: security-group\n    name: web\n    lifecycle: maybe-later",
		"not yaml":          `{{{`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Errorf("expected error for %s document", name)
			}
		})
	}
}

func TestParseRejectsMalformedReference(t *testing.T) {
	doc := `
resources:
  - kind: listener
    name: http
    attributes:
      lb: ${nonsense}
`
	parsed, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	_, err = parsed.EngineResources()
	if err == nil || !strings.Contains(err.Error(), "malformed reference") {
		t.Errorf("expected malformed reference error, got %v", err)
	}
}
