// Package config loads the declarative YAML document describing desired
// resources and the optional fleet reconciliation settings.
package config

import (
	"fmt"
	"time"

	"github.com/skyform/skyform/pkg/engine"
	"github.com/skyform/skyform/pkg/fleet"
)

// Document is the root of a desired-state file.
type Document struct {
	// Resources declares the desired resources. Declaration order carries no
	// meaning; ordering comes from references alone.
	Resources []ResourceSpec `yaml:"resources" validate:"required,min=1,dive"`

	// Fleet optionally configures continuous reconciliation of an
	// autoscaling group against a target group.
	Fleet *FleetSpec `yaml:"fleet,omitempty"`
}

// ResourceSpec is the YAML form of one resource declaration. Attribute values
// may embed references as "${kind.name.path}" strings.
type ResourceSpec struct {
	Kind       string                 `yaml:"kind" validate:"required"`
	Name       string                 `yaml:"name" validate:"required"`
	Lifecycle  string                 `yaml:"lifecycle,omitempty" validate:"omitempty,oneof=destroy-then-create create-before-destroy"`
	Immutable  []string               `yaml:"immutable,omitempty"`
	Attributes map[string]interface{} `yaml:"attributes,omitempty"`
}

// FleetSpec configures the fleet reconciler. Group and TargetGroup name
// declared resources whose provider identifiers are resolved from state.
type FleetSpec struct {
	Group              string `yaml:"group" validate:"required"`
	TargetGroup        string `yaml:"target_group" validate:"required"`
	Interval           string `yaml:"interval,omitempty"`
	HealthyThreshold   int    `yaml:"healthy_threshold,omitempty" validate:"omitempty,min=1"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold,omitempty" validate:"omitempty,min=1"`
	DrainGrace         string `yaml:"drain_grace,omitempty"`
}

// GroupKey returns the resource key of the autoscaling group.
func (f *FleetSpec) GroupKey() (engine.Key, error) {
	return engine.ParseKey(f.Group)
}

// TargetGroupKey returns the resource key of the target group.
func (f *FleetSpec) TargetGroupKey() (engine.Key, error) {
	return engine.ParseKey(f.TargetGroup)
}

// FleetConfig converts the spec into the reconciler configuration, filling
// defaults for unset fields. Provider identifiers are supplied by the caller
// once resolved from state.
func (f *FleetSpec) FleetConfig(groupID, targetGroupID string) (fleet.Config, error) {
	cfg := fleet.Config{
		GroupID:            groupID,
		TargetGroupID:      targetGroupID,
		Interval:           10 * time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
		DrainGrace:         30 * time.Second,
	}
	if f.Interval != "" {
		d, err := time.ParseDuration(f.Interval)
		if err != nil {
			return fleet.Config{}, fmt.Errorf("invalid fleet interval %q: %w", f.Interval, err)
		}
		cfg.Interval = d
	}
	if f.DrainGrace != "" {
		d, err := time.ParseDuration(f.DrainGrace)
		if err != nil {
			return fleet.Config{}, fmt.Errorf("invalid drain grace %q: %w", f.DrainGrace, err)
		}
		cfg.DrainGrace = d
	}
	if f.HealthyThreshold > 0 {
		cfg.HealthyThreshold = f.HealthyThreshold
	}
	if f.UnhealthyThreshold > 0 {
		cfg.UnhealthyThreshold = f.UnhealthyThreshold
	}
	return cfg, cfg.Validate()
}
