package engine

import "fmt"

// Action represents the operation the planner selected for a resource.
type Action string

const (
	// ActionNoOp indicates the resource already matches its desired state.
	ActionNoOp Action = "noop"

	// ActionCreate indicates a new resource will be provisioned.
	ActionCreate Action = "create"

	// ActionUpdate indicates the resource will be updated in place.
	ActionUpdate Action = "update"

	// ActionDestroy indicates the resource will be destroyed.
	ActionDestroy Action = "destroy"

	// ActionReplaceCreateBeforeDestroy indicates the replacement is provisioned
	// and dependents rewired before the old instance is destroyed.
	ActionReplaceCreateBeforeDestroy Action = "replace-create-before-destroy"

	// ActionReplaceDestroyThenCreate indicates the old instance is destroyed
	// before the replacement is provisioned.
	ActionReplaceDestroyThenCreate Action = "replace-destroy-then-create"
)

// IsReplace returns true for either replacement flavor.
func (a Action) IsReplace() bool {
	return a == ActionReplaceCreateBeforeDestroy || a == ActionReplaceDestroyThenCreate
}

// IsMutating returns true if the action changes remote state.
func (a Action) IsMutating() bool {
	return a != ActionNoOp
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionNoOp, ActionCreate, ActionUpdate, ActionDestroy,
		ActionReplaceCreateBeforeDestroy, ActionReplaceDestroyThenCreate:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// LifecyclePolicy governs ordering when a resource must be replaced.
type LifecyclePolicy string

const (
	// LifecycleDestroyThenCreate destroys the old instance before provisioning
	// the replacement. This is the default.
	LifecycleDestroyThenCreate LifecyclePolicy = "destroy-then-create"

	// LifecycleCreateBeforeDestroy provisions the replacement and rewires
	// dependents before destroying the old instance.
	LifecycleCreateBeforeDestroy LifecyclePolicy = "create-before-destroy"
)

// Validate checks if the lifecycle policy is valid.
func (p LifecyclePolicy) Validate() error {
	switch p {
	case LifecycleDestroyThenCreate, LifecycleCreateBeforeDestroy:
		return nil
	default:
		return fmt.Errorf("invalid lifecycle policy: %s", p)
	}
}

// NodeStatus represents the status of one plan node during an apply.
type NodeStatus string

const (
	// NodeStatusPending indicates the node is waiting for its dependencies.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusRunning indicates the node is currently executing.
	NodeStatusRunning NodeStatus = "running"

	// NodeStatusSucceeded indicates the node's action completed successfully.
	NodeStatusSucceeded NodeStatus = "succeeded"

	// NodeStatusFailed indicates the node's action failed.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusSkipped indicates the node was not attempted because a
	// dependency failed.
	NodeStatusSkipped NodeStatus = "skipped"

	// NodeStatusCancelled indicates the node was not started because the apply
	// was cancelled.
	NodeStatusCancelled NodeStatus = "cancelled"
)

// IsTerminal returns true if the node status represents a final state.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusSucceeded || s == NodeStatusFailed ||
		s == NodeStatusSkipped || s == NodeStatusCancelled
}

// RunStatus represents the overall outcome of an apply run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started executing nodes yet.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every node succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some nodes succeeded and others failed or
	// were skipped. Applied changes are never rolled back.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates no node succeeded.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before completion.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial ||
		s == RunStatusFailed || s == RunStatusCancelled
}

// HealthStatus represents the health of a target registration.
type HealthStatus string

const (
	// HealthInitial indicates the target is registered but has not yet passed
	// enough health checks.
	HealthInitial HealthStatus = "initial"

	// HealthHealthy indicates the target is passing health checks.
	HealthHealthy HealthStatus = "healthy"

	// HealthUnhealthy indicates the target is failing health checks.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthDraining indicates the target is deregistered and finishing
	// in-flight requests.
	HealthDraining HealthStatus = "draining"

	// HealthUnused indicates the target is not registered with any group.
	HealthUnused HealthStatus = "unused"
)
