package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a resource type. One provider adapter serves each kind.
type Kind string

// Resource kinds of the HTTP service topology.
const (
	KindSecurityGroup    Kind = "security-group"
	KindLaunchTemplate   Kind = "launch-template"
	KindAutoscalingGroup Kind = "autoscaling-group"
	KindLoadBalancer     Kind = "load-balancer"
	KindTargetGroup      Kind = "target-group"
	KindListener         Kind = "listener"
	KindListenerRule     Kind = "listener-rule"
	KindDataLookup       Kind = "data-lookup"
)

// Key uniquely identifies a declared resource by kind and name.
type Key struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// String renders the key in kind.name form.
func (k Key) String() string {
	return fmt.Sprintf("%s.%s", k.Kind, k.Name)
}

// MarshalText lets keys serve as JSON map keys.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind.name key.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses a kind.name key.
func ParseKey(s string) (Key, error) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return Key{}, fmt.Errorf("malformed resource key %q, want kind.name", s)
	}
	return Key{Kind: Kind(s[:idx]), Name: s[idx+1:]}, nil
}

// Resource is one declared resource of the desired state.
type Resource struct {
	// Key is the unique (kind, name) identity.
	Key Key `json:"key"`

	// Attributes is the desired attribute tree, possibly containing
	// references to other resources' outputs.
	Attributes Attrs `json:"attributes"`

	// Immutable names attributes that cannot be updated in place. A change
	// to any of them forces full replacement.
	Immutable map[string]bool `json:"immutable,omitempty"`

	// Lifecycle governs ordering when replacement is required.
	Lifecycle LifecyclePolicy `json:"lifecycle"`
}

// Validate checks structural invariants of a declared resource.
func (r *Resource) Validate() error {
	if r.Key.Kind == "" || r.Key.Name == "" {
		return NewPermanentError("resource key must have kind and name", nil).
			WithCode(ErrCodeValidation)
	}
	if r.Lifecycle == "" {
		return NewPermanentError("resource has no lifecycle policy", nil).
			WithCode(ErrCodeValidation).WithResource(r.Key)
	}
	if err := r.Lifecycle.Validate(); err != nil {
		return NewPermanentError(err.Error(), nil).
			WithCode(ErrCodeValidation).WithResource(r.Key)
	}
	for name := range r.Immutable {
		if _, ok := r.Attributes[name]; !ok {
			return NewPermanentError(
				fmt.Sprintf("immutable attribute %q is not declared", name), nil).
				WithCode(ErrCodeValidation).WithResource(r.Key)
		}
	}
	return nil
}

// StateRecord is the persisted snapshot of one applied resource. Records are
// created on first successful apply, updated on every successful apply, and
// removed on successful destroy. The executor is the only writer.
type StateRecord struct {
	// Key is the resource identity.
	Key Key `json:"key"`

	// ProviderID is the platform-assigned identifier (ARN-equivalent).
	ProviderID string `json:"provider_id"`

	// Attributes are the last-applied attribute values, references resolved.
	Attributes Attrs `json:"attributes"`

	// Outputs are the provider-computed outputs, including "id".
	Outputs Attrs `json:"outputs"`

	// Dependencies are the producer keys this resource referenced when it was
	// applied. Used to order destroys of resources no longer declared.
	Dependencies []Key `json:"dependencies,omitempty"`

	// Token is the logical version for compare-and-swap writes.
	Token int64 `json:"token"`

	// CreatedAt is when the record was first written.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// StateStore is the authoritative record of previously-applied resources.
//
// Get returns (nil, nil) when no record exists; absence is the normal
// "never applied" case, not an error. Put and Delete enforce compare-and-swap
// semantics: expectedToken must match the stored token (0 for a new record)
// or a conflict error is returned. Lock acquires an advisory scope lock and
// returns an unlock token; a held lock older than its timeout is considered
// stale and may be stolen.
type StateStore interface {
	Get(ctx context.Context, key Key) (*StateRecord, error)
	List(ctx context.Context) ([]*StateRecord, error)
	Put(ctx context.Context, record *StateRecord, expectedToken int64) error
	Delete(ctx context.Context, key Key, expectedToken int64) error

	Lock(ctx context.Context, scope string, timeout time.Duration) (string, error)
	Unlock(ctx context.Context, scope, token string) error
}

// AttributeDiff describes one changed attribute in a planned change.
type AttributeDiff struct {
	// Name is the attribute name.
	Name string `json:"name"`

	// Before is the recorded value, nil when the resource is new.
	Before Value `json:"before,omitempty"`

	// After is the desired value, nil when the resource is being destroyed.
	After Value `json:"after,omitempty"`

	// ForcesReplacement is true when the attribute is immutable.
	ForcesReplacement bool `json:"forces_replacement"`
}

// attributeDiffJSON mirrors AttributeDiff with raw value payloads.
type attributeDiffJSON struct {
	Name              string `json:"name"`
	Before            rawOpt `json:"before,omitempty"`
	After             rawOpt `json:"after,omitempty"`
	ForcesReplacement bool   `json:"forces_replacement"`
}

type rawOpt []byte

func (r rawOpt) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *rawOpt) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d AttributeDiff) MarshalJSON() ([]byte, error) {
	out := attributeDiffJSON{Name: d.Name, ForcesReplacement: d.ForcesReplacement}
	if d.Before != nil {
		encoded, err := MarshalValue(d.Before)
		if err != nil {
			return nil, err
		}
		out.Before = encoded
	}
	if d.After != nil {
		encoded, err := MarshalValue(d.After)
		if err != nil {
			return nil, err
		}
		out.After = encoded
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *AttributeDiff) UnmarshalJSON(data []byte) error {
	var raw attributeDiffJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Name = raw.Name
	d.ForcesReplacement = raw.ForcesReplacement
	if len(raw.Before) > 0 {
		v, err := UnmarshalValue(raw.Before)
		if err != nil {
			return err
		}
		d.Before = v
	}
	if len(raw.After) > 0 {
		v, err := UnmarshalValue(raw.After)
		if err != nil {
			return err
		}
		d.After = v
	}
	return nil
}

// Change is one (node, action) pair of a plan.
type Change struct {
	// Key is the resource identity.
	Key Key `json:"key"`

	// Action is the classified operation.
	Action Action `json:"action"`

	// Resource is the desired resource, nil for destroys.
	Resource *Resource `json:"resource,omitempty"`

	// Prior is the recorded state, nil for creates.
	Prior *StateRecord `json:"prior,omitempty"`

	// Diff lists the changed attributes.
	Diff []AttributeDiff `json:"diff,omitempty"`
}

// Plan is an ordered set of actions computed by diffing desired state against
// recorded state. Plans are inert; only the executor has side effects.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Changes lists every node with its classified action, in dependency
	// order. NoOp nodes are included so re-planning an applied configuration
	// yields a visible all-noop plan.
	Changes []Change `json:"changes"`

	// Graph is the dependency graph the changes were ordered by.
	Graph *Graph `json:"graph,omitempty"`

	// Summary counts changes per action.
	Summary PlanSummary `json:"summary"`
}

// PlanSummary counts planned changes per action.
type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Replace int `json:"replace"`
	Destroy int `json:"destroy"`
	NoOp    int `json:"noop"`
}

// HasChanges returns true if any node requires a mutating action.
func (s PlanSummary) HasChanges() bool {
	return s.Create+s.Update+s.Replace+s.Destroy > 0
}

// Change looks up the planned change for a key.
func (p *Plan) Change(key Key) *Change {
	for i := range p.Changes {
		if p.Changes[i].Key == key {
			return &p.Changes[i]
		}
	}
	return nil
}

// NodeResult is the outcome of executing one plan node.
type NodeResult struct {
	// Key is the resource identity.
	Key Key `json:"key"`

	// Action is the action that was (or would have been) executed.
	Action Action `json:"action"`

	// Status is the terminal node status.
	Status NodeStatus `json:"status"`

	// ProviderID is the identifier after the action, empty after destroy.
	ProviderID string `json:"provider_id,omitempty"`

	// Error describes the failure, empty on success.
	Error string `json:"error,omitempty"`

	// Attempts is the number of provider attempts made.
	Attempts int `json:"attempts,omitempty"`

	// StartedAt is when execution began; zero if never started.
	StartedAt time.Time `json:"started_at,omitzero"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration,omitempty"`
}

// RunSummary counts node outcomes of an apply.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// ApplyReport enumerates per-node outcomes of an apply run. An apply never
// reduces to a bare success/failure flag; partial application must be
// auditable.
type ApplyReport struct {
	// RunID is the unique run identifier.
	RunID string `json:"run_id"`

	// PlanID identifies the executed plan.
	PlanID string `json:"plan_id"`

	// Status is the overall run outcome.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completed_at"`

	// Results maps resource keys to node outcomes.
	Results map[Key]*NodeResult `json:"results"`

	// Summary counts outcomes.
	Summary RunSummary `json:"summary"`
}

// Event is one entry of the append-only apply audit trail.
type Event struct {
	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// Resource is the resource key, empty for run-level events.
	Resource string `json:"resource,omitempty"`

	// Level is the severity (info, warning, error).
	Level string `json:"level"`

	// Message is the human-readable event message.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Journal persists run records and apply events. Implementations must
// tolerate concurrent appends; journal failures never abort an apply.
type Journal interface {
	RecordRun(ctx context.Context, report *ApplyReport) error
	AppendEvent(ctx context.Context, event *Event) error
}
