package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Planner diffs the desired resources against recorded state and classifies
// the action each node requires. Planning is side-effect free: the planner
// only reads the state store, and planning the same inputs twice yields the
// same actions.
type Planner struct {
	store StateStore
}

// NewPlanner creates a planner backed by the given state store.
func NewPlanner(store StateStore) *Planner {
	return &Planner{store: store}
}

// errPendingRef marks a reference whose concrete value is only known after
// the producer's own action runs.
var errPendingRef = errors.New("referenced output not yet known")

// Plan computes an ordered plan for the desired resources.
//
// Classification per node, in priority order: no prior state means create;
// prior state without a desired resource means destroy; equal attributes mean
// no-op; only mutable attributes differing means update in place; any
// immutable attribute differing means replacement, subclassified by the
// resource's lifecycle policy.
func (p *Planner) Plan(ctx context.Context, desired []*Resource) (*Plan, error) {
	index, err := indexResources(desired)
	if err != nil {
		return nil, err
	}
	edges, err := resolveEdges(index)
	if err != nil {
		return nil, err
	}

	records, err := p.loadRecords(ctx)
	if err != nil {
		return nil, err
	}

	graph, err := buildPlanGraph(index, edges, records)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Graph:     graph,
	}

	// Classify in topological order so a consumer can see whether its
	// producers are being created or replaced.
	actions := make(map[Key]Action, len(graph.Order))
	for _, key := range graph.Order {
		node := graph.Nodes[key]
		change := p.classify(node, records, actions)
		actions[key] = change.Action
		plan.Changes = append(plan.Changes, change)

		switch change.Action {
		case ActionCreate:
			plan.Summary.Create++
		case ActionUpdate:
			plan.Summary.Update++
		case ActionReplaceCreateBeforeDestroy, ActionReplaceDestroyThenCreate:
			plan.Summary.Replace++
		case ActionDestroy:
			plan.Summary.Destroy++
		case ActionNoOp:
			plan.Summary.NoOp++
		}
	}

	return plan, nil
}

func (p *Planner) loadRecords(ctx context.Context) (map[Key]*StateRecord, error) {
	list, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing state records: %w", err)
	}
	records := make(map[Key]*StateRecord, len(list))
	for _, rec := range list {
		records[rec.Key] = rec
	}
	return records, nil
}

// buildPlanGraph extends the desired-resource DAG with destroy nodes for
// recorded resources that are no longer declared. Destroy nodes are ordered
// among themselves by the reverse of their recorded dependencies: a consumer
// is destroyed before the producer it referenced.
func buildPlanGraph(
	index map[Key]*Resource,
	edges map[Key][]Key,
	records map[Key]*StateRecord,
) (*Graph, error) {
	builder := newGraphBuilder()

	for key, res := range index {
		if err := builder.addNode(key, res); err != nil {
			return nil, err
		}
	}
	for consumer, producers := range edges {
		for _, producer := range producers {
			builder.addEdge(consumer, producer)
		}
	}

	removed := make(map[Key]bool)
	for key := range records {
		if _, stillDesired := index[key]; !stillDesired {
			removed[key] = true
			if err := builder.addNode(key, nil); err != nil {
				return nil, err
			}
		}
	}
	for key := range removed {
		for _, dep := range records[key].Dependencies {
			if removed[dep] {
				// dep's destroy waits for this consumer's destroy.
				builder.addEdge(dep, key)
			}
		}
	}

	return builder.build()
}

// classify determines the action for one node. actions holds the already
// classified producers (guaranteed by topological traversal order).
func (p *Planner) classify(
	node *Node,
	records map[Key]*StateRecord,
	actions map[Key]Action,
) Change {
	rec := records[node.Key]

	if node.Resource == nil {
		return Change{
			Key:    node.Key,
			Action: ActionDestroy,
			Prior:  rec,
			Diff:   destroyDiff(rec),
		}
	}

	res := node.Resource
	if rec == nil {
		return Change{
			Key:      node.Key,
			Action:   ActionCreate,
			Resource: res,
			Diff:     createDiff(res),
		}
	}

	diff, forcesReplace := p.diffAttributes(res, rec, records, actions)
	change := Change{Key: node.Key, Resource: res, Prior: rec, Diff: diff}

	switch {
	case len(diff) == 0:
		change.Action = ActionNoOp
	case forcesReplace && res.Lifecycle == LifecycleCreateBeforeDestroy:
		change.Action = ActionReplaceCreateBeforeDestroy
	case forcesReplace:
		change.Action = ActionReplaceDestroyThenCreate
	default:
		change.Action = ActionUpdate
	}
	return change
}

// diffAttributes compares desired attributes against the recorded values.
// References are resolved against the producer's recorded outputs before
// comparing; a reference to a producer that is itself being created or
// replaced always counts as a pending change.
func (p *Planner) diffAttributes(
	res *Resource,
	rec *StateRecord,
	records map[Key]*StateRecord,
	actions map[Key]Action,
) ([]AttributeDiff, bool) {
	lookup := func(r Ref) (Value, error) {
		producer := r.Target()
		if act, ok := actions[producer]; ok && (act == ActionCreate || act.IsReplace()) {
			return nil, errPendingRef
		}
		prec := records[producer]
		if prec == nil {
			return nil, errPendingRef
		}
		v, ok := prec.Outputs.LookupPath(r.Path)
		if !ok {
			return nil, errPendingRef
		}
		return v, nil
	}

	names := make(map[string]bool, len(res.Attributes)+len(rec.Attributes))
	for name := range res.Attributes {
		names[name] = true
	}
	for name := range rec.Attributes {
		names[name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var diff []AttributeDiff
	forcesReplace := false
	for _, name := range sorted {
		desired, hasDesired := res.Attributes[name]
		prior, hasPrior := rec.Attributes[name]

		equal := false
		if hasDesired && hasPrior {
			if resolved, err := ResolveValue(desired, lookup); err == nil {
				equal = resolved.Equal(prior)
			}
		}
		if equal {
			continue
		}

		d := AttributeDiff{Name: name, ForcesReplacement: res.Immutable[name]}
		if hasPrior {
			d.Before = prior
		}
		if hasDesired {
			d.After = desired
		}
		diff = append(diff, d)
		if d.ForcesReplacement {
			forcesReplace = true
		}
	}
	return diff, forcesReplace
}

func createDiff(res *Resource) []AttributeDiff {
	names := make([]string, 0, len(res.Attributes))
	for name := range res.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	diff := make([]AttributeDiff, 0, len(names))
	for _, name := range names {
		diff = append(diff, AttributeDiff{
			Name:              name,
			After:             res.Attributes[name],
			ForcesReplacement: res.Immutable[name],
		})
	}
	return diff
}

func destroyDiff(rec *StateRecord) []AttributeDiff {
	if rec == nil {
		return nil
	}
	names := make([]string, 0, len(rec.Attributes))
	for name := range rec.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	diff := make([]AttributeDiff, 0, len(names))
	for _, name := range names {
		diff = append(diff, AttributeDiff{Name: name, Before: rec.Attributes[name]})
	}
	return diff
}
