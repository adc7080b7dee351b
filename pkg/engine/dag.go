package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Node wraps one resource in the dependency graph, together with its resolved
// edges and topological level.
type Node struct {
	// Key is the resource identity.
	Key Key `json:"key"`

	// Resource is the desired resource; nil for destroy-only nodes that exist
	// solely in recorded state.
	Resource *Resource `json:"resource,omitempty"`

	// Dependencies are the producers this node consumes.
	Dependencies []Key `json:"dependencies,omitempty"`

	// Dependents are the consumers of this node.
	Dependents []Key `json:"dependents,omitempty"`

	// Level is the topological level (depth from roots). Nodes at the same
	// level have no ordering relationship and may execute in parallel.
	Level int `json:"level"`
}

// Graph is the dependency DAG. The DAG is the sole ordering contract;
// declaration order is irrelevant.
type Graph struct {
	// Nodes maps resource keys to graph nodes.
	Nodes map[Key]*Node `json:"nodes"`

	// Order is a stable topological order covering every node exactly once.
	Order []Key `json:"order"`

	// Levels groups keys by topological level.
	Levels [][]Key `json:"levels"`
}

// graphBuilder assembles resolved resources into a DAG. It detects cycles
// with a three-color depth-first traversal before computing Kahn levels.
type graphBuilder struct {
	nodes map[Key]*Node
	edges map[Key][]Key // consumer -> producers
}

func newGraphBuilder() *graphBuilder {
	return &graphBuilder{
		nodes: make(map[Key]*Node),
		edges: make(map[Key][]Key),
	}
}

func (b *graphBuilder) addNode(key Key, res *Resource) error {
	if _, exists := b.nodes[key]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate graph node %s", key), nil).
			WithCode(ErrCodeValidation)
	}
	b.nodes[key] = &Node{Key: key, Resource: res}
	return nil
}

func (b *graphBuilder) addEdge(consumer, producer Key) {
	b.edges[consumer] = append(b.edges[consumer], producer)
}

// Three-color DFS marking. White nodes are unvisited, grey nodes are on the
// current traversal stack, black nodes are fully explored. An edge into a
// grey node closes a cycle.
type dfsColor uint8

const (
	colorWhite dfsColor = iota
	colorGrey
	colorBlack
)

func (b *graphBuilder) build() (*Graph, error) {
	// Validate edge endpoints before traversal.
	for consumer, producers := range b.edges {
		if _, ok := b.nodes[consumer]; !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("edge from unknown node %s", consumer), nil).
				WithCode(ErrCodeInternal)
		}
		for _, producer := range producers {
			if _, ok := b.nodes[producer]; !ok {
				return nil, NewPermanentError(
					fmt.Sprintf("edge to unknown node %s", producer), nil).
					WithCode(ErrCodeInternal)
			}
		}
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	graph := &Graph{Nodes: b.nodes}

	// Populate edges on nodes.
	for consumer, producers := range b.edges {
		node := b.nodes[consumer]
		node.Dependencies = append(node.Dependencies, producers...)
		for _, producer := range producers {
			p := b.nodes[producer]
			p.Dependents = append(p.Dependents, consumer)
		}
	}

	b.computeLevels(graph)
	return graph, nil
}

// detectCycles walks the graph depth-first from every white node. A partial
// graph never escapes: any cycle aborts the whole build.
func (b *graphBuilder) detectCycles() error {
	colors := make(map[Key]dfsColor, len(b.nodes))

	// Deterministic traversal order keeps cycle reports stable.
	keys := sortedKeys(b.nodes)

	var visit func(key Key, stack []Key) *CycleError
	visit = func(key Key, stack []Key) *CycleError {
		colors[key] = colorGrey
		stack = append(stack, key)

		producers := append([]Key(nil), b.edges[key]...)
		sort.Slice(producers, func(i, j int) bool {
			return producers[i].String() < producers[j].String()
		})

		for _, producer := range producers {
			switch colors[producer] {
			case colorWhite:
				if cycle := visit(producer, stack); cycle != nil {
					return cycle
				}
			case colorGrey:
				// Close the loop from the first occurrence on the stack.
				start := 0
				for i, k := range stack {
					if k == producer {
						start = i
						break
					}
				}
				path := append(append([]Key(nil), stack[start:]...), producer)
				return &CycleError{Path: path}
			}
		}

		colors[key] = colorBlack
		return nil
	}

	for _, key := range keys {
		if colors[key] == colorWhite {
			if cycle := visit(key, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels assigns topological levels with Kahn's algorithm and records
// a stable flattened order. Runs after cycle detection, so it always covers
// every node.
func (b *graphBuilder) computeLevels(graph *Graph) {
	remaining := make(map[Key]int, len(b.nodes))
	for key := range b.nodes {
		remaining[key] = len(b.edges[key])
	}

	current := make([]Key, 0)
	for key, degree := range remaining {
		if degree == 0 {
			current = append(current, key)
		}
	}

	level := 0
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool {
			return current[i].String() < current[j].String()
		})

		next := make([]Key, 0)
		for _, key := range current {
			b.nodes[key].Level = level
			graph.Order = append(graph.Order, key)
			for _, dependent := range b.nodes[key].Dependents {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}

		graph.Levels = append(graph.Levels, current)
		current = next
		level++
	}
}

// BuildGraph resolves references among the declared resources and assembles
// the dependency DAG. It fails with a CycleError or UnresolvedReferenceError
// without producing a partial graph.
func BuildGraph(resources []*Resource) (*Graph, error) {
	index, err := indexResources(resources)
	if err != nil {
		return nil, err
	}

	edges, err := resolveEdges(index)
	if err != nil {
		return nil, err
	}

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
	return builder.build()
}

// ToDOT renders the graph in Graphviz DOT format, grouped by level.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph resources {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, keys := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, key := range keys {
			fmt.Fprintf(&sb, "    %q;\n", key.String())
		}
		sb.WriteString("  }\n\n")
	}

	for _, key := range g.Order {
		node := g.Nodes[key]
		deps := append([]Key(nil), node.Dependencies...)
		sort.Slice(deps, func(i, j int) bool { return deps[i].String() < deps[j].String() })
		for _, dep := range deps {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep.String(), key.String())
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func sortedKeys(nodes map[Key]*Node) []Key {
	keys := make([]Key, 0, len(nodes))
	for key := range nodes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
