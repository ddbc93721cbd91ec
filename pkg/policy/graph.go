package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/converge/pkg/expand"
)

// CallGraph is the static graph of bundles calling other bundles through
// methods promises. Calls whose target is only known after expansion are
// not part of the graph.
type CallGraph struct {
	// nodes maps qualified bundle names to bundles
	nodes map[string]*Bundle

	// edges maps a bundle to the bundles it calls, in declaration order
	edges map[string][]string

	// dynamic counts calls whose target contains a variable reference
	dynamic int
}

// BuildCallGraph collects the methods calls of every bundle in p.
func BuildCallGraph(p *Policy) *CallGraph {
	g := &CallGraph{
		nodes: make(map[string]*Bundle),
		edges: make(map[string][]string),
	}
	for _, b := range p.Bundles {
		g.nodes[b.QualifiedName()] = b
	}
	for _, b := range p.Bundles {
		from := b.QualifiedName()
		for _, pr := range b.PromisesOfType(TypeMethods) {
			target, ok := MethodTarget(pr)
			if !ok {
				continue
			}
			if expand.HasRefs(target) {
				g.dynamic++
				continue
			}
			g.edges[from] = append(g.edges[from], qualify(target, b.Namespace))
		}
	}
	return g
}

// MethodTarget returns the bundle name a methods promise calls: the
// usebundle attribute, or the promiser when usebundle is absent.
func MethodTarget(p *Promise) (string, bool) {
	v, ok := p.Get(AttrUseBundle)
	if !ok {
		return p.Promiser, p.Promiser != ""
	}
	if s, ok := v.AsScalar(); ok {
		return s, true
	}
	if fn, ok := v.AsFnCall(); ok {
		return fn.Name, true
	}
	return "", false
}

func qualify(name, ns string) string {
	if strings.Contains(name, ":") || ns == "" || ns == "default" {
		return name
	}
	return ns + ":" + name
}

// Calls returns the bundles called by name.
func (g *CallGraph) Calls(name string) []string {
	return g.edges[name]
}

// Missing returns calls to bundles that do not exist, as "caller -> callee".
func (g *CallGraph) Missing() []string {
	var out []string
	for _, from := range g.sortedNodes() {
		for _, to := range g.edges[from] {
			if _, ok := g.nodes[to]; !ok {
				out = append(out, from+" -> "+to)
			}
		}
	}
	return out
}

// DetectCycles returns every call cycle found by depth-first search, each
// as the path of bundle names ending where it started.
func (g *CallGraph) DetectCycles() [][]string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var cycles [][]string

	for _, id := range g.sortedNodes() {
		if !visited[id] {
			g.detectCyclesUtil(id, visited, recStack, nil, &cycles)
		}
	}
	return cycles
}

func (g *CallGraph) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
	cycles *[][]string,
) {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, callee := range g.edges[nodeID] {
		if _, exists := g.nodes[callee]; !exists {
			continue
		}
		if !visited[callee] {
			g.detectCyclesUtil(callee, visited, recStack, path, cycles)
		} else if recStack[callee] {
			for i, id := range path {
				if id == callee {
					cycle := append(append([]string(nil), path[i:]...), callee)
					*cycles = append(*cycles, cycle)
					break
				}
			}
		}
	}

	recStack[nodeID] = false
}

func (g *CallGraph) sortedNodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToDOT renders the call graph for Graphviz.
func (g *CallGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph CallGraph {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, id := range g.sortedNodes() {
		color := "lightblue"
		if g.nodes[id].Type == BundleCommon {
			color = "lightgray"
		}
		sb.WriteString(fmt.Sprintf("  %q [fillcolor=%q, style=\"filled,rounded\"];\n", id, color))
	}
	sb.WriteString("\n")
	for _, id := range g.sortedNodes() {
		for _, to := range g.edges[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", id, to))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
