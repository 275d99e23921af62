package identity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/agencysync/internal/snapshot"
)

// CycleError reports a dependency cycle between collections.
type CycleError struct {
	Path []snapshot.Collection
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, c := range e.Path {
		parts[i] = string(c)
	}
	return fmt.Sprintf("dependency cycle: %s", strings.Join(parts, " → "))
}

// dependencyGraph maps a collection to the collections it depends on.
type dependencyGraph map[snapshot.Collection][]snapshot.Collection

// topoOrder returns a deterministic topological order (Kahn's algorithm,
// ready set ordered by tier then name). A cycle is reported with its path.
func topoOrder(policies map[snapshot.Collection]*Policy) ([]snapshot.Collection, error) {
	graph := make(dependencyGraph, len(policies))
	indegree := make(map[snapshot.Collection]int, len(policies))
	dependents := make(map[snapshot.Collection][]snapshot.Collection)
	for c, p := range policies {
		graph[c] = p.DependsOn
		indegree[c] += 0
		for _, dep := range p.DependsOn {
			indegree[c]++
			dependents[dep] = append(dependents[dep], c)
		}
	}

	less := func(a, b snapshot.Collection) bool {
		if policies[a].Tier != policies[b].Tier {
			return policies[a].Tier < policies[b].Tier
		}
		return a < b
	}

	var ready []snapshot.Collection
	for c, n := range indegree {
		if n == 0 {
			ready = append(ready, c)
		}
	}

	order := make([]snapshot.Collection, 0, len(policies))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) < len(policies) {
		for _, scc := range tarjanSCC(graph) {
			if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
				return nil, &CycleError{Path: cyclePath(scc, graph)}
			}
		}
		return nil, &CycleError{}
	}
	return order, nil
}

func hasSelfLoop(node snapshot.Collection, graph dependencyGraph) bool {
	for _, n := range graph[node] {
		if n == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components. Nodes are visited in name
// order so the reported cycle is stable.
func tarjanSCC(graph dependencyGraph) [][]snapshot.Collection {
	var (
		index   = 0
		stack   []snapshot.Collection
		indices = make(map[snapshot.Collection]int)
		lowlink = make(map[snapshot.Collection]int)
		onStack = make(map[snapshot.Collection]bool)
		sccs    [][]snapshot.Collection
	)

	var strongConnect func(snapshot.Collection)
	strongConnect = func(v snapshot.Collection) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []snapshot.Collection
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]snapshot.Collection, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

// cyclePath walks edges inside an SCC from its smallest member back to itself.
func cyclePath(scc []snapshot.Collection, graph dependencyGraph) []snapshot.Collection {
	members := make(map[snapshot.Collection]bool, len(scc))
	start := scc[0]
	for _, n := range scc {
		members[n] = true
		if n < start {
			start = n
		}
	}

	path := []snapshot.Collection{start}
	visited := map[snapshot.Collection]bool{start: true}
	current := start
	for {
		var next snapshot.Collection
		for _, n := range graph[current] {
			if members[n] && (!visited[n] || n == start) {
				next = n
				break
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		current = next
	}
}
