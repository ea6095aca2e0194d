package graph

// topoSort runs Kahn's algorithm over the given nodes and dependency edges
// (node → ids it depends on). On cycle detection it falls back to a DFS to
// reconstruct the cycle path for the error message.
func topoSort(ids []string, deps map[string][]string) ([]string, *CycleError) {
	if len(ids) == 0 {
		return nil, nil
	}

	nodeSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		nodeSet[id] = true
	}

	inDegree := make(map[string]int, len(ids))
	forward := make(map[string][]string)
	for _, id := range ids {
		inDegree[id] = 0
	}
	for node, nodeDeps := range deps {
		if !nodeSet[node] {
			continue
		}
		for _, dep := range nodeDeps {
			if !nodeSet[dep] {
				continue // unknown refs are rejected by separate validation
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(ids) {
		return sorted, nil
	}
	return nil, &CycleError{Path: findCyclePath(ids, deps, inDegree)}
}

// findCyclePath locates a cycle among nodes left with non-zero in-degree.
func findCyclePath(ids []string, deps map[string][]string, inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range deps[node] {
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, id := range ids {
		if inDegree[id] > 0 && color[id] == white {
			if dfs(id) {
				return cyclePath
			}
		}
	}
	return []string{"(cycle detected)"}
}
