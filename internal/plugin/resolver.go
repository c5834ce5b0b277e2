package plugin

import "sort"

// Metadata is a bundle's immutable manifest data.
type Metadata struct {
	Name         string
	Version      string
	Description  string
	Author       string
	Main         string
	Dependencies []string
	Source       string
	// Runtime selects the namespace backend ("wasm", "lua", "binary").
	// Empty infers the backend from Main's file extension (see runtimeKind).
	Runtime string
	// Extensions declares this bundle's extension candidates as
	// point-name -> ordinal, supplementing spec.md's reflective
	// discovery (see SPEC_FULL.md §4.4) since namespace-loaded code is
	// opaque to the host process.
	Extensions map[string]int
	// ExtensionPoints declares the extension-point names this bundle
	// contributes to C8's registry. Spec.md §4.4 assigns point
	// registration ("an interface marked as an extension point") to the
	// loader; since namespace-loaded code carries no host-visible
	// interfaces, bundles declare their points explicitly instead.
	ExtensionPoints []string
}

func (m Metadata) extensionDeclarations() map[string]int {
	return m.Extensions
}

// Analysis is the non-failing dependency-graph view exposed alongside
// Resolve: forward graph, reverse graph, roots, and leaves.
type Analysis struct {
	DependencyGraph        map[string][]string
	ReverseDependencyGraph map[string][]string
	RootPlugins            []string
	LeafPlugins            []string
	TotalPlugins           int
}

// PluginsThatDependOn returns the names that declare name as a dependency.
func (a Analysis) PluginsThatDependOn(name string) []string {
	return a.ReverseDependencyGraph[name]
}

// DependenciesOf returns the dependency list recorded for name.
func (a Analysis) DependenciesOf(name string) []string {
	return a.DependencyGraph[name]
}

// Resolve topologically sorts plugins by dependency using a DFS with
// explicit cycle detection. The result contains every name exactly once,
// after all of its transitive dependencies. Iteration over the input map
// is made deterministic by first sorting names ascending.
func Resolve(plugins map[string]Metadata) ([]string, error) {
	if len(plugins) == 0 {
		return nil, nil
	}

	if err := validateDependencies(plugins); err != nil {
		return nil, err
	}

	names := sortedKeys(plugins)

	resolved := make([]string, 0, len(plugins))
	resolving := make(map[string]bool)
	visited := make(map[string]bool)

	for _, name := range names {
		if !visited[name] {
			var path []string
			if err := resolveDependency(name, plugins, &resolved, resolving, visited, &path); err != nil {
				return nil, err
			}
		}
	}

	return resolved, nil
}

func validateDependencies(plugins map[string]Metadata) error {
	for _, name := range sortedKeys(plugins) {
		for _, dep := range plugins[name].Dependencies {
			if _, ok := plugins[dep]; !ok {
				return &MissingDependencyError{Plugin: name, Dep: dep}
			}
		}
	}
	return nil
}

func resolveDependency(
	name string,
	plugins map[string]Metadata,
	resolved *[]string,
	resolving map[string]bool,
	visited map[string]bool,
	pathStack *[]string,
) error {
	if contains(*resolved, name) {
		return nil
	}

	visited[name] = true

	if resolving[name] {
		start := 0
		for i, n := range *pathStack {
			if n == name {
				start = i
				break
			}
		}
		cycle := append(append([]string{}, (*pathStack)[start:]...), name)
		return &CircularDependencyError{CyclePath: cycle}
	}

	meta, ok := plugins[name]
	if !ok {
		return &MissingDependencyError{Plugin: name, Dep: name}
	}

	resolving[name] = true
	*pathStack = append(*pathStack, name)
	defer func() {
		delete(resolving, name)
		*pathStack = (*pathStack)[:len(*pathStack)-1]
	}()

	for _, dep := range meta.Dependencies {
		if !contains(*resolved, dep) {
			if err := resolveDependency(dep, plugins, resolved, resolving, visited, pathStack); err != nil {
				return err
			}
		}
	}

	*resolved = append(*resolved, name)
	return nil
}

// Analyze builds the non-failing dependency graph view: forward/reverse
// graphs, roots (no dependencies), and leaves (nothing depends on them).
func Analyze(plugins map[string]Metadata) Analysis {
	graph := make(map[string][]string, len(plugins))
	reverse := make(map[string][]string, len(plugins))
	rootSet := make(map[string]bool)

	for _, name := range sortedKeys(plugins) {
		deps := plugins[name].Dependencies
		graph[name] = append([]string{}, deps...)
		if len(deps) == 0 {
			rootSet[name] = true
		}
		for _, dep := range deps {
			reverse[dep] = append(reverse[dep], name)
		}
	}

	leafSet := make(map[string]bool)
	for name := range plugins {
		if _, ok := reverse[name]; !ok {
			leafSet[name] = true
		}
	}

	return Analysis{
		DependencyGraph:        graph,
		ReverseDependencyGraph: reverse,
		RootPlugins:            sortedSetKeys(rootSet),
		LeafPlugins:            sortedSetKeys(leafSet),
		TotalPlugins:           len(plugins),
	}
}

// FindCircularDependencies returns every distinct cycle reachable from the
// dependency graph, independent of Resolve's fail-fast behavior.
func FindCircularDependencies(plugins map[string]Metadata) [][]string {
	var cycles [][]string
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	for _, name := range sortedKeys(plugins) {
		if !visited[name] {
			var path []string
			findCycles(name, plugins, visited, inStack, &path, &cycles)
		}
	}
	return cycles
}

func findCycles(
	name string,
	plugins map[string]Metadata,
	visited, inStack map[string]bool,
	path *[]string,
	cycles *[][]string,
) {
	visited[name] = true
	inStack[name] = true
	*path = append(*path, name)

	for _, dep := range plugins[name].Dependencies {
		if !visited[dep] {
			findCycles(dep, plugins, visited, inStack, path, cycles)
		} else if inStack[dep] {
			start := indexOf(*path, dep)
			cycle := append(append([]string{}, (*path)[start:]...), dep)
			*cycles = append(*cycles, cycle)
		}
	}

	inStack[name] = false
	*path = (*path)[:len(*path)-1]
}

func sortedKeys(m map[string]Metadata) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSetKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
