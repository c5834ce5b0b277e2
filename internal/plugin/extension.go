package plugin

import (
	"sort"
	"sync"
)

// ExtensionCandidate is a manifest-declared extension a plugin offers at a
// named extension point. Go code loaded into an isolated namespace (wasm,
// lua, binary) is not visible to the host as a Go type, so candidates are
// declared explicitly by the bundle manifest rather than discovered by
// walking interface implementations, per SPEC_FULL.md §4.4.
type ExtensionCandidate struct {
	Point       string
	Instance    any
	Ordinal     int
	Description string
	Enabled     bool
}

type extensionWrapper struct {
	instance    any
	ordinal     int
	description string
	enabled     bool
	point       string
	owner       string
}

// ExtensionManager maintains extension points and their registered
// extensions, cross-indexed by point and by owning plugin, ordered by
// ordinal ascending within each point.
type ExtensionManager struct {
	mu         sync.RWMutex
	points     map[string][]*extensionWrapper
	byPlugin   map[string][]*extensionWrapper
	knownPoint map[string]bool
}

// NewExtensionManager constructs an empty ExtensionManager.
func NewExtensionManager() *ExtensionManager {
	return &ExtensionManager{
		points:     make(map[string][]*extensionWrapper),
		byPlugin:   make(map[string][]*extensionWrapper),
		knownPoint: make(map[string]bool),
	}
}

// RegisterExtensionPoint declares point as a valid extension point name.
func (m *ExtensionManager) RegisterExtensionPoint(point string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.knownPoint[point] = true
	if _, ok := m.points[point]; !ok {
		m.points[point] = nil
	}
}

// RegisterExtensions registers every candidate for pluginName. Candidates
// naming an unknown extension point are skipped and reported in the
// returned skipped list. After insertion, every touched point's list
// is re-sorted by ordinal ascending.
func (m *ExtensionManager) RegisterExtensions(pluginName string, candidates []ExtensionCandidate) (registered int, skipped []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched := make(map[string]bool)
	for _, c := range candidates {
		if !c.Enabled {
			continue
		}
		if !m.knownPoint[c.Point] {
			skipped = append(skipped, c.Point)
			continue
		}
		w := &extensionWrapper{
			instance:    c.Instance,
			ordinal:     c.Ordinal,
			description: c.Description,
			enabled:     c.Enabled,
			point:       c.Point,
			owner:       pluginName,
		}
		m.points[c.Point] = append(m.points[c.Point], w)
		m.byPlugin[pluginName] = append(m.byPlugin[pluginName], w)
		touched[c.Point] = true
		registered++
	}

	for point := range touched {
		bucket := m.points[point]
		sort.SliceStable(bucket, func(i, j int) bool { return bucket[i].ordinal < bucket[j].ordinal })
		m.points[point] = bucket
	}
	return registered, skipped
}

// Get returns every extension instance at point, in ordinal order.
func (m *ExtensionManager) Get(point string) []any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.points[point]
	out := make([]any, 0, len(bucket))
	for _, w := range bucket {
		out = append(out, w.instance)
	}
	return out
}

// GetFirst returns the first (lowest-ordinal) extension at point, if any.
func (m *ExtensionManager) GetFirst(point string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.points[point]
	if len(bucket) == 0 {
		return nil, false
	}
	return bucket[0].instance, true
}

// GetByPlugin returns the extensions at point owned by pluginName, in
// ordinal order.
func (m *ExtensionManager) GetByPlugin(point, pluginName string) []any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []any
	for _, w := range m.points[point] {
		if w.owner == pluginName {
			out = append(out, w.instance)
		}
	}
	return out
}

// UnregisterPlugin removes every wrapper owned by pluginName from both
// indexes.
func (m *ExtensionManager) UnregisterPlugin(pluginName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.byPlugin, pluginName)
	for point, bucket := range m.points {
		filtered := bucket[:0]
		for _, w := range bucket {
			if w.owner != pluginName {
				filtered = append(filtered, w)
			}
		}
		m.points[point] = filtered
	}
}

// ClearAll removes every registered extension and extension point.
func (m *ExtensionManager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = make(map[string][]*extensionWrapper)
	m.byPlugin = make(map[string][]*extensionWrapper)
	m.knownPoint = make(map[string]bool)
}

// ExtensionInfo is a diagnostic snapshot of the manager's population.
type ExtensionInfo struct {
	Points          int
	TotalExtensions int
	PerPoint        map[string]int
}

// Info returns a diagnostic snapshot.
func (m *ExtensionManager) Info() ExtensionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := ExtensionInfo{Points: len(m.points), PerPoint: make(map[string]int, len(m.points))}
	for point, bucket := range m.points {
		info.PerPoint[point] = len(bucket)
		info.TotalExtensions += len(bucket)
	}
	return info
}
