package command

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keepmind9/obhub/internal/logger"
)

// Registry holds the static command table (populated once at startup), the
// dynamic command table (mutable at runtime), and the per-group enable
// flags. All methods are safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	static      []*entry
	staticKeys  map[string]struct{}
	dynamic     map[string]*entry
	dynamicKeys map[string]struct{}
	groups      map[string]bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		staticKeys:  make(map[string]struct{}),
		dynamicKeys: make(map[string]struct{}),
		dynamic:     make(map[string]*entry),
		groups:      make(map[string]bool),
	}
}

// RegisterStatic inserts startup descriptors into the static table. A
// descriptor whose match spec already exists in the table is logged and
// skipped, never overwritten.
func (r *Registry) RegisterStatic(descriptors ...Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range descriptors {
		e, err := compileDescriptor(d)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"name":  d.Name,
				"error": err,
			}).Error("static-command-rejected")
			continue
		}
		if e.key != "" {
			if _, dup := r.staticKeys[e.key]; dup {
				logger.WithFields(logrus.Fields{
					"name":        d.Name,
					"expressions": d.Expressions,
				}).Warn("duplicate-static-command-rejected")
				continue
			}
			r.staticKeys[e.key] = struct{}{}
		}
		e.seq = len(r.static)
		r.static = append(r.static, e)
		r.ensureGroupLocked(d.GroupName)
	}
}

// RegisterDynamic inserts a descriptor into the dynamic table and returns
// its generated identifier, or the empty string when the descriptor is
// rejected (duplicate match spec or invalid descriptor).
func (r *Registry) RegisterDynamic(d Descriptor) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := compileDescriptor(d)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"name":  d.Name,
			"error": err,
		}).Error("dynamic-command-rejected")
		return ""
	}
	if e.key != "" {
		if _, dup := r.dynamicKeys[e.key]; dup {
			logger.WithFields(logrus.Fields{
				"name":        d.Name,
				"expressions": d.Expressions,
			}).Warn("duplicate-dynamic-command-rejected")
			return ""
		}
	}
	if d.AutoPriority {
		e.Priority = r.nextDynamicPriorityLocked()
	}
	e.id = uuid.NewString()
	if e.key != "" {
		r.dynamicKeys[e.key] = struct{}{}
	}
	r.dynamic[e.id] = e
	r.ensureGroupLocked(d.GroupName)

	logger.WithFields(logrus.Fields{
		"id":       e.id,
		"name":     d.Name,
		"priority": e.Priority,
	}).Info("dynamic-command-registered")
	return e.id
}

// nextDynamicPriorityLocked is (current max dynamic priority)+1, or 0 for
// an empty table.
func (r *Registry) nextDynamicPriorityLocked() int {
	if len(r.dynamic) == 0 {
		return 0
	}
	first := true
	max := 0
	for _, e := range r.dynamic {
		if first || e.Priority > max {
			max = e.Priority
			first = false
		}
	}
	return max + 1
}

// RemoveDynamic removes a dynamic descriptor by identifier and reports
// whether anything was removed.
func (r *Registry) RemoveDynamic(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.dynamic[id]
	if !ok {
		return false
	}
	delete(r.dynamic, id)
	if e.key != "" {
		delete(r.dynamicKeys, e.key)
	}
	logger.WithField("id", id).Info("dynamic-command-removed")
	return true
}

// ensureGroupLocked creates the enable flag on first registration into a
// group. An existing flag keeps its state, so registering into a disabled
// group does not silently re-enable it.
func (r *Registry) ensureGroupLocked(name string) {
	if name == "" {
		return
	}
	if _, ok := r.groups[name]; !ok {
		r.groups[name] = true
	}
}

// SetGroupEnabled toggles a command group. This is a compare-and-set: it
// returns false when the group is unknown or already in the requested
// state, and true when the flag actually flipped.
func (r *Registry) SetGroupEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.groups[name]
	if !ok || current == enabled {
		return false
	}
	r.groups[name] = enabled
	logger.WithFields(logrus.Fields{
		"group":   name,
		"enabled": enabled,
	}).Info("command-group-toggled")
	return true
}

// GroupEnabled reports whether a named group is enabled. The empty name and
// unknown groups count as enabled.
func (r *Registry) GroupEnabled(name string) bool {
	if name == "" {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	enabled, ok := r.groups[name]
	return !ok || enabled
}

// StaticCount returns the static table size.
func (r *Registry) StaticCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.static)
}

// DynamicCount returns the dynamic table size.
func (r *Registry) DynamicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dynamic)
}

// dynamicSorted snapshots the dynamic table ordered by priority descending.
// Equal priorities fall in map-iteration order, which is deliberately
// unspecified.
func (r *Registry) dynamicSorted() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.dynamic))
	for _, e := range r.dynamic {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// staticSorted snapshots the static table ordered by priority descending.
// Equal priorities keep registration order, which callers must not rely on.
func (r *Registry) staticSorted() []*entry {
	r.mu.RLock()
	out := make([]*entry, len(r.static))
	copy(out, r.static)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}
