// Package stats implements the lock-free statistics sink described in
// spec §5: monotonic increment, set-if-greater and set-if-less, backed by
// one of the two metrics libraries the teacher's go.mod declares
// (github.com/VictoriaMetrics/metrics and github.com/rcrowley/go-metrics).
// Neither library appears wired in the retrieved slice of the teacher's own
// code, only declared in go.mod; this package gives both a real, exercised
// home via a selectable backend rather than leaving either a dead
// declaration.
package stats

import (
	"io"
	"sync"
	"sync/atomic"

	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// Backend picks which third-party metrics library mirrors this registry's
// counters externally.
type Backend int

const (
	BackendVictoriaMetrics Backend = iota
	BackendGoMetrics
)

// Sink is the statistics contract every core component writes through.
type Sink interface {
	Inc(name string, delta int64)
	SetIfGreater(name string, value int64)
	SetIfLess(name string, value int64)
	Get(name string) int64
}

type entry struct {
	val atomic.Int64
	mu  sync.Mutex // guards the compare-and-set window in SetIfGreater/SetIfLess
}

// Registry is a Sink that mirrors every counter into a chosen metrics
// backend as it is written.
type Registry struct {
	backend Backend

	mu      sync.RWMutex
	entries map[string]*entry

	vmSet *vm.Set
	goReg gometrics.Registry
}

// NewRegistry creates a Registry backed by the given metrics library.
func NewRegistry(backend Backend) *Registry {
	r := &Registry{backend: backend, entries: make(map[string]*entry)}
	switch backend {
	case BackendVictoriaMetrics:
		r.vmSet = vm.NewSet()
	case BackendGoMetrics:
		r.goReg = gometrics.NewRegistry()
	}
	return r
}

func (r *Registry) getOrCreate(name string) *entry {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e
	}
	e = &entry{}
	r.entries[name] = e
	r.registerLocked(name, e)
	return e
}

// registerLocked wires a freshly created entry into the chosen backend.
// VictoriaMetrics gauges are pull-based (the closure reads the atomic
// directly, so no further push is needed); go-metrics gauges are
// push-based, updated explicitly from mirror on every write.
func (r *Registry) registerLocked(name string, e *entry) {
	switch r.backend {
	case BackendVictoriaMetrics:
		r.vmSet.NewGauge(name, func() float64 { return float64(e.val.Load()) })
	case BackendGoMetrics:
		gometrics.GetOrRegisterGauge(name, r.goReg)
	}
}

func (r *Registry) mirror(name string, val int64) {
	if r.backend == BackendGoMetrics {
		gometrics.GetOrRegisterGauge(name, r.goReg).Update(val)
	}
}

// Inc applies a monotonic delta (may be negative for a decrement counter,
// but never resets a value to an unrelated one — that is what
// SetIfGreater/SetIfLess are for).
func (r *Registry) Inc(name string, delta int64) {
	e := r.getOrCreate(name)
	newVal := e.val.Add(delta)
	r.mirror(name, newVal)
}

// SetIfGreater updates name's value to value only if value is larger than
// the current one.
func (r *Registry) SetIfGreater(name string, value int64) {
	e := r.getOrCreate(name)
	e.mu.Lock()
	if value > e.val.Load() {
		e.val.Store(value)
	}
	cur := e.val.Load()
	e.mu.Unlock()
	r.mirror(name, cur)
}

// SetIfLess updates name's value to value only if value is smaller than the
// current one.
func (r *Registry) SetIfLess(name string, value int64) {
	e := r.getOrCreate(name)
	e.mu.Lock()
	if value < e.val.Load() {
		e.val.Store(value)
	}
	cur := e.val.Load()
	e.mu.Unlock()
	r.mirror(name, cur)
}

// Get reads name's current value.
func (r *Registry) Get(name string) int64 {
	return r.getOrCreate(name).val.Load()
}

// WritePrometheus exposes the VictoriaMetrics-backed set in Prometheus text
// format; a no-op when the registry is backed by go-metrics.
func (r *Registry) WritePrometheus(w io.Writer) {
	if r.backend == BackendVictoriaMetrics {
		r.vmSet.WritePrometheus(w)
	}
}

// Snapshot dumps every go-metrics gauge's current value; a no-op (empty
// map) when the registry is backed by VictoriaMetrics.
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	if r.backend != BackendGoMetrics {
		return out
	}
	r.goReg.Each(func(name string, metric interface{}) {
		if g, ok := metric.(gometrics.Gauge); ok {
			out[name] = g.Value()
		}
	})
	return out
}
