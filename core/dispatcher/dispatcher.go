// Package dispatcher implements the priority task scheduler described in
// spec §4/§5. The engine runs three named instances — RW, RO and NonIO —
// each an independent Dispatcher; which instance a given task runs on is a
// wiring decision made by the caller (core/flusher registers on RW,
// core/bgfetcher on RO, most of core/workers on NonIO), not something this
// package enforces.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/stevelittle/ep-engine/internal/util"
)

// Priority is a task's scheduling tier. High-priority tasks are always
// ordered ahead of low-priority ones regardless of how long either has
// been waiting; within a tier, tasks run in readiness order.
type Priority int

const (
	PriorityHigh Priority = 0
	PriorityLow  Priority = 1
)

// Handle identifies a scheduled task for Cancel.
type Handle uint64

// Result tells the dispatcher what to do after a task runs: stop, or
// reschedule itself after a snooze delay (spec §4.7's periodic workers all
// reschedule themselves this way rather than being re-submitted externally).
type Result struct {
	Reschedule bool
	Snooze     time.Duration
}

// Done is the result a task returns to stop being scheduled.
var Done = Result{}

// Snooze builds a Result that reschedules after d.
func Snooze(d time.Duration) Result {
	return Result{Reschedule: true, Snooze: d}
}

// TaskFunc is the work a scheduled task performs.
type TaskFunc func(ctx context.Context) Result

type taskEntry struct {
	fn        TaskFunc
	priority  Priority
	cancelled bool
}

const tierBit = uint64(1) << 63
const relMask = tierBit - 1

// Dispatcher is one priority-ordered task scheduler running on its own
// goroutine. Built on internal/util.MapHeap (ordering by a combined
// (priority-tier, readiness-time) key) fed by Schedule calls that may come
// from any goroutine.
type Dispatcher struct {
	name string

	mu    sync.Mutex
	heap  *util.MapHeap
	tasks map[uint64]*taskEntry
	epoch time.Time

	nextHandle uint64

	notify chan struct{}
	stopCh chan struct{}
	stopMu sync.Once
}

// New creates a Dispatcher and starts its worker loop.
func New(name string) *Dispatcher {
	d := &Dispatcher{
		name:   name,
		heap:   util.NewMapHeap(),
		tasks:  make(map[uint64]*taskEntry),
		epoch:  time.Now(),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	go d.loop()
	return d
}

// Name returns the dispatcher's configured name (e.g. "rw", "ro", "nonio"),
// used only for logging/stats labeling.
func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) encodeKey(priority Priority, readyAt time.Time) uint64 {
	rel := readyAt.Sub(d.epoch).Nanoseconds()
	if rel < 0 {
		rel = 0
	}
	key := uint64(rel) & relMask
	if priority == PriorityHigh {
		return key
	}
	return key | tierBit
}

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Schedule submits fn to run after delay, at the given priority. Returns a
// Handle usable with Cancel.
func (d *Dispatcher) Schedule(fn TaskFunc, priority Priority, delay time.Duration) Handle {
	d.mu.Lock()
	d.nextHandle++
	h := d.nextHandle
	d.tasks[h] = &taskEntry{fn: fn, priority: priority}
	d.heap.AddItem(h, d.encodeKey(priority, time.Now().Add(delay)))
	d.mu.Unlock()

	d.wake()
	return Handle(h)
}

// Cancel removes a pending task. Returns false if the handle is unknown
// (already run, already cancelled, or never existed).
func (d *Dispatcher) Cancel(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.tasks[uint64(h)]
	if !ok {
		return false
	}
	entry.cancelled = true
	d.heap.RemoveByKey(uint64(h))
	delete(d.tasks, uint64(h))
	return true
}

// Pending reports how many tasks are currently queued; a task that is
// running is not counted.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heap.Len()
}

// Stop halts the worker loop. Already-running tasks finish; nothing new runs.
func (d *Dispatcher) Stop() {
	d.stopMu.Do(func() { close(d.stopCh) })
}

func (d *Dispatcher) loop() {
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		d.mu.Lock()
		key, prio, ok := d.heap.Peek()
		d.mu.Unlock()

		if !ok {
			select {
			case <-d.notify:
				continue
			case <-d.stopCh:
				return
			}
		}

		readyAt := d.epoch.Add(time.Duration(prio & relMask))
		if wait := time.Until(readyAt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-d.notify:
				timer.Stop()
				continue
			case <-d.stopCh:
				timer.Stop()
				return
			}
		}

		d.mu.Lock()
		curKey, _, curOK := d.heap.Peek()
		if !curOK || curKey != key {
			// something changed the head (a cancel, or a higher-priority
			// task arrived) while we were waiting; re-evaluate.
			d.mu.Unlock()
			continue
		}
		d.heap.PopMin()
		entry := d.tasks[key]
		delete(d.tasks, key)
		d.mu.Unlock()

		if entry == nil || entry.cancelled {
			continue
		}

		result := entry.fn(context.Background())
		if result.Reschedule {
			d.Schedule(entry.fn, entry.priority, result.Snooze)
		}
	}
}
