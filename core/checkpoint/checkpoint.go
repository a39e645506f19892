// Package checkpoint implements the per-vbucket CheckpointManager from spec
// §3/§4.3: a strictly ordered, deduplicated write-intent log that the
// flusher drains into persistence batches.
package checkpoint

import "sync"

// Op is the kind of mutation a QueuedItem represents, matching the
// queue_op_* tags the flusher dispatches on.
type Op int

const (
	OpSet Op = iota
	OpDel
	OpFlushAll
	OpCommit
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "queue_op_set"
	case OpDel:
		return "queue_op_del"
	case OpFlushAll:
		return "queue_op_flush"
	case OpCommit:
		return "queue_op_commit"
	default:
		return "queue_op_unknown"
	}
}

// QueuedItem is one entry ready for the flusher: enough to re-derive the
// persistence action without re-reading the HashTable (though flushOneDelOrSet
// always re-reads the live StoredValue before acting, per spec §4.3).
type QueuedItem struct {
	Key       string
	VBID      uint16
	VBVersion uint16
	Op        Op
	Cas       uint64
	Seqno     uint32
}

// Manager is the CheckpointManager for a single vbucket.
type Manager struct {
	mu sync.Mutex

	openID uint64
	items  []QueuedItem
	dedup  map[string]int

	closedCheckpoints int
	persistedID       uint64
}

// New creates a Manager with checkpoint id 1 open.
func New() *Manager {
	return &Manager{
		openID: 1,
		dedup:  make(map[string]int),
	}
}

// Queue appends a mutation to the currently open checkpoint, replacing any
// earlier queued record for the same key in that checkpoint (spec §3:
// "deduplicated against an open checkpoint").
func (m *Manager) Queue(it QueuedItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.dedup[it.Key]; ok {
		m.items[idx] = it
		return
	}
	m.dedup[it.Key] = len(m.items)
	m.items = append(m.items, it)
}

// Len reports how many distinct keys are queued in the currently open checkpoint.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// DrainForFlush hands every queued item in FIFO order to the caller (the
// flusher's beginFlush) and closes the checkpoint they came from, opening a
// fresh one for concurrent writers. The returned checkpoint id is the one
// beginFlush remembers in persistenceCheckpointIds[vbid].
func (m *Manager) DrainForFlush() ([]QueuedItem, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.items
	id := m.openID

	m.items = nil
	m.dedup = make(map[string]int)
	m.openID++
	if len(items) > 0 {
		m.closedCheckpoints++
	}

	return items, id
}

// SetPersisted records that checkpoint id has been durably committed.
// Monotonic: a lower id is ignored (commit acknowledgements can race).
func (m *Manager) SetPersisted(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.persistedID {
		m.persistedID = id
	}
}

// PersistedID returns the highest checkpoint id known to be durable.
func (m *Manager) PersistedID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistedID
}

// OpenID returns the id of the checkpoint currently accepting writes.
func (m *Manager) OpenID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openID
}

// ReapClosed is invoked by the checkpoint remover worker: once any
// checkpoint has been persisted (persistedID != 0), it drops the count of
// every closed checkpoint, with no per-checkpoint persistence check,
// returning how many were reaped.
func (m *Manager) ReapClosed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.persistedID == 0 || m.closedCheckpoints == 0 {
		return 0
	}
	reaped := m.closedCheckpoints
	m.closedCheckpoints = 0
	return reaped
}
