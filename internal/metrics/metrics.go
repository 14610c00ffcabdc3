package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// OutcomeEntry is one projected event as kept in the recent ring.
type OutcomeEntry struct {
	At      time.Time `json:"at"`
	EventID string    `json:"event_id"`
	Kind    int       `json:"kind"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	Group   string    `json:"group,omitempty"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Projection   ProjectionMetrics `json:"projection"`
	Unwrap       UnwrapMetrics     `json:"unwrap"`
	Publish      PublishMetrics    `json:"publish"`
	RecvByKind   map[string]uint64 `json:"recv_by_kind"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Recent       []OutcomeEntry    `json:"recent"`
}

type ProjectionMetrics struct {
	Received uint64 `json:"received"`
	Merged   uint64 `json:"merged"`
	Ignored  uint64 `json:"ignored"`
	Rejected uint64 `json:"rejected"`
}

type UnwrapMetrics struct {
	OK     uint64 `json:"ok"`
	Failed uint64 `json:"failed"`
}

type PublishMetrics struct {
	OK       uint64 `json:"ok"`
	Failed   uint64 `json:"failed"`
	Refused  uint64 `json:"refused"`
	Wrapped  uint64 `json:"wrapped"`
	Fanouts  uint64 `json:"fanouts"`
	Partials uint64 `json:"partials"`
}

type Metrics struct {
	received       atomic.Uint64
	merged         atomic.Uint64
	ignored        atomic.Uint64
	rejected       atomic.Uint64
	unwrapOK       atomic.Uint64
	unwrapFailed   atomic.Uint64
	publishOK      atomic.Uint64
	publishFailed  atomic.Uint64
	publishRefused atomic.Uint64
	wrapped        atomic.Uint64
	fanouts        atomic.Uint64
	partials       atomic.Uint64

	mu           sync.Mutex
	recvByKind   map[string]uint64
	dropByReason map[string]uint64

	recent *Recent
}

func New() *Metrics {
	return &Metrics{
		recent:       NewRecent(64),
		recvByKind:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
	}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

// IncReceived counts an inbound event under its kind name.
func (m *Metrics) IncReceived(kind string) {
	m.received.Add(1)
	m.mu.Lock()
	m.recvByKind[kind]++
	m.mu.Unlock()
}

func (m *Metrics) IncMerged() {
	m.merged.Add(1)
}

func (m *Metrics) IncIgnored(reason string) {
	m.ignored.Add(1)
	m.incDrop(reason)
}

func (m *Metrics) IncRejected(reason string) {
	m.rejected.Add(1)
	m.incDrop(reason)
}

func (m *Metrics) incDrop(reason string) {
	if reason == "" {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncUnwrapOK() {
	m.unwrapOK.Add(1)
}

func (m *Metrics) IncUnwrapFailed() {
	m.unwrapFailed.Add(1)
}

// AddPublish records the per-relay results of one publish.
func (m *Metrics) AddPublish(ok, failed int) {
	m.publishOK.Add(uint64(ok))
	m.publishFailed.Add(uint64(failed))
}

func (m *Metrics) IncPublishRefused() {
	m.publishRefused.Add(1)
}

func (m *Metrics) IncWrapped() {
	m.wrapped.Add(1)
}

// IncFanout counts a multi-recipient publish; partial marks that some but
// not all recipients were delivered.
func (m *Metrics) IncFanout(partial bool) {
	m.fanouts.Add(1)
	if partial {
		m.partials.Add(1)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []OutcomeEntry{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByKind))
	for k, v := range m.recvByKind {
		recv[k] = v
	}
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Projection: ProjectionMetrics{
			Received: m.received.Load(),
			Merged:   m.merged.Load(),
			Ignored:  m.ignored.Load(),
			Rejected: m.rejected.Load(),
		},
		Unwrap: UnwrapMetrics{
			OK:     m.unwrapOK.Load(),
			Failed: m.unwrapFailed.Load(),
		},
		Publish: PublishMetrics{
			OK:       m.publishOK.Load(),
			Failed:   m.publishFailed.Load(),
			Refused:  m.publishRefused.Load(),
			Wrapped:  m.wrapped.Load(),
			Fanouts:  m.fanouts.Load(),
			Partials: m.partials.Load(),
		},
		RecvByKind:   recv,
		DropByReason: drops,
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Recent is a fixed-size ring of the latest projection outcomes.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []OutcomeEntry
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e OutcomeEntry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []OutcomeEntry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutcomeEntry, len(r.list))
	copy(out, r.list)
	return out
}
