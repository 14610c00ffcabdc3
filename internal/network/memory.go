package network

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/crypto"
)

// relayStore is an in-process relay: verified events indexed by kind, plus
// live watchers.
type relayStore struct {
	mu       sync.Mutex
	byID     map[string]nostr.Event
	byKind   map[int][]string
	watchers map[int]*watcher
	nextID   int
}

type watcher struct {
	filters nostr.Filters
	ch      chan nostr.Event
}

func newRelayStore() *relayStore {
	return &relayStore{
		byID:     make(map[string]nostr.Event),
		byKind:   make(map[int][]string),
		watchers: make(map[int]*watcher),
	}
}

// add stores ev after checking its signature. Duplicates are accepted and
// not re-broadcast.
func (s *relayStore) add(ev nostr.Event) error {
	if err := crypto.Verify(&ev); err != nil {
		return fmt.Errorf("invalid: %w", err)
	}
	s.mu.Lock()
	if _, ok := s.byID[ev.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.byID[ev.ID] = ev
	s.byKind[ev.Kind] = append(s.byKind[ev.Kind], ev.ID)
	var targets []chan nostr.Event
	for _, w := range s.watchers {
		if matchAny(w.filters, &ev) {
			targets = append(targets, w.ch)
		}
	}
	// send under the lock so unwatch cannot close a channel mid-send
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

// query returns stored events matching filters, oldest first. Filters that
// all name kinds only scan those kinds.
func (s *relayStore) query(filters nostr.Filters) []nostr.Event {
	s.mu.Lock()
	var ids []string
	allKinds := len(filters) > 0
	for _, f := range filters {
		if len(f.Kinds) == 0 {
			allKinds = false
		}
	}
	if allKinds {
		seen := make(map[int]bool)
		for _, f := range filters {
			for _, k := range f.Kinds {
				if !seen[k] {
					seen[k] = true
					ids = append(ids, s.byKind[k]...)
				}
			}
		}
	} else {
		for id := range s.byID {
			ids = append(ids, id)
		}
	}
	var out []nostr.Event
	for _, id := range ids {
		ev := s.byID[id]
		if matchAny(filters, &ev) {
			out = append(out, ev)
		}
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

func (s *relayStore) watch(filters nostr.Filters) (<-chan nostr.Event, func()) {
	w := &watcher{filters: filters, ch: make(chan nostr.Event, 256)}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	s.mu.Unlock()
	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			close(w.ch)
			s.mu.Unlock()
		})
	}
}

// Memory is a set of in-process relays keyed by URL, used for local://
// relays and tests. Relays can be told to fail publishes.
type Memory struct {
	mu     sync.Mutex
	relays map[string]*relayStore
	fail   map[string]error
}

var _ Network = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{relays: make(map[string]*relayStore), fail: make(map[string]error)}
}

func (m *Memory) relay(url string) *relayStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relays[url]
	if !ok {
		r = newRelayStore()
		m.relays[url] = r
	}
	return r
}

// Fail makes publishes to url return err. A nil err heals the relay.
func (m *Memory) Fail(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, url)
		return
	}
	m.fail[url] = err
}

func (m *Memory) Publish(ctx context.Context, relays []string, ev nostr.Event) []PublishResult {
	out := make([]PublishResult, 0, len(relays))
	for _, url := range relays {
		if err := ctx.Err(); err != nil {
			out = append(out, PublishResult{Relay: url, Err: err})
			continue
		}
		m.mu.Lock()
		err := m.fail[url]
		m.mu.Unlock()
		if err == nil {
			err = m.relay(url).add(ev)
		}
		out = append(out, PublishResult{Relay: url, Err: err})
	}
	return out
}

// Events returns everything stored at url.
func (m *Memory) Events(url string) []nostr.Event {
	return m.relay(url).query(nostr.Filters{{}})
}

func (m *Memory) Load(ctx context.Context, relays []string, filters nostr.Filters) (<-chan nostr.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	inputs := make([]<-chan nostr.Event, 0, len(relays))
	for _, url := range relays {
		stored := m.relay(url).query(filters)
		ch := make(chan nostr.Event, len(stored))
		for _, ev := range stored {
			ch <- ev
		}
		close(ch)
		inputs = append(inputs, ch)
	}
	return merge(ctx, inputs), nil
}

func (m *Memory) Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (<-chan nostr.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	inputs := make([]<-chan nostr.Event, 0, len(relays))
	for _, url := range relays {
		r := m.relay(url)
		live, cancel := r.watch(filters)
		stored := r.query(filters)
		ch := make(chan nostr.Event, 64)
		go func() {
			defer close(ch)
			defer cancel()
			for _, ev := range stored {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			for {
				select {
				case ev, ok := <-live:
					if !ok {
						return
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		inputs = append(inputs, ch)
	}
	return merge(ctx, inputs), nil
}
