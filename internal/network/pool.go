package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/debuglog"
)

const (
	clientMaxRetries  = 3
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientTimeout     = 8 * time.Second
)

type addrFailure struct {
	count int
	last  time.Time
}

// Pool keeps one websocket connection per relay URL and reconnects with
// backoff after failures.
type Pool struct {
	mu       sync.Mutex
	relays   map[string]*nostr.Relay
	failures map[string]*addrFailure
	connect  func(ctx context.Context, url string) (*nostr.Relay, error)
	log      *log.Logger
}

var _ Network = (*Pool)(nil)

func NewPool() *Pool {
	return &Pool{
		relays:   make(map[string]*nostr.Relay),
		failures: make(map[string]*addrFailure),
		connect: func(ctx context.Context, url string) (*nostr.Relay, error) {
			return nostr.RelayConnect(ctx, url)
		},
		log: debuglog.With("component", "pool"),
	}
}

func (p *Pool) get(ctx context.Context, url string) (*nostr.Relay, error) {
	if url == "" {
		return nil, errors.New("missing relay url")
	}
	p.mu.Lock()
	if r, ok := p.relays[url]; ok {
		if r.IsConnected() {
			p.mu.Unlock()
			return r, nil
		}
		delete(p.relays, url)
		p.mu.Unlock()
		_ = r.Close()
	} else {
		p.mu.Unlock()
	}
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		r, err := p.connect(ctx, url)
		if err == nil {
			p.resetFailures(url)
			p.mu.Lock()
			p.relays[url] = r
			p.mu.Unlock()
			return r, nil
		}
		lastErr = err
		p.log.Debug("relay connect failed", "relay", url, "attempt", attempt, "err", err)
		if !backoffRetry(ctx, p.recordFailure(url)) {
			break
		}
	}
	return nil, lastErr
}

func (p *Pool) drop(url string, r *nostr.Relay) {
	p.mu.Lock()
	if cur, ok := p.relays[url]; ok && cur == r {
		delete(p.relays, url)
	}
	p.mu.Unlock()
	_ = r.Close()
}

func (p *Pool) recordFailure(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent := p.failures[url]
	if ent == nil {
		ent = &addrFailure{}
		p.failures[url] = ent
	}
	ent.count++
	ent.last = time.Now()
	return ent.count
}

func (p *Pool) resetFailures(url string) {
	p.mu.Lock()
	delete(p.failures, url)
	p.mu.Unlock()
}

// Close disconnects every relay.
func (p *Pool) Close() {
	p.mu.Lock()
	relays := p.relays
	p.relays = make(map[string]*nostr.Relay)
	p.mu.Unlock()
	for _, r := range relays {
		_ = r.Close()
	}
}

func (p *Pool) Publish(ctx context.Context, relays []string, ev nostr.Event) []PublishResult {
	out := make([]PublishResult, len(relays))
	var wg sync.WaitGroup
	for i, url := range relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			ctx, cancel := withDefaultTimeout(ctx)
			defer cancel()
			out[i] = PublishResult{Relay: url}
			r, err := p.get(ctx, url)
			if err != nil {
				out[i].Err = err
				return
			}
			if err := r.Publish(ctx, ev); err != nil {
				out[i].Err = err
				if !r.IsConnected() {
					p.drop(url, r)
				}
			}
		}(i, url)
	}
	wg.Wait()
	return out
}

func (p *Pool) Load(ctx context.Context, relays []string, filters nostr.Filters) (<-chan nostr.Event, error) {
	return p.stream(ctx, relays, filters, true)
}

func (p *Pool) Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (<-chan nostr.Event, error) {
	return p.stream(ctx, relays, filters, false)
}

func (p *Pool) stream(ctx context.Context, relays []string, filters nostr.Filters, untilEOSE bool) (<-chan nostr.Event, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	inputs := make([]<-chan nostr.Event, 0, len(relays))
	for _, url := range relays {
		ch := make(chan nostr.Event, 64)
		inputs = append(inputs, ch)
		go func(url string) {
			defer close(ch)
			r, err := p.get(ctx, url)
			if err != nil {
				p.log.Debug("relay unavailable", "relay", url, "err", err)
				return
			}
			sub, err := r.Subscribe(ctx, filters)
			if err != nil {
				p.log.Debug("subscribe failed", "relay", url, "err", err)
				return
			}
			defer sub.Unsub()
			eose := sub.EndOfStoredEvents
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					select {
					case ch <- *ev:
					case <-ctx.Done():
						return
					}
				case <-eose:
					if untilEOSE {
						return
					}
					eose = nil
				case <-ctx.Done():
					return
				}
			}
		}(url)
	}
	return merge(ctx, inputs), nil
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), clientTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}
