package network

import (
	"context"
	"errors"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNoRelays      = errors.New("no relays")
	ErrUnknownScheme = errors.New("unsupported relay scheme")
)

// PublishResult is the outcome of one publish to one relay. Results are
// reported per relay and never folded into a single error.
type PublishResult struct {
	Relay string
	Err   error
}

// Network is the relay collaborator. Load streams stored events and closes
// the channel once every relay has sent its stored set; Subscribe keeps
// streaming until ctx is done.
type Network interface {
	Publish(ctx context.Context, relays []string, ev nostr.Event) []PublishResult
	Load(ctx context.Context, relays []string, filters nostr.Filters) (<-chan nostr.Event, error)
	Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (<-chan nostr.Event, error)
}

// Succeeded counts results without an error.
func Succeeded(results []PublishResult) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

func matchAny(filters nostr.Filters, ev *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// merge fans several event streams into one, dropping repeats by id.
func merge(ctx context.Context, inputs []<-chan nostr.Event) <-chan nostr.Event {
	out := make(chan nostr.Event, 64)
	var (
		wg     sync.WaitGroup
		seenMu sync.Mutex
		seen   = make(map[string]struct{})
	)
	for _, in := range inputs {
		wg.Add(1)
		go func(in <-chan nostr.Event) {
			defer wg.Done()
			for ev := range in {
				seenMu.Lock()
				_, dup := seen[ev.ID]
				seen[ev.ID] = struct{}{}
				seenMu.Unlock()
				if dup {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					// keep draining so producers can exit
				}
			}
		}(in)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
