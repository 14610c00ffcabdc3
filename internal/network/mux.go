package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Mux routes relay URLs to a transport by scheme: local://, ws(s):// and
// quic://. A scheme with no transport fails per relay.
type Mux struct {
	Local     Network
	Websocket Network
	QUIC      Network
}

var _ Network = (*Mux)(nil)

func (m *Mux) route(url string) (Network, error) {
	var n Network
	switch {
	case strings.HasPrefix(url, "local://"):
		n = m.Local
	case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
		n = m.Websocket
	case strings.HasPrefix(url, "quic://"):
		n = m.QUIC
	}
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, url)
	}
	return n, nil
}

// split groups relays by transport, keeping the first-seen order.
func (m *Mux) split(relays []string) ([]Network, map[Network][]string, []PublishResult) {
	var order []Network
	groups := make(map[Network][]string)
	var bad []PublishResult
	for _, url := range relays {
		n, err := m.route(url)
		if err != nil {
			bad = append(bad, PublishResult{Relay: url, Err: err})
			continue
		}
		if _, ok := groups[n]; !ok {
			order = append(order, n)
		}
		groups[n] = append(groups[n], url)
	}
	return order, groups, bad
}

func (m *Mux) Publish(ctx context.Context, relays []string, ev nostr.Event) []PublishResult {
	order, groups, out := m.split(relays)
	for _, n := range order {
		out = append(out, n.Publish(ctx, groups[n], ev)...)
	}
	return out
}

func (m *Mux) Load(ctx context.Context, relays []string, filters nostr.Filters) (<-chan nostr.Event, error) {
	return m.stream(ctx, relays, filters, Network.Load)
}

func (m *Mux) Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (<-chan nostr.Event, error) {
	return m.stream(ctx, relays, filters, Network.Subscribe)
}

type streamFunc func(Network, context.Context, []string, nostr.Filters) (<-chan nostr.Event, error)

func (m *Mux) stream(ctx context.Context, relays []string, filters nostr.Filters, fn streamFunc) (<-chan nostr.Event, error) {
	order, groups, bad := m.split(relays)
	if len(order) == 0 {
		if len(bad) > 0 {
			return nil, bad[0].Err
		}
		return nil, ErrNoRelays
	}
	inputs := make([]<-chan nostr.Event, 0, len(order))
	for _, n := range order {
		ch, err := fn(n, ctx, groups[n], filters)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, ch)
	}
	return merge(ctx, inputs), nil
}
