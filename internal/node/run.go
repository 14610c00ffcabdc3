package node

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/directory"
	"relaygroups/internal/network"
)

const (
	maxLoadRounds   = 4
	resubscribeWait = 2 * time.Second
)

// LoadGroups pulls stored events from every relay and projects them. A
// round that reveals new keys or groups is followed by another with the
// wider filter, so invites unlock the history behind them.
func (n *Node) LoadGroups(ctx context.Context) error {
	var last nostr.Filters
	for round := 0; round < maxLoadRounds; round++ {
		filters := n.GroupFilters()
		if sameFilters(filters, last) {
			return nil
		}
		last = filters
		relays := n.Relays()
		if len(relays) == 0 {
			return network.ErrNoRelays
		}
		events, err := n.Network.Load(ctx, relays, filters)
		if err != nil {
			return err
		}
		if err := n.Engine.Run(ctx, events); err != nil {
			return err
		}
		n.log.Debug("load round done", "round", round, "relays", len(relays))
	}
	return nil
}

// ListenForGroupNotes projects live events until ctx is done. The relay
// subscription is reopened whenever the set of keys or groups we follow
// changes.
func (n *Node) ListenForGroupNotes(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	_, unsubscribe := n.Directory.Subscribe(func(c directory.Change) {
		switch c.Table {
		case directory.TableGroups, directory.TableAdminKeys, directory.TableSharedKeys:
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	events := make(chan nostr.Event, 256)
	runErr := make(chan error, 1)
	go func() { runErr <- n.Engine.Run(ctx, events) }()

	for {
		filters := n.GroupFilters()
		subCtx, cancel := context.WithCancel(ctx)
		in, err := n.Network.Subscribe(subCtx, n.Relays(), filters)
		if err != nil {
			cancel()
			if errors.Is(err, network.ErrNoRelays) {
				// wait for a group to bring relays with it
				select {
				case <-changed:
					continue
				case <-ctx.Done():
					return <-runErr
				}
			}
			return err
		}
		reopen := n.forward(ctx, in, events, changed, filters)
		cancel()
		if !reopen {
			return <-runErr
		}
	}
}

// forward copies in to out until ctx is done (false) or the subscription
// should be reopened (true).
func (n *Node) forward(ctx context.Context, in <-chan nostr.Event, out chan<- nostr.Event, changed <-chan struct{}, filters nostr.Filters) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-in:
			if !ok {
				n.log.Debug("subscription closed, reopening")
				select {
				case <-time.After(resubscribeWait):
					return true
				case <-ctx.Done():
					return false
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
		case <-changed:
			if !sameFilters(filters, n.GroupFilters()) {
				return true
			}
		}
	}
}

// Run loads persisted state, catches up from relays and then follows them,
// saving state and metrics periodically and once more on the way out.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Load(ctx); err != nil {
		return err
	}
	if err := n.LoadGroups(ctx); err != nil && !errors.Is(err, network.ErrNoRelays) {
		n.log.Warn("initial load failed", "err", err)
	}

	saveCtx, stopSave := context.WithCancel(ctx)
	saved := make(chan struct{})
	go func() {
		defer close(saved)
		t := time.NewTicker(n.saveInterval)
		defer t.Stop()
		for {
			select {
			case <-saveCtx.Done():
				return
			case <-t.C:
				if n.dirty.Load() {
					if err := n.Save(saveCtx); err != nil {
						n.log.Warn("save failed", "err", err)
					}
				}
				n.writeMetrics()
			}
		}
	}()

	err := n.ListenForGroupNotes(ctx)
	stopSave()
	<-saved
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := n.Save(shutdownCtx); serr != nil {
		n.log.Warn("final save failed", "err", serr)
	}
	n.writeMetrics()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
