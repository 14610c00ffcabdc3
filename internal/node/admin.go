package node

import (
	"context"
	"fmt"
	"slices"

	"relaygroups/internal/proto"
	"relaygroups/internal/publish"
	"relaygroups/internal/session"
)

// CreateGroup makes a new closed group administered by this node, with the
// session as its first member, and publishes its metadata.
func (n *Node) CreateGroup(ctx context.Context, meta proto.Metadata, relays []string) (proto.Address, error) {
	if len(relays) == 0 {
		relays = n.relays
	}
	if len(relays) == 0 {
		return "", fmt.Errorf("create group: no relays")
	}
	g, err := n.Keys.InitGroup([]string{n.Session.Pubkey()}, relays)
	if err != nil {
		return "", err
	}
	at := n.now().Unix()
	n.Session.MergeAccess(g.Address, session.AccessGranted, at)
	n.Session.MergeJoined(g.Address, true, at)
	d, err := n.Router.PublishGroupMeta(ctx, g.Address, meta, relays, false)
	if err != nil {
		return g.Address, err
	}
	if !d.Delivered() {
		n.log.Warn("group metadata not delivered", "group", g.Address)
	}
	return g.Address, nil
}

// RotateKey issues a new shared key and hands it to every member but us.
func (n *Node) RotateKey(ctx context.Context, addr proto.Address) ([]publish.Delivery, error) {
	next, err := n.Keys.RotateSharedKey(addr)
	if err != nil {
		return nil, err
	}
	self := n.Session.Pubkey()
	members := slices.DeleteFunc(next.Members(), func(pk string) bool { return pk == self })
	if len(members) == 0 {
		return nil, nil
	}
	return n.Router.PublishKeyRotations(ctx, addr, next, members, publish.RotationOptions{})
}
