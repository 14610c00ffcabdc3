package node

import (
	"slices"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/proto"
)

// WrapperRecipients lists every pubkey a gift wrap could be addressed to
// and we could open: the session, plus the admin and shared keys we hold.
// A non-empty addr limits the keys to that group.
func (n *Node) WrapperRecipients(addr proto.Address) []string {
	out := []string{n.Session.Pubkey()}
	for _, rec := range n.Directory.AdminKeys() {
		if addr == "" || rec.Group == addr {
			out = append(out, rec.Pubkey)
		}
	}
	for _, rec := range n.Directory.AllSharedKeys() {
		if rec.Privkey == "" || (addr != "" && rec.Group != addr) {
			continue
		}
		out = append(out, rec.Pubkey)
	}
	sort.Strings(out[1:])
	return slices.Compact(out)
}

// Relays is the configured relay set joined with every known group's.
func (n *Node) Relays() []string {
	out := slices.Clone(n.relays)
	for _, g := range n.Directory.Groups() {
		for _, url := range g.Relays.Value {
			if !slices.Contains(out, url) {
				out = append(out, url)
			}
		}
	}
	return out
}

// GroupFilters selects everything the engine projects: wraps to any key we
// hold, metadata and deletions by known group admins, and public posts to
// open groups.
func (n *Node) GroupFilters() nostr.Filters {
	filters := nostr.Filters{{
		Kinds: []int{proto.KindGiftWrap},
		Tags:  nostr.TagMap{"p": n.WrapperRecipients("")},
	}}
	var admins, open []string
	for _, g := range n.Directory.Groups() {
		if pk := g.Address.Pubkey(); pk != "" && !slices.Contains(admins, pk) {
			admins = append(admins, pk)
		}
		if !g.Deleted() && g.Access() == proto.AccessOpen {
			open = append(open, string(g.Address))
		}
	}
	if len(admins) > 0 {
		sort.Strings(admins)
		filters = append(filters, nostr.Filter{
			Kinds:   []int{proto.KindGroupMetadata, proto.KindGroupModerators, proto.KindDeletion},
			Authors: admins,
		})
	}
	if len(open) > 0 {
		sort.Strings(open)
		filters = append(filters, nostr.Filter{Tags: nostr.TagMap{"a": open}})
	}
	return filters
}

func sameFilters(a, b nostr.Filters) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !nostr.FilterEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
