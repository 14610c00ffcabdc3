package publish

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/envelope"
	"relaygroups/internal/proto"
	"relaygroups/internal/session"
)

func requestTemplate(kind int, addr proto.Address, self, content string, at int64) nostr.Event {
	return nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(at),
		Content:   content,
		Tags:      nostr.Tags{proto.Mention(self), proto.AddressTag(addr)},
	}
}

// PublishEntryRequest asks the group's admin to let the session in. The
// request is recorded locally before it is sent and is not rolled back if
// delivery fails.
func (r *Router) PublishEntryRequest(ctx context.Context, addr proto.Address, message string) (Delivery, error) {
	if _, err := r.group(addr); err != nil {
		return Delivery{}, r.refuse(err)
	}
	at := r.now().Unix()
	self := r.sess.Pubkey()
	r.sess.MergeAccess(addr, session.AccessRequested, at)
	r.dir.MarkAccessRequested(addr, at)
	if message == "" {
		message = proto.ShortKey(self) + " would like to join the group"
	}
	return r.PublishAdminDirect(ctx, addr, requestTemplate(proto.KindJoinRequest, addr, self, message, at))
}

// PublishExitRequest tells the group the session is leaving. It goes to
// the current shared key so members drop us right away, or to the admin
// when we hold no shared key.
func (r *Router) PublishExitRequest(ctx context.Context, addr proto.Address, message string) (Delivery, error) {
	g, err := r.group(addr)
	if err != nil {
		return Delivery{}, r.refuse(err)
	}
	at := r.now().Unix()
	self := r.sess.Pubkey()
	r.sess.MergeJoined(addr, false, at)
	r.sess.MergeAccess(addr, session.AccessNone, at)
	r.dir.MarkExitRequested(addr, at)
	if message == "" {
		message = proto.ShortKey(self) + " is leaving the group"
	}
	template := requestTemplate(proto.KindLeaveRequest, addr, self, message, at)
	key, ok := r.dir.CurrentSharedKey(addr)
	if !ok || key.Privkey == "" {
		return r.PublishAdminDirect(ctx, addr, template)
	}
	return r.wrapAndSend(ctx, template, envelope.WrapOptions{
		WrapSK:    key.Privkey,
		Recipient: key.Pubkey,
	}, g.Relays.Value), nil
}
