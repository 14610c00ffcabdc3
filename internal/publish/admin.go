package publish

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/directory"
	"relaygroups/internal/envelope"
	"relaygroups/internal/proto"
)

// RotationOptions adjusts a key-rotation broadcast.
type RotationOptions struct {
	// Relays overrides the group's relays for delivery.
	Relays []string
	// GracePeriod tells members how long the previous key stays usable.
	GracePeriod int64
}

func (r *Router) adminKey(addr proto.Address) (directory.AdminKeyRecord, error) {
	rec, ok := r.dir.AdminKey(addr)
	if !ok || rec.Privkey == "" {
		return directory.AdminKeyRecord{}, fmt.Errorf("%w: %s", ErrNoAdminKey, addr)
	}
	return rec, nil
}

func rotationTemplate(addr proto.Address, key directory.SharedKeyRecord, relays []string, grace int64) nostr.Event {
	tags := nostr.Tags{{"privkey", key.Privkey}, proto.AddressTag(addr)}
	for _, pk := range key.Members() {
		tags = append(tags, proto.Mention(pk))
	}
	tags = append(tags, proto.RelayTags(relays)...)
	if grace > 0 {
		tags = append(tags, nostr.Tag{"grace_period", strconv.FormatInt(grace, 10)})
	}
	return nostr.Event{Kind: proto.KindKeyRotation, CreatedAt: nostr.Timestamp(key.CreatedAt), Tags: tags}
}

// PublishKeyRotations sends key to each recipient in its own gift wrap,
// sealed by the group's admin key. A failed delivery to one recipient does
// not stop the others.
func (r *Router) PublishKeyRotations(ctx context.Context, addr proto.Address, key directory.SharedKeyRecord, recipients []string, o RotationOptions) ([]Delivery, error) {
	g, err := r.group(addr)
	if err != nil {
		return nil, r.refuse(err)
	}
	admin, err := r.adminKey(addr)
	if err != nil {
		return nil, r.refuse(err)
	}
	if key.Group != addr || key.Privkey == "" {
		return nil, r.refuse(fmt.Errorf("%w: %s", ErrNoSharedKey, addr))
	}
	if len(recipients) == 0 {
		return nil, r.refuse(ErrNoRecipients)
	}
	relays := o.Relays
	if len(relays) == 0 {
		relays = g.Relays.Value
	}
	template := rotationTemplate(addr, key, g.Relays.Value, o.GracePeriod)
	out := make([]Delivery, 0, len(recipients))
	for _, pk := range recipients {
		out = append(out, r.wrapAndSend(ctx, template, envelope.WrapOptions{
			AuthorSK:  admin.Privkey,
			Recipient: pk,
		}, relays))
	}
	return r.fanout(out), nil
}

// PublishGroupInvites hands the current shared key to pubkeys. The key's
// roster is extended with them first so the invite names every member.
func (r *Router) PublishGroupInvites(ctx context.Context, addr proto.Address, pubkeys []string, o RotationOptions) ([]Delivery, error) {
	key, ok := r.dir.CurrentSharedKey(addr)
	if !ok {
		return nil, r.refuse(fmt.Errorf("%w: %s", ErrNoSharedKey, addr))
	}
	if _, err := r.adminKey(addr); err != nil {
		return nil, r.refuse(err)
	}
	if r.dir.ApplyMembers(key.Pubkey, pubkeys, true, r.now().Unix()) {
		key, _ = r.dir.SharedKey(key.Pubkey)
	}
	return r.PublishKeyRotations(ctx, addr, key, pubkeys, o)
}

// AdmitMembers invites pubkeys and tells current holders of the shared key
// about them. Their pending requests are resolved locally, since our own
// invites are wrapped to them and never come back to us readable.
func (r *Router) AdmitMembers(ctx context.Context, addr proto.Address, pubkeys []string) ([]Delivery, error) {
	invites, err := r.PublishGroupInvites(ctx, addr, pubkeys, RotationOptions{})
	if err != nil {
		return nil, err
	}
	at := r.now().Unix()
	for _, pk := range pubkeys {
		r.dir.ResolveRequester(addr, pk, directory.RequestJoin, at)
	}
	notice, err := r.PublishMembersAdded(ctx, addr, pubkeys)
	if err != nil {
		return invites, err
	}
	return append(invites, notice), nil
}

// EvictMembers issues a new shared key without pubkeys, sends it to every
// remaining member and posts a removal notice under the previous key.
// Evicted members keep whatever the previous keys already decrypt.
func (r *Router) EvictMembers(ctx context.Context, addr proto.Address, pubkeys []string) ([]Delivery, error) {
	prev, ok := r.dir.CurrentSharedKey(addr)
	if !ok {
		return nil, r.refuse(fmt.Errorf("%w: %s", ErrNoSharedKey, addr))
	}
	if _, err := r.group(addr); err != nil {
		return nil, r.refuse(err)
	}
	next, err := r.keys.RotateExcluding(addr, pubkeys)
	if err != nil {
		return nil, err
	}
	r.dir.ApplyMembers(prev.Pubkey, pubkeys, false, next.CreatedAt)
	for _, pk := range pubkeys {
		r.dir.ResolveRequester(addr, pk, directory.RequestJoin, next.CreatedAt)
	}

	var out []Delivery
	if members := next.Members(); len(members) > 0 {
		rot, err := r.PublishKeyRotations(ctx, addr, next, members, RotationOptions{})
		if err != nil {
			return nil, err
		}
		out = append(out, rot...)
	}
	notice, err := r.publishMembersNotice(ctx, addr, prev, proto.KindMembersRemoved, pubkeys)
	if err != nil {
		return out, err
	}
	return append(out, notice), nil
}

// PublishMembersAdded wraps a roster notice to the group's current shared
// key, sealed by the admin.
func (r *Router) PublishMembersAdded(ctx context.Context, addr proto.Address, pubkeys []string) (Delivery, error) {
	key, ok := r.dir.CurrentSharedKey(addr)
	if !ok || key.Privkey == "" {
		return Delivery{}, r.refuse(fmt.Errorf("%w: %s", ErrNoSharedKey, addr))
	}
	return r.publishMembersNotice(ctx, addr, key, proto.KindMembersAdded, pubkeys)
}

func (r *Router) PublishMembersRemoved(ctx context.Context, addr proto.Address, pubkeys []string) (Delivery, error) {
	key, ok := r.dir.CurrentSharedKey(addr)
	if !ok || key.Privkey == "" {
		return Delivery{}, r.refuse(fmt.Errorf("%w: %s", ErrNoSharedKey, addr))
	}
	return r.publishMembersNotice(ctx, addr, key, proto.KindMembersRemoved, pubkeys)
}

func (r *Router) publishMembersNotice(ctx context.Context, addr proto.Address, key directory.SharedKeyRecord, kind int, pubkeys []string) (Delivery, error) {
	if len(pubkeys) == 0 {
		return Delivery{}, r.refuse(ErrNoRecipients)
	}
	g, err := r.group(addr)
	if err != nil {
		return Delivery{}, r.refuse(err)
	}
	admin, err := r.adminKey(addr)
	if err != nil {
		return Delivery{}, r.refuse(err)
	}
	template := r.stamp(nostr.Event{Kind: kind, Tags: nostr.Tags{proto.AddressTag(addr)}})
	for _, pk := range pubkeys {
		template.Tags = append(template.Tags, proto.Mention(pk))
	}
	return r.wrapAndSend(ctx, template, envelope.WrapOptions{
		AuthorSK:  admin.Privkey,
		WrapSK:    key.Privkey,
		Recipient: key.Pubkey,
	}, g.Relays.Value), nil
}

// PublishGroupMeta publishes metadata signed by the admin key, or wrapped
// to the shared key when wrap is set so only members can read it.
func (r *Router) PublishGroupMeta(ctx context.Context, addr proto.Address, meta proto.Metadata, relays []string, wrap bool) (Delivery, error) {
	admin, err := r.adminKey(addr)
	if err != nil {
		return Delivery{}, r.refuse(err)
	}
	content, err := proto.EncodeMetadata(meta)
	if err != nil {
		return Delivery{}, err
	}
	if len(relays) == 0 {
		if g, ok := r.dir.Group(addr); ok {
			relays = g.Relays.Value
		}
	}
	template := r.stamp(nostr.Event{
		Kind:    proto.KindGroupMetadata,
		Content: content,
		Tags:    append(nostr.Tags{{"d", addr.Identifier()}}, proto.RelayTags(relays)...),
	})
	if wrap {
		key, ok := r.dir.CurrentSharedKey(addr)
		if !ok || key.Privkey == "" {
			return Delivery{}, r.refuse(fmt.Errorf("%w: %s", ErrNoSharedKey, addr))
		}
		return r.wrapAndSend(ctx, template, envelope.WrapOptions{
			AuthorSK:  admin.Privkey,
			WrapSK:    key.Privkey,
			Recipient: key.Pubkey,
		}, relays), nil
	}
	if err := r.sess.SignWithKey(ctx, &template, admin.Privkey); err != nil {
		return Delivery{Err: err}, err
	}
	return r.send(ctx, "", template, relays), nil
}

func (r *Router) PublishGroupModerators(ctx context.Context, addr proto.Address, moderators []string) (Delivery, error) {
	g, err := r.group(addr)
	if err != nil {
		return Delivery{}, r.refuse(err)
	}
	admin, err := r.adminKey(addr)
	if err != nil {
		return Delivery{}, r.refuse(err)
	}
	ev := r.stamp(nostr.Event{Kind: proto.KindGroupModerators, Tags: nostr.Tags{{"d", addr.Identifier()}}})
	for _, pk := range slices.Compact(slices.Sorted(slices.Values(moderators))) {
		ev.Tags = append(ev.Tags, proto.Mention(pk))
	}
	if err := r.sess.SignWithKey(ctx, &ev, admin.Privkey); err != nil {
		return Delivery{Err: err}, err
	}
	return r.send(ctx, "", ev, g.Relays.Value), nil
}

// PublishGroupDeletion retracts the group itself. Only the admin key can.
func (r *Router) PublishGroupDeletion(ctx context.Context, addr proto.Address) (Delivery, error) {
	g, err := r.group(addr)
	if err != nil {
		return Delivery{}, r.refuse(err)
	}
	admin, err := r.adminKey(addr)
	if err != nil {
		return Delivery{}, r.refuse(err)
	}
	ev := r.stamp(nostr.Event{Kind: proto.KindDeletion, Tags: nostr.Tags{proto.AddressTag(addr)}})
	if err := r.sess.SignWithKey(ctx, &ev, admin.Privkey); err != nil {
		return Delivery{Err: err}, err
	}
	return r.send(ctx, "", ev, g.Relays.Value), nil
}
