package projection

import (
	"context"
	"errors"
	"slices"

	"relaygroups/internal/directory"
	"relaygroups/internal/proto"
	"relaygroups/internal/session"
)

func stamp(h proto.Header) directory.Stamp {
	return directory.Stamp{At: h.CreatedAt, ID: h.ID}
}

// wrappedFor rejects a wrapped message that names a group other than the
// one whose key opened it.
func wrappedFor(in Inbound, addr proto.Address) bool {
	return in.Group == "" || addr == "" || in.Group == addr
}

// Group metadata keeps the earliest publish time alongside latest-wins
// content and relays.
func (e *Engine) handleGroupMeta(_ context.Context, in Inbound, msg proto.Message) Result {
	m := msg.(proto.GroupMeta)
	if !wrappedFor(in, m.Address) {
		return reject("group-mismatch")
	}
	st := stamp(m.Header)
	patch := directory.GroupPatch{
		Address:     m.Address,
		CreatedBy:   m.Author,
		PublishedAt: m.CreatedAt,
		Meta:        &directory.Field[proto.Metadata]{Value: m.Meta, Stamp: st},
	}
	if len(m.Relays) > 0 {
		patch.Relays = &directory.Field[[]string]{Value: m.Relays, Stamp: st}
	}
	_, changed := e.dir.MergeGroup(patch)
	return merged(changed)
}

func (e *Engine) handleModerators(_ context.Context, in Inbound, msg proto.Message) Result {
	m := msg.(proto.GroupModerators)
	if !wrappedFor(in, m.Address) {
		return reject("group-mismatch")
	}
	_, changed := e.dir.MergeGroup(directory.GroupPatch{
		Address:    m.Address,
		CreatedBy:  m.Author,
		Moderators: &directory.Field[[]string]{Value: m.Moderators, Stamp: stamp(m.Header)},
	})
	return merged(changed)
}

// Key rotations carry a shared private key. Only the group's admin may
// issue one. Being listed grants the session access to the group and
// settles the member's join requests. Leave requests settle when a later
// key leaves the member out, which the directory works out on read.
func (e *Engine) handleKeyRotation(_ context.Context, in Inbound, msg proto.Message) Result {
	m := msg.(proto.KeyRotation)
	if m.Address == "" {
		m.Address = in.Group
	}
	if m.Address == "" {
		return reject("missing-tag")
	}
	if m.Author != m.Address.Pubkey() {
		return reject("not-admin")
	}
	if !wrappedFor(in, m.Address) {
		return reject("group-mismatch")
	}
	if m.PrivKey == "" {
		return ignore("no-privkey")
	}

	changed := false
	if _, ok := e.dir.Group(m.Address); !ok {
		_, changed = e.dir.MergeGroup(directory.GroupPatch{Address: m.Address, CreatedBy: m.Author})
	}
	if len(m.Relays) > 0 {
		if _, c := e.dir.MergeGroup(directory.GroupPatch{
			Address: m.Address,
			Relays:  &directory.Field[[]string]{Value: m.Relays, Stamp: stamp(m.Header)},
		}); c {
			changed = true
		}
	}
	c, err := e.dir.PutSharedKey(directory.SharedKeyRecord{
		Group:     m.Address,
		Pubkey:    m.PubKey,
		Privkey:   m.PrivKey,
		CreatedAt: m.CreatedAt,
		Roster:    directory.NewRoster(m.Members, m.CreatedAt),
	})
	if errors.Is(err, directory.ErrKeyConflict) {
		return reject("key-conflict")
	}
	changed = changed || c

	for _, pk := range m.Members {
		if e.dir.ResolveRequester(m.Address, pk, directory.RequestJoin, m.CreatedAt) {
			changed = true
		}
	}

	if e.sess != nil && slices.Contains(m.Members, e.sess.Pubkey()) {
		// An invite may carry a key older than our request; it still
		// answers it.
		at := m.CreatedAt
		if st := e.sess.Status(m.Address); st.Access == session.AccessRequested && st.AccessUpdatedAt > at {
			at = st.AccessUpdatedAt
		}
		if e.sess.MergeAccess(m.Address, session.AccessGranted, at) {
			changed = true
		}
		if e.sess.MergeJoined(m.Address, true, at) {
			changed = true
		}
		if e.dir.AcknowledgeAccess(m.Address, at) {
			changed = true
		}
	} else if e.dir.AcknowledgeAccess(m.Address, m.CreatedAt) {
		changed = true
	}
	return merged(changed)
}

func (e *Engine) requestRecord(in Inbound, h proto.Header, kind directory.RequestKind) directory.RequestRecord {
	return directory.RequestRecord{
		ID:        h.ID,
		Group:     in.Group,
		Requester: h.Author,
		Kind:      kind,
		Content:   in.Event.Content,
		CreatedAt: h.CreatedAt,
	}
}

// Join requests only matter to the admin, so they must arrive wrapped to
// an admin key.
func (e *Engine) handleJoinRequest(_ context.Context, in Inbound, msg proto.Message) Result {
	m := msg.(proto.JoinRequest)
	if in.Wrap == nil {
		return ignore("unwrapped-request")
	}
	if !in.Key.Admin || in.Group == "" {
		return ignore("not-admin")
	}
	if !wrappedFor(in, m.Address) {
		return reject("group-mismatch")
	}
	return merged(e.dir.UpsertRequest(e.requestRecord(in, m.Header, directory.RequestJoin)))
}

// Leave requests are recorded for the admin. A member leaving on their own
// behalf is dropped from every roster of the group, including keys that
// show up later listing them from before the leave, and their content is
// hidden right away.
func (e *Engine) handleLeaveRequest(_ context.Context, in Inbound, msg proto.Message) Result {
	m := msg.(proto.LeaveRequest)
	if in.Wrap == nil {
		return ignore("unwrapped-request")
	}
	if in.Group == "" {
		return ignore("no-group")
	}
	if !wrappedFor(in, m.Address) {
		return reject("group-mismatch")
	}
	changed := false
	if _, ok := e.dir.AdminKey(in.Group); ok {
		changed = e.dir.UpsertRequest(e.requestRecord(in, m.Header, directory.RequestLeave))
	}
	if !m.SelfLeave() {
		return merged(changed)
	}
	if e.dir.ApplyLeave(in.Group, m.Author, m.CreatedAt) {
		changed = true
	}
	return merged(changed)
}

func (e *Engine) handleMembersAdded(_ context.Context, in Inbound, msg proto.Message) Result {
	m := msg.(proto.MembersAdded)
	return e.applyMembers(in, m.Header, m.Pubkeys, true)
}

func (e *Engine) handleMembersRemoved(_ context.Context, in Inbound, msg proto.Message) Result {
	m := msg.(proto.MembersRemoved)
	return e.applyMembers(in, m.Header, m.Pubkeys, false)
}

// applyMembers updates the roster of the key that signed the wrap. Only
// the group's admin may change a roster. A removal naming the session
// revokes its access.
func (e *Engine) applyMembers(in Inbound, h proto.Header, pubkeys []string, present bool) Result {
	if in.Wrap == nil {
		return ignore("unwrapped-notice")
	}
	key, ok := e.dir.SharedKey(in.Wrap.PubKey)
	if !ok {
		return ignore("no-key")
	}
	if h.Author != key.Group.Pubkey() {
		return reject("not-admin")
	}
	changed := e.dir.ApplyMembers(key.Pubkey, pubkeys, present, h.CreatedAt)
	if !present && e.sess != nil && slices.Contains(pubkeys, e.sess.Pubkey()) {
		if e.sess.MergeAccess(key.Group, session.AccessNone, h.CreatedAt) {
			changed = true
		}
		if e.sess.MergeJoined(key.Group, false, h.CreatedAt) {
			changed = true
		}
	}
	return merged(changed)
}

// Deletions retract the author's own events, or a whole group when the
// group's admin deletes its address.
func (e *Engine) handleDeletion(_ context.Context, in Inbound, msg proto.Message) Result {
	m := msg.(proto.Deletion)
	changed := false
	if len(m.EventIDs) > 0 && e.dir.DeleteEvents(m.Author, m.EventIDs) > 0 {
		changed = true
	}
	for _, addr := range m.Addresses {
		if e.dir.DeleteGroup(addr, m.Author, m.CreatedAt) {
			changed = true
		}
	}
	return merged(changed)
}

// handleContent stores group content: anything opened with a shared key,
// and public posts tagged with a group. Public posts are kept even before
// the group's metadata arrives and only listed once it says the group is
// open. A sender seen under a shared key is a member of it.
func (e *Engine) handleContent(_ context.Context, in Inbound, msg proto.Message) Result {
	c, ok := msg.(proto.Content)
	if !ok {
		return ignore("not-content")
	}
	if in.Wrap == nil {
		if c.Address == "" {
			return ignore("no-group")
		}
		return merged(e.dir.PutPublicContent(c.Address, in.Event))
	}
	if in.Key.Admin || in.Group == "" {
		return ignore("not-group-content")
	}
	if !wrappedFor(in, c.Address) {
		return reject("group-mismatch")
	}
	changed := false
	if c.Author != in.Group.Pubkey() {
		changed = e.dir.ApplyMembers(in.Key.Pubkey, []string{c.Author}, true, c.CreatedAt)
	}
	if e.dir.PutContent(in.Group, in.Event) {
		changed = true
	}
	return merged(changed)
}

