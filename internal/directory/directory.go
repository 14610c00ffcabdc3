package directory

import (
	"container/list"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/proto"
)

const DefaultContentCap = 4096

// Table names, used in change notifications and persistence.
const (
	TableGroups     = "groups"
	TableAdminKeys  = "admin_keys"
	TableSharedKeys = "shared_keys"
	TableRequests   = "requests"
	TableContent    = "content"
)

var (
	ErrAdminKeyExists = errors.New("group already has an admin key")
	ErrKeyConflict    = errors.New("key already belongs to another group")
)

// Change names the record a mutation touched.
type Change struct {
	Table string
	Key   string
}

type Options struct {
	ContentCap int
}

// Directory holds group state. Every write is a merge: the same input
// applied twice, or inputs applied in any order, converge to one state.
// The mutex only protects memory.
type Directory struct {
	mu sync.RWMutex

	groups       map[proto.Address]GroupRecord
	adminByGroup map[proto.Address]string
	adminKeys    map[string]AdminKeyRecord
	sharedKeys   map[string]SharedKeyRecord
	sharedByGrp  map[proto.Address][]string

	requests   map[requestKey]RequestRecord
	requestIDs map[string]requestKey
	resolved   map[resolveKey]int64

	contentCap   int
	content      map[string]*list.Element
	contentOrder *list.List
	tombstones   map[string]map[string]struct{}
	// departed is the latest self-leave per (group, member).
	departed map[requestKey]int64

	obsMu     sync.Mutex
	observers map[string]func(Change)
}

func New(opts Options) *Directory {
	capacity := opts.ContentCap
	if capacity <= 0 {
		capacity = DefaultContentCap
	}
	return &Directory{
		groups:       make(map[proto.Address]GroupRecord),
		adminByGroup: make(map[proto.Address]string),
		adminKeys:    make(map[string]AdminKeyRecord),
		sharedKeys:   make(map[string]SharedKeyRecord),
		sharedByGrp:  make(map[proto.Address][]string),
		requests:     make(map[requestKey]RequestRecord),
		requestIDs:   make(map[string]requestKey),
		resolved:     make(map[resolveKey]int64),
		contentCap:   capacity,
		content:      make(map[string]*list.Element),
		contentOrder: list.New(),
		tombstones:   make(map[string]map[string]struct{}),
		departed:     make(map[requestKey]int64),
		observers:    make(map[string]func(Change)),
	}
}

// Subscribe registers fn for change notifications. fn runs outside the
// directory lock and may read from the directory.
func (d *Directory) Subscribe(fn func(Change)) (string, func()) {
	id := uuid.NewString()
	d.obsMu.Lock()
	d.observers[id] = fn
	d.obsMu.Unlock()
	return id, func() {
		d.obsMu.Lock()
		delete(d.observers, id)
		d.obsMu.Unlock()
	}
}

func (d *Directory) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	d.obsMu.Lock()
	fns := make([]func(Change), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.obsMu.Unlock()
	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// -----------------------------------------------------------------------------
// Groups
// -----------------------------------------------------------------------------

// MergeGroup applies each present field group if its stamp covers the stored
// one. PublishedAt keeps the earliest value seen.
func (d *Directory) MergeGroup(p GroupPatch) (GroupRecord, bool) {
	d.mu.Lock()
	g, changed := d.mergeGroupLocked(p)
	out := g.clone()
	d.mu.Unlock()
	if changed {
		d.notify(Change{Table: TableGroups, Key: string(p.Address)})
	}
	return out, changed
}

func (d *Directory) mergeGroupLocked(p GroupPatch) (GroupRecord, bool) {
	g, ok := d.groups[p.Address]
	changed := !ok
	if !ok {
		g = GroupRecord{Address: p.Address, CreatedBy: p.Address.Pubkey()}
	}
	if g.CreatedBy == "" && p.CreatedBy != "" {
		g.CreatedBy = p.CreatedBy
		changed = true
	}
	if p.PublishedAt > 0 && (g.PublishedAt == 0 || p.PublishedAt < g.PublishedAt) {
		g.PublishedAt = p.PublishedAt
		changed = true
	}
	var c bool
	if g.Meta, c = g.Meta.merge(p.Meta); c {
		changed = true
	}
	if p.Relays != nil {
		p.Relays.Value = slices.Clone(p.Relays.Value)
	}
	if g.Relays, c = g.Relays.merge(p.Relays); c {
		changed = true
	}
	if p.Moderators != nil {
		p.Moderators.Value = slices.Clone(p.Moderators.Value)
	}
	if g.Moderators, c = g.Moderators.merge(p.Moderators); c {
		changed = true
	}
	d.groups[p.Address] = g
	return g, changed
}

func (d *Directory) Group(addr proto.Address) (GroupRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.groups[addr]
	return g.clone(), ok
}

// Groups lists groups that are not deleted, ordered by address.
func (d *Directory) Groups() []GroupRecord {
	d.mu.RLock()
	out := make([]GroupRecord, 0, len(d.groups))
	for _, g := range d.groups {
		if !g.Deleted() {
			out = append(out, g.clone())
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (d *Directory) updateGroup(addr proto.Address, fn func(*GroupRecord) bool) bool {
	d.mu.Lock()
	g, ok := d.groups[addr]
	if !ok {
		g = GroupRecord{Address: addr, CreatedBy: addr.Pubkey()}
	}
	changed := fn(&g) || !ok
	d.groups[addr] = g
	d.mu.Unlock()
	if changed {
		d.notify(Change{Table: TableGroups, Key: string(addr)})
	}
	return changed
}

// MarkAccessRequested records a local join intent and clears any exit mark.
func (d *Directory) MarkAccessRequested(addr proto.Address, at int64) {
	d.updateGroup(addr, func(g *GroupRecord) bool {
		g.AccessRequestedAt = at
		g.ExitRequestedAt = 0
		return true
	})
}

func (d *Directory) MarkExitRequested(addr proto.Address, at int64) {
	d.updateGroup(addr, func(g *GroupRecord) bool {
		g.ExitRequestedAt = at
		g.AccessRequestedAt = 0
		return true
	})
}

// AcknowledgeAccess clears a pending access request made at or before at.
func (d *Directory) AcknowledgeAccess(addr proto.Address, at int64) bool {
	return d.updateGroup(addr, func(g *GroupRecord) bool {
		if g.AccessRequestedAt == 0 || g.AccessRequestedAt > at {
			return false
		}
		g.AccessRequestedAt = 0
		return true
	})
}

// DeleteGroup hides the group until newer metadata arrives. Only the admin
// key named in the address may delete it.
func (d *Directory) DeleteGroup(addr proto.Address, author string, at int64) bool {
	if author != addr.Pubkey() {
		return false
	}
	return d.updateGroup(addr, func(g *GroupRecord) bool {
		if at <= g.DeletedAt {
			return false
		}
		g.DeletedAt = at
		return true
	})
}

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

// InsertGroupKeys commits a new group with its admin key and first shared
// key, or nothing at all.
func (d *Directory) InsertGroupKeys(g GroupPatch, admin AdminKeyRecord, shared SharedKeyRecord) error {
	d.mu.Lock()
	if pk, ok := d.adminByGroup[admin.Group]; ok && pk != admin.Pubkey {
		d.mu.Unlock()
		return ErrAdminKeyExists
	}
	if cur, ok := d.sharedKeys[shared.Pubkey]; ok && cur.Group != shared.Group {
		d.mu.Unlock()
		return ErrKeyConflict
	}
	d.mergeGroupLocked(g)
	d.putAdminLocked(admin)
	d.putSharedLocked(shared)
	d.mu.Unlock()
	d.notify(
		Change{Table: TableGroups, Key: string(g.Address)},
		Change{Table: TableAdminKeys, Key: admin.Pubkey},
		Change{Table: TableSharedKeys, Key: shared.Pubkey},
	)
	return nil
}

// PutAdminKey stores the group's admin key. A group's admin key never
// changes once set.
func (d *Directory) PutAdminKey(rec AdminKeyRecord) error {
	d.mu.Lock()
	if pk, ok := d.adminByGroup[rec.Group]; ok {
		d.mu.Unlock()
		if pk != rec.Pubkey {
			return ErrAdminKeyExists
		}
		return nil
	}
	d.putAdminLocked(rec)
	d.mu.Unlock()
	d.notify(Change{Table: TableAdminKeys, Key: rec.Pubkey})
	return nil
}

func (d *Directory) putAdminLocked(rec AdminKeyRecord) {
	d.adminByGroup[rec.Group] = rec.Pubkey
	d.adminKeys[rec.Pubkey] = rec
}

func (d *Directory) AdminKey(group proto.Address) (AdminKeyRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pk, ok := d.adminByGroup[group]
	if !ok {
		return AdminKeyRecord{}, false
	}
	return d.adminKeys[pk], true
}

func (d *Directory) AdminKeyByPubkey(pk string) (AdminKeyRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.adminKeys[pk]
	return rec, ok
}

func (d *Directory) AdminKeys() []AdminKeyRecord {
	d.mu.RLock()
	out := make([]AdminKeyRecord, 0, len(d.adminKeys))
	for _, rec := range d.adminKeys {
		out = append(out, rec)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Pubkey < out[j].Pubkey })
	return out
}

// PutSharedKey inserts a shared key or merges a repeated sighting of it:
// the earliest CreatedAt is kept and rosters merge element-wise.
func (d *Directory) PutSharedKey(rec SharedKeyRecord) (bool, error) {
	d.mu.Lock()
	if cur, ok := d.sharedKeys[rec.Pubkey]; ok && cur.Group != rec.Group {
		d.mu.Unlock()
		return false, ErrKeyConflict
	}
	changed := d.putSharedLocked(rec)
	d.mu.Unlock()
	if changed {
		d.notify(Change{Table: TableSharedKeys, Key: rec.Pubkey})
	}
	return changed, nil
}

func (d *Directory) putSharedLocked(rec SharedKeyRecord) bool {
	cur, ok := d.sharedKeys[rec.Pubkey]
	if !ok {
		rec = rec.clone()
		if rec.Roster == nil {
			rec.Roster = make(map[string]MemberEntry)
		}
		for pk, in := range rec.Roster {
			rec.Roster[pk] = d.departedLocked(rec.Group, pk, in)
		}
		d.sharedKeys[rec.Pubkey] = rec
		d.sharedByGrp[rec.Group] = append(d.sharedByGrp[rec.Group], rec.Pubkey)
		return true
	}
	changed := false
	if rec.CreatedAt > 0 && rec.CreatedAt < cur.CreatedAt {
		cur.CreatedAt = rec.CreatedAt
		changed = true
	}
	if cur.Privkey == "" && rec.Privkey != "" {
		cur.Privkey = rec.Privkey
		changed = true
	}
	if cur.Roster == nil {
		cur.Roster = make(map[string]MemberEntry)
	}
	for pk, in := range rec.Roster {
		in = d.departedLocked(cur.Group, pk, in)
		if old, ok := cur.Roster[pk]; !ok || in.supersedes(old) {
			cur.Roster[pk] = in
			changed = true
		}
	}
	d.sharedKeys[rec.Pubkey] = cur
	return changed
}

// ApplyMembers adds (present) or removes members from a shared key's
// roster as of at. An add needs a strictly newer time than the entry it
// replaces; a remove wins ties.
func (d *Directory) ApplyMembers(keyPub string, pubkeys []string, present bool, at int64) bool {
	d.mu.Lock()
	rec, ok := d.sharedKeys[keyPub]
	if !ok {
		d.mu.Unlock()
		return false
	}
	changed := false
	for _, pk := range pubkeys {
		in := d.departedLocked(rec.Group, pk, MemberEntry{Present: present, UpdatedAt: at})
		if old, ok := rec.Roster[pk]; ok && !in.supersedes(old) {
			continue
		}
		rec.Roster[pk] = in
		changed = true
	}
	d.mu.Unlock()
	if changed {
		d.notify(Change{Table: TableSharedKeys, Key: keyPub})
	}
	return changed
}

// departedLocked turns any roster entry no newer than pk's last self-leave
// from group into the leave itself.
func (d *Directory) departedLocked(group proto.Address, pk string, in MemberEntry) MemberEntry {
	left, ok := d.departed[requestKey{group: group, requester: pk}]
	if ok && in.UpdatedAt <= left {
		return MemberEntry{Present: false, UpdatedAt: left}
	}
	return in
}

func (d *Directory) SharedKey(pk string) (SharedKeyRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.sharedKeys[pk]
	return rec.clone(), ok
}

// CurrentSharedKey is the group's key with the greatest CreatedAt. Ties go
// to the greater pubkey.
func (d *Directory) CurrentSharedKey(group proto.Address) (SharedKeyRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var best SharedKeyRecord
	found := false
	for _, pk := range d.sharedByGrp[group] {
		rec := d.sharedKeys[pk]
		if !found || rec.CreatedAt > best.CreatedAt || (rec.CreatedAt == best.CreatedAt && rec.Pubkey > best.Pubkey) {
			best = rec
			found = true
		}
	}
	return best.clone(), found
}

// SharedKeys lists a group's keys, newest first.
func (d *Directory) SharedKeys(group proto.Address) []SharedKeyRecord {
	d.mu.RLock()
	pks := d.sharedByGrp[group]
	out := make([]SharedKeyRecord, 0, len(pks))
	for _, pk := range pks {
		out = append(out, d.sharedKeys[pk].clone())
	}
	d.mu.RUnlock()
	sortKeys(out)
	return out
}

func (d *Directory) AllSharedKeys() []SharedKeyRecord {
	d.mu.RLock()
	out := make([]SharedKeyRecord, 0, len(d.sharedKeys))
	for _, rec := range d.sharedKeys {
		out = append(out, rec.clone())
	}
	d.mu.RUnlock()
	sortKeys(out)
	return out
}

func sortKeys(keys []SharedKeyRecord) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt != keys[j].CreatedAt {
			return keys[i].CreatedAt > keys[j].CreatedAt
		}
		return keys[i].Pubkey > keys[j].Pubkey
	})
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

// UpsertRequest keeps one request per (group, requester): the latest.
func (d *Directory) UpsertRequest(r RequestRecord) bool {
	key := requestKey{group: r.Group, requester: r.Requester}
	d.mu.Lock()
	cur, ok := d.requests[key]
	if ok && !r.newer(cur) {
		d.mu.Unlock()
		return false
	}
	if ok {
		delete(d.requestIDs, cur.ID)
	}
	r.Resolved = false
	d.requests[key] = r
	d.requestIDs[r.ID] = key
	d.mu.Unlock()
	d.notify(Change{Table: TableRequests, Key: r.ID})
	return true
}

func (d *Directory) Request(id string) (RequestRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.requestIDs[id]
	if !ok {
		return RequestRecord{}, false
	}
	return d.withResolvedLocked(d.requests[key]), true
}

// ResolveRequest marks the request, and anything older of the same kind
// from the same requester, resolved.
func (d *Directory) ResolveRequest(id string) bool {
	d.mu.RLock()
	key, ok := d.requestIDs[id]
	var r RequestRecord
	if ok {
		r = d.requests[key]
	}
	d.mu.RUnlock()
	if !ok {
		return false
	}
	return d.ResolveRequester(key.group, key.requester, r.Kind, r.CreatedAt)
}

// ResolveRequester resolves every request of kind from requester in group
// created at or before upto. The mark is kept even when no such request is
// known yet.
func (d *Directory) ResolveRequester(group proto.Address, requester string, kind RequestKind, upto int64) bool {
	key := requestKey{group: group, requester: requester}
	rk := resolveKey{requestKey: key, kind: kind}
	d.mu.Lock()
	if upto <= d.resolved[rk] {
		d.mu.Unlock()
		return false
	}
	d.resolved[rk] = upto
	r, ok := d.requests[key]
	d.mu.Unlock()
	if ok {
		d.notify(Change{Table: TableRequests, Key: r.ID})
	}
	return true
}

// A request is resolved by an explicit mark. A leave is also resolved by any
// later shared key of the group that does not list the requester.
func (d *Directory) withResolvedLocked(r RequestRecord) RequestRecord {
	key := requestKey{group: r.Group, requester: r.Requester}
	r.Resolved = r.CreatedAt <= d.resolved[resolveKey{requestKey: key, kind: r.Kind}]
	if !r.Resolved && r.Kind == RequestLeave {
		for _, pk := range d.sharedByGrp[r.Group] {
			k := d.sharedKeys[pk]
			if k.CreatedAt > r.CreatedAt && !k.HasMember(r.Requester) {
				r.Resolved = true
				break
			}
		}
	}
	return r
}

// Requests lists a group's requests, newest first.
func (d *Directory) Requests(group proto.Address) []RequestRecord {
	d.mu.RLock()
	var out []RequestRecord
	for key, r := range d.requests {
		if key.group == group {
			out = append(out, d.withResolvedLocked(r))
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].newer(out[j]) })
	return out
}

func (d *Directory) PendingRequests(group proto.Address) []RequestRecord {
	var out []RequestRecord
	for _, r := range d.Requests(group) {
		if !r.Resolved {
			out = append(out, r)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Content
// -----------------------------------------------------------------------------

// PutContent stores an event opened with one of group's shared keys.
// Deleted events and events from before their author left are refused.
func (d *Directory) PutContent(group proto.Address, ev nostr.Event) bool {
	return d.putContent(ContentRecord{Group: group, Event: ev})
}

// PutPublicContent stores a signed event tagged with group. It is listed
// only while the group is known to be open.
func (d *Directory) PutPublicContent(group proto.Address, ev nostr.Event) bool {
	return d.putContent(ContentRecord{Group: group, Event: ev, Public: true})
}

func (d *Directory) putContent(rec ContentRecord) bool {
	group, ev := rec.Group, rec.Event
	d.mu.Lock()
	if _, ok := d.content[ev.ID]; ok {
		d.mu.Unlock()
		return false
	}
	if _, ok := d.tombstones[ev.ID][ev.PubKey]; ok {
		d.mu.Unlock()
		return false
	}
	if upto, ok := d.departed[requestKey{group: group, requester: ev.PubKey}]; ok && int64(ev.CreatedAt) <= upto {
		d.mu.Unlock()
		return false
	}
	el := d.contentOrder.PushFront(rec)
	d.content[ev.ID] = el
	var evicted []Change
	for d.contentOrder.Len() > d.contentCap {
		back := d.contentOrder.Back()
		rec := back.Value.(ContentRecord)
		d.contentOrder.Remove(back)
		delete(d.content, rec.Event.ID)
		evicted = append(evicted, Change{Table: TableContent, Key: rec.Event.ID})
	}
	d.mu.Unlock()
	d.notify(append(evicted, Change{Table: TableContent, Key: ev.ID})...)
	return true
}

// Content lists a group's stored events, oldest first. Public events are
// left out unless the group's metadata says it is open.
func (d *Directory) Content(group proto.Address) []nostr.Event {
	d.mu.RLock()
	g, ok := d.groups[group]
	open := ok && g.Access() == proto.AccessOpen
	var out []nostr.Event
	for el := d.contentOrder.Front(); el != nil; el = el.Next() {
		rec := el.Value.(ContentRecord)
		if rec.Group == group && (open || !rec.Public) {
			out = append(out, rec.Event)
		}
	}
	d.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// DeleteEvents tombstones ids on behalf of author. Events by other authors
// are untouched.
func (d *Directory) DeleteEvents(author string, ids []string) int {
	var changes []Change
	d.mu.Lock()
	for _, id := range ids {
		if el, ok := d.content[id]; ok {
			rec := el.Value.(ContentRecord)
			if rec.Event.PubKey != author {
				continue
			}
			d.contentOrder.Remove(el)
			delete(d.content, id)
			changes = append(changes, Change{Table: TableContent, Key: id})
		}
		authors, ok := d.tombstones[id]
		if !ok {
			authors = make(map[string]struct{})
			d.tombstones[id] = authors
		}
		authors[author] = struct{}{}
	}
	d.mu.Unlock()
	d.notify(changes...)
	return len(changes)
}

// ApplyLeave records that author left group at upto. Every roster entry
// for author in the group's keys no newer than upto becomes a removal at
// upto, and author's content up to then is hidden. Keys and content that
// arrive later get the same treatment.
func (d *Directory) ApplyLeave(group proto.Address, author string, upto int64) bool {
	key := requestKey{group: group, requester: author}
	var changes []Change
	d.mu.Lock()
	if upto <= d.departed[key] {
		d.mu.Unlock()
		return false
	}
	d.departed[key] = upto
	for _, pk := range d.sharedByGrp[group] {
		rec := d.sharedKeys[pk]
		old, ok := rec.Roster[author]
		if !ok {
			continue
		}
		if in := d.departedLocked(group, author, old); in != old {
			rec.Roster[author] = in
			changes = append(changes, Change{Table: TableSharedKeys, Key: pk})
		}
	}
	for el := d.contentOrder.Front(); el != nil; {
		next := el.Next()
		rec := el.Value.(ContentRecord)
		if rec.Group == group && rec.Event.PubKey == author && int64(rec.Event.CreatedAt) <= upto {
			d.contentOrder.Remove(el)
			delete(d.content, rec.Event.ID)
			changes = append(changes, Change{Table: TableContent, Key: rec.Event.ID})
		}
		el = next
	}
	d.mu.Unlock()
	d.notify(changes...)
	return true
}
