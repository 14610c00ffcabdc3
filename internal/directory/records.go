package directory

import (
	"slices"

	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/proto"
)

// Stamp orders writes to one field group. Equal times fall back to the
// event id so every replica picks the same winner.
type Stamp struct {
	At int64  `json:"at"`
	ID string `json:"id,omitempty"`
}

// Covers reports whether s may overwrite a field stamped o.
func (s Stamp) Covers(o Stamp) bool {
	if s.At != o.At {
		return s.At > o.At
	}
	return s.ID >= o.ID
}

// Field is a last-write-wins register.
type Field[T any] struct {
	Value T     `json:"value"`
	Stamp Stamp `json:"stamp"`
}

func (f Field[T]) merge(in *Field[T]) (Field[T], bool) {
	if in == nil || in.Stamp == f.Stamp || !in.Stamp.Covers(f.Stamp) {
		return f, false
	}
	return *in, true
}

type GroupRecord struct {
	Address           proto.Address         `json:"address"`
	CreatedBy         string                `json:"created_by"`
	PublishedAt       int64                 `json:"published_at,omitempty"`
	Meta              Field[proto.Metadata] `json:"meta"`
	Relays            Field[[]string]       `json:"relays"`
	Moderators        Field[[]string]       `json:"moderators"`
	AccessRequestedAt int64                 `json:"access_requested_at,omitempty"`
	ExitRequestedAt   int64                 `json:"exit_requested_at,omitempty"`
	DeletedAt         int64                 `json:"deleted_at,omitempty"`
}

func (g GroupRecord) Access() proto.Access {
	if g.Meta.Value.Access == "" {
		return proto.AccessClosed
	}
	return g.Meta.Value.Access
}

// Deleted is true while no metadata newer than the deletion has arrived.
func (g GroupRecord) Deleted() bool {
	return g.DeletedAt > 0 && g.DeletedAt >= g.Meta.Stamp.At
}

func (g GroupRecord) DisplayName() string {
	return proto.DisplayName(g.Address, g.Meta.Value.Name)
}

func (g GroupRecord) clone() GroupRecord {
	g.Relays.Value = slices.Clone(g.Relays.Value)
	g.Moderators.Value = slices.Clone(g.Moderators.Value)
	return g
}

// GroupPatch carries the field groups one event touches. Nil fields are
// left alone.
type GroupPatch struct {
	Address     proto.Address
	CreatedBy   string
	PublishedAt int64
	Meta        *Field[proto.Metadata]
	Relays      *Field[[]string]
	Moderators  *Field[[]string]
}

type AdminKeyRecord struct {
	Group   proto.Address `json:"group"`
	Pubkey  string        `json:"pubkey"`
	Privkey string        `json:"privkey"`
}

// MemberEntry is one element of a last-write-wins element set. Removal wins
// a tie.
type MemberEntry struct {
	Present   bool  `json:"present"`
	UpdatedAt int64 `json:"updated_at"`
}

func (e MemberEntry) supersedes(o MemberEntry) bool {
	if e.UpdatedAt != o.UpdatedAt {
		return e.UpdatedAt > o.UpdatedAt
	}
	return !e.Present && o.Present
}

type SharedKeyRecord struct {
	Group     proto.Address          `json:"group"`
	Pubkey    string                 `json:"pubkey"`
	Privkey   string                 `json:"privkey"`
	CreatedAt int64                  `json:"created_at"`
	Roster    map[string]MemberEntry `json:"roster,omitempty"`
}

// Members lists present members, sorted.
func (k SharedKeyRecord) Members() []string {
	out := make([]string, 0, len(k.Roster))
	for pk, e := range k.Roster {
		if e.Present {
			out = append(out, pk)
		}
	}
	slices.Sort(out)
	return out
}

func (k SharedKeyRecord) HasMember(pk string) bool {
	return k.Roster[pk].Present
}

func (k SharedKeyRecord) clone() SharedKeyRecord {
	if k.Roster != nil {
		r := make(map[string]MemberEntry, len(k.Roster))
		for pk, e := range k.Roster {
			r[pk] = e
		}
		k.Roster = r
	}
	return k
}

// NewRoster builds a roster where every member was present at at.
func NewRoster(members []string, at int64) map[string]MemberEntry {
	r := make(map[string]MemberEntry, len(members))
	for _, pk := range members {
		r[pk] = MemberEntry{Present: true, UpdatedAt: at}
	}
	return r
}

type RequestKind string

const (
	RequestJoin  RequestKind = "join"
	RequestLeave RequestKind = "leave"
)

type RequestRecord struct {
	ID        string        `json:"id"`
	Group     proto.Address `json:"group"`
	Requester string        `json:"requester"`
	Kind      RequestKind   `json:"kind"`
	Content   string        `json:"content,omitempty"`
	CreatedAt int64         `json:"created_at"`
	Resolved  bool          `json:"resolved"`
}

func (r RequestRecord) newer(o RequestRecord) bool {
	if r.CreatedAt != o.CreatedAt {
		return r.CreatedAt > o.CreatedAt
	}
	return r.ID > o.ID
}

type ContentRecord struct {
	Group  proto.Address `json:"group"`
	Event  nostr.Event   `json:"event"`
	Public bool          `json:"public,omitempty"`
}

type requestKey struct {
	group     proto.Address
	requester string
}

type resolveKey struct {
	requestKey
	kind RequestKind
}

// ResolvedMark is the resolution watermark for one kind of request from
// one requester in one group.
type ResolvedMark struct {
	Group     proto.Address `json:"group"`
	Requester string        `json:"requester"`
	Kind      RequestKind   `json:"kind"`
	Upto      int64         `json:"upto"`
}

// Suppression is a self-leave: the member's roster entries and group
// content up to Upto are gone.
type Suppression struct {
	Group  proto.Address `json:"group"`
	Author string        `json:"author"`
	Upto   int64         `json:"upto"`
}

// Tombstone records that Author deleted EventID. An id may carry several,
// and only Author's own event with that id is suppressed.
type Tombstone struct {
	EventID string `json:"event_id"`
	Author  string `json:"author"`
}
