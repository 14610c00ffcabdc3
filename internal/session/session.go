package session

import (
	"os"
	"sort"
	"sync"

	"relaygroups/internal/crypto"
	"relaygroups/internal/proto"
)

// Access is the local user's view of their own membership in a group.
type Access string

const (
	AccessNone      Access = ""
	AccessRequested Access = "requested"
	AccessGranted   Access = "granted"
)

func (a Access) rank() int {
	switch a {
	case AccessRequested:
		return 1
	case AccessGranted:
		return 2
	default:
		return 0
	}
}

// GroupStatus tracks intent (Access) separately from confirmed membership
// (Joined). Each half is its own last-write-wins register.
type GroupStatus struct {
	Access          Access `json:"access,omitempty"`
	AccessUpdatedAt int64  `json:"access_updated_at,omitempty"`
	Joined          bool   `json:"joined"`
	JoinedUpdatedAt int64  `json:"joined_updated_at,omitempty"`
}

// MergeAccess applies access as of at. Equal times resolve toward the
// higher state: none < requested < granted.
func (s GroupStatus) MergeAccess(access Access, at int64) (GroupStatus, bool) {
	if at < s.AccessUpdatedAt {
		return s, false
	}
	if at == s.AccessUpdatedAt && access.rank() <= s.Access.rank() {
		return s, false
	}
	s.Access = access
	s.AccessUpdatedAt = at
	return s, true
}

// MergeJoined applies joined as of at. Leaving wins a tie.
func (s GroupStatus) MergeJoined(joined bool, at int64) (GroupStatus, bool) {
	if at < s.JoinedUpdatedAt {
		return s, false
	}
	if at == s.JoinedUpdatedAt && (joined || !s.Joined) {
		return s, false
	}
	s.Joined = joined
	s.JoinedUpdatedAt = at
	return s, true
}

// Session is the local identity plus its per-group status.
type Session struct {
	crypto.Signer

	mu       sync.RWMutex
	statuses map[proto.Address]GroupStatus
}

func New(signer crypto.Signer) *Session {
	return &Session{Signer: signer, statuses: make(map[proto.Address]GroupStatus)}
}

// Open loads the identity keypair from home, creating one on first run.
func Open(home string) (*Session, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pk, sk, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		sk, pk, err = crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pk, sk); err != nil {
			return nil, err
		}
	}
	signer, err := crypto.NewKeySigner(sk)
	if err != nil {
		return nil, err
	}
	return New(signer), nil
}

func (s *Session) Pubkey() string { return s.UserPubkey() }

func (s *Session) Status(addr proto.Address) GroupStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[addr]
}

func (s *Session) MergeAccess(addr proto.Address, access Access, at int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, changed := s.statuses[addr].MergeAccess(access, at)
	if changed {
		s.statuses[addr] = next
	}
	return changed
}

func (s *Session) MergeJoined(addr proto.Address, joined bool, at int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, changed := s.statuses[addr].MergeJoined(joined, at)
	if changed {
		s.statuses[addr] = next
	}
	return changed
}

// Granted reports whether the session may publish privately to addr.
func (s *Session) Granted(addr proto.Address) bool {
	return s.Status(addr).Access == AccessGranted
}

// StatusEntry pairs a group with the session's status in it.
type StatusEntry struct {
	Group  proto.Address `json:"group"`
	Status GroupStatus   `json:"status"`
}

func (s *Session) Statuses() []StatusEntry {
	s.mu.RLock()
	out := make([]StatusEntry, 0, len(s.statuses))
	for addr, st := range s.statuses {
		out = append(out, StatusEntry{Group: addr, Status: st})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Restore merges persisted statuses.
func (s *Session) Restore(entries []StatusEntry) {
	for _, e := range entries {
		s.MergeAccess(e.Group, e.Status.Access, e.Status.AccessUpdatedAt)
		s.MergeJoined(e.Group, e.Status.Joined, e.Status.JoinedUpdatedAt)
	}
}
