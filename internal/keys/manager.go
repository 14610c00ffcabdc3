package keys

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"relaygroups/internal/crypto"
	"relaygroups/internal/debuglog"
	"relaygroups/internal/directory"
	"relaygroups/internal/proto"
)

var (
	ErrKeyGeneration = errors.New("key generation failed")
	ErrNotAdmin      = errors.New("no admin key held for group")
)

// KeyGen returns a fresh (privkey, pubkey) pair.
type KeyGen func() (string, string, error)

type Options struct {
	Now        func() time.Time
	KeyGen     KeyGen
	Identifier func() (string, error)
}

// Manager creates groups and issues their shared keys.
type Manager struct {
	dir        *directory.Directory
	now        func() time.Time
	keygen     KeyGen
	identifier func() (string, error)
}

type Group struct {
	Address proto.Address
	Admin   directory.AdminKeyRecord
	Shared  directory.SharedKeyRecord
}

func NewManager(dir *directory.Directory, opts Options) *Manager {
	m := &Manager{
		dir:        dir,
		now:        opts.Now,
		keygen:     opts.KeyGen,
		identifier: opts.Identifier,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.keygen == nil {
		m.keygen = crypto.GenerateKey
	}
	if m.identifier == nil {
		m.identifier = proto.NewIdentifier
	}
	return m
}

// InitGroup creates a closed group with a fresh admin key and a first
// shared key. Nothing is written unless both keys and the address were
// generated.
func (m *Manager) InitGroup(members, relays []string) (Group, error) {
	adminSK, adminPK, err := m.keygen()
	if err != nil {
		return Group{}, fmt.Errorf("%w: admin key: %v", ErrKeyGeneration, err)
	}
	sharedSK, sharedPK, err := m.keygen()
	if err != nil {
		return Group{}, fmt.Errorf("%w: shared key: %v", ErrKeyGeneration, err)
	}
	ident, err := m.identifier()
	if err != nil {
		return Group{}, fmt.Errorf("%w: identifier: %v", ErrKeyGeneration, err)
	}
	at := m.now().Unix()
	addr := proto.NewAddress(adminPK, ident)

	g := Group{
		Address: addr,
		Admin:   directory.AdminKeyRecord{Group: addr, Pubkey: adminPK, Privkey: adminSK},
		Shared: directory.SharedKeyRecord{
			Group:     addr,
			Pubkey:    sharedPK,
			Privkey:   sharedSK,
			CreatedAt: at,
			Roster:    directory.NewRoster(members, at),
		},
	}
	patch := directory.GroupPatch{
		Address:     addr,
		CreatedBy:   adminPK,
		PublishedAt: at,
		Meta:        &directory.Field[proto.Metadata]{Value: proto.Metadata{Access: proto.AccessClosed}, Stamp: directory.Stamp{At: at}},
		Relays:      &directory.Field[[]string]{Value: slices.Clone(relays), Stamp: directory.Stamp{At: at}},
	}
	if err := m.dir.InsertGroupKeys(patch, g.Admin, g.Shared); err != nil {
		return Group{}, err
	}
	debuglog.Debugf("group created address=%s members=%d", addr, len(members))
	return g, nil
}

// RotateSharedKey issues a new shared key for addr carrying the current
// roster. Older keys stay resolvable.
func (m *Manager) RotateSharedKey(addr proto.Address) (directory.SharedKeyRecord, error) {
	var members []string
	if cur, ok := m.dir.CurrentSharedKey(addr); ok {
		members = cur.Members()
	}
	return m.Rotate(addr, members)
}

// RotateExcluding issues a new shared key whose roster drops removed.
func (m *Manager) RotateExcluding(addr proto.Address, removed []string) (directory.SharedKeyRecord, error) {
	var members []string
	if cur, ok := m.dir.CurrentSharedKey(addr); ok {
		for _, pk := range cur.Members() {
			if !slices.Contains(removed, pk) {
				members = append(members, pk)
			}
		}
	}
	return m.Rotate(addr, members)
}

// Rotate issues a new shared key with exactly members. CreatedAt is kept
// strictly above the current key's so the new key becomes current.
func (m *Manager) Rotate(addr proto.Address, members []string) (directory.SharedKeyRecord, error) {
	if _, ok := m.dir.AdminKey(addr); !ok {
		return directory.SharedKeyRecord{}, ErrNotAdmin
	}
	sk, pk, err := m.keygen()
	if err != nil {
		return directory.SharedKeyRecord{}, fmt.Errorf("%w: shared key: %v", ErrKeyGeneration, err)
	}
	at := m.now().Unix()
	if cur, ok := m.dir.CurrentSharedKey(addr); ok && at <= cur.CreatedAt {
		at = cur.CreatedAt + 1
	}
	rec := directory.SharedKeyRecord{
		Group:     addr,
		Pubkey:    pk,
		Privkey:   sk,
		CreatedAt: at,
		Roster:    directory.NewRoster(members, at),
	}
	if _, err := m.dir.PutSharedKey(rec); err != nil {
		return directory.SharedKeyRecord{}, err
	}
	debuglog.Debugf("shared key rotated address=%s members=%d", addr, len(members))
	return rec, nil
}

func (m *Manager) CurrentSharedKey(addr proto.Address) (directory.SharedKeyRecord, bool) {
	return m.dir.CurrentSharedKey(addr)
}

func (m *Manager) AdminKey(addr proto.Address) (directory.AdminKeyRecord, bool) {
	return m.dir.AdminKey(addr)
}
