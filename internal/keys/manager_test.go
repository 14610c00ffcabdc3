package keys

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaygroups/internal/crypto"
	"relaygroups/internal/directory"
	"relaygroups/internal/proto"
)

func fixedClock(ts int64) func() time.Time {
	return func() time.Time { return time.Unix(ts, 0) }
}

func TestInitGroup(t *testing.T) {
	dir := directory.New(directory.Options{})
	m := NewManager(dir, Options{Now: fixedClock(1000)})
	g, err := m.InitGroup([]string{"alice", "bob"}, []string{"wss://relay"})
	require.NoError(t, err)

	require.Equal(t, g.Admin.Pubkey, g.Address.Pubkey())
	require.Len(t, g.Address.Identifier(), 32)
	require.NotEqual(t, g.Admin.Pubkey, g.Shared.Pubkey)
	pk, err := crypto.PublicKey(g.Shared.Privkey)
	require.NoError(t, err)
	require.Equal(t, g.Shared.Pubkey, pk)

	rec, ok := dir.Group(g.Address)
	require.True(t, ok)
	require.Equal(t, proto.AccessClosed, rec.Access())
	require.Equal(t, []string{"wss://relay"}, rec.Relays.Value)
	require.Equal(t, int64(1000), rec.PublishedAt)

	admin, ok := m.AdminKey(g.Address)
	require.True(t, ok)
	require.Equal(t, g.Admin, admin)
	cur, ok := m.CurrentSharedKey(g.Address)
	require.True(t, ok)
	require.Equal(t, []string{"alice", "bob"}, cur.Members())
}

func TestInitGroupKeyFailureCommitsNothing(t *testing.T) {
	dir := directory.New(directory.Options{})
	calls := 0
	m := NewManager(dir, Options{KeyGen: func() (string, string, error) {
		calls++
		if calls == 2 {
			return "", "", errors.New("entropy exhausted")
		}
		return crypto.GenerateKey()
	}})
	_, err := m.InitGroup(nil, nil)
	require.ErrorIs(t, err, ErrKeyGeneration)
	require.Empty(t, dir.Groups())
	require.Empty(t, dir.AdminKeys())
	require.Empty(t, dir.AllSharedKeys())
}

func TestRotateSharedKey(t *testing.T) {
	dir := directory.New(directory.Options{})
	m := NewManager(dir, Options{Now: fixedClock(500)})
	g, err := m.InitGroup([]string{"alice", "bob"}, nil)
	require.NoError(t, err)

	// same second as creation: the new key still sorts after the old one
	rot, err := m.RotateSharedKey(g.Address)
	require.NoError(t, err)
	require.Equal(t, int64(501), rot.CreatedAt)
	cur, _ := m.CurrentSharedKey(g.Address)
	require.Equal(t, rot.Pubkey, cur.Pubkey)
	require.Equal(t, []string{"alice", "bob"}, cur.Members())

	evicted, err := m.RotateExcluding(g.Address, []string{"bob"})
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, evicted.Members())
	require.Len(t, dir.SharedKeys(g.Address), 3)

	// old keys stay resolvable
	old, ok := dir.SharedKey(g.Shared.Pubkey)
	require.True(t, ok)
	require.Equal(t, g.Shared.Privkey, old.Privkey)
}

func TestRotateRequiresAdminKey(t *testing.T) {
	dir := directory.New(directory.Options{})
	m := NewManager(dir, Options{})
	_, err := m.RotateSharedKey(proto.NewAddress("ab", "x"))
	require.ErrorIs(t, err, ErrNotAdmin)
}
