package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"relaygroups/internal/crypto"
	"relaygroups/internal/network"
	"relaygroups/internal/proto"
	"relaygroups/internal/session"
	"relaygroups/internal/storage"
)

const relay = "local://groups"

func newTestNode(t *testing.T, net network.Network, store storage.Backend) *Node {
	t.Helper()
	sk, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := crypto.NewKeySigner(sk)
	require.NoError(t, err)
	return New(session.New(signer), Options{Relays: []string{relay}, Network: net, Store: store})
}

func TestNewNodeGeneratesKeys(t *testing.T) {
	home := t.TempDir()
	n, err := NewNode(home, Options{})
	require.NoError(t, err)
	again, err := NewNode(home, Options{})
	require.NoError(t, err)
	require.Equal(t, n.Session.Pubkey(), again.Session.Pubkey())
	require.True(t, crypto.IsPublicKey(n.Session.Pubkey()))
}

func TestCreateGroupGrantsSelf(t *testing.T) {
	ctx := context.Background()
	mem := network.NewMemory()
	admin := newTestNode(t, mem, nil)
	addr, err := admin.CreateGroup(ctx, proto.Metadata{Name: "Cooks"}, nil)
	require.NoError(t, err)

	g, ok := admin.Directory.Group(addr)
	require.True(t, ok)
	require.Equal(t, "Cooks", g.Meta.Value.Name)
	require.Equal(t, proto.AccessClosed, g.Access())
	require.True(t, admin.Session.Granted(addr))
	require.Len(t, mem.Events(relay), 1)

	key, ok := admin.Directory.CurrentSharedKey(addr)
	require.True(t, ok)
	require.ElementsMatch(t, []string{admin.Session.Pubkey(), addr.Pubkey(), key.Pubkey}, admin.WrapperRecipients(addr))
}

func TestWrapperRecipientsAndFilters(t *testing.T) {
	ctx := context.Background()
	admin := newTestNode(t, network.NewMemory(), nil)
	require.Equal(t, []string{admin.Session.Pubkey()}, admin.WrapperRecipients(""))

	addr, err := admin.CreateGroup(ctx, proto.Metadata{Name: "Open", Access: proto.AccessOpen}, nil)
	require.NoError(t, err)
	key, _ := admin.Directory.CurrentSharedKey(addr)
	recipients := admin.WrapperRecipients("")
	require.Equal(t, admin.Session.Pubkey(), recipients[0])
	require.ElementsMatch(t, []string{admin.Session.Pubkey(), addr.Pubkey(), key.Pubkey}, recipients)
	require.Equal(t, []string{admin.Session.Pubkey()}, admin.WrapperRecipients("10024:ff:other"))

	filters := admin.GroupFilters()
	require.Len(t, filters, 3)
	require.Equal(t, []int{proto.KindGiftWrap}, filters[0].Kinds)
	require.ElementsMatch(t, recipients, filters[0].Tags["p"])
	require.Equal(t, []string{addr.Pubkey()}, filters[1].Authors)
	require.Equal(t, []string{string(addr)}, filters[2].Tags["a"])
	require.Equal(t, []string{relay}, admin.Relays())
}

func TestLoadGroupsFollowsInvite(t *testing.T) {
	ctx := context.Background()
	mem := network.NewMemory()
	admin := newTestNode(t, mem, nil)
	member := newTestNode(t, mem, nil)

	addr, err := admin.CreateGroup(ctx, proto.Metadata{Name: "Cooks", About: "recipes"}, nil)
	require.NoError(t, err)
	_, err = admin.Router.AdmitMembers(ctx, addr, []string{member.Session.Pubkey()})
	require.NoError(t, err)

	require.NoError(t, member.LoadGroups(ctx))
	g, ok := member.Directory.Group(addr)
	require.True(t, ok)
	require.Equal(t, "Cooks", g.Meta.Value.Name)
	require.True(t, member.Session.Granted(addr))
	key, ok := member.Directory.CurrentSharedKey(addr)
	require.True(t, ok)
	require.True(t, key.HasMember(member.Session.Pubkey()))
	require.Contains(t, member.WrapperRecipients(addr), key.Pubkey)
}

func TestListenProjectsLiveContent(t *testing.T) {
	mem := network.NewMemory()
	admin := newTestNode(t, mem, nil)
	member := newTestNode(t, mem, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := admin.CreateGroup(ctx, proto.Metadata{Name: "Cooks"}, nil)
	require.NoError(t, err)
	_, err = admin.Router.AdmitMembers(ctx, addr, []string{member.Session.Pubkey()})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- member.ListenForGroupNotes(ctx) }()

	require.Eventually(t, func() bool { return member.Session.Granted(addr) }, 5*time.Second, 20*time.Millisecond)
	_, err = admin.Router.PublishToGroupsPrivately(ctx, []proto.Address{addr}, nostr.Event{Kind: 1, Content: "soup tonight"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		content := member.Directory.Content(addr)
		return len(content) == 1 && content[0].Content == "soup tonight"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewFile(filepath.Join(t.TempDir(), "state.jsonl"))
	mem := network.NewMemory()
	admin := newTestNode(t, mem, store)
	addr, err := admin.CreateGroup(ctx, proto.Metadata{Name: "Cooks"}, nil)
	require.NoError(t, err)
	require.True(t, admin.dirty.Load())
	require.NoError(t, admin.Save(ctx))
	require.False(t, admin.dirty.Load())

	restored := New(session.New(admin.Session.Signer), Options{Relays: []string{relay}, Network: mem, Store: store})
	require.NoError(t, restored.Load(ctx))
	require.Equal(t, admin.Directory.Snapshot(), restored.Directory.Snapshot())
	require.True(t, restored.Session.Granted(addr))
	_, ok := restored.Keys.AdminKey(addr)
	require.True(t, ok)
}

func TestRotateKeySkipsSelf(t *testing.T) {
	ctx := context.Background()
	mem := network.NewMemory()
	admin := newTestNode(t, mem, nil)
	addr, err := admin.CreateGroup(ctx, proto.Metadata{Name: "Cooks"}, nil)
	require.NoError(t, err)

	out, err := admin.RotateKey(ctx, addr)
	require.NoError(t, err)
	require.Empty(t, out)

	member := newTestNode(t, mem, nil)
	_, err = admin.Router.AdmitMembers(ctx, addr, []string{member.Session.Pubkey()})
	require.NoError(t, err)
	out, err = admin.RotateKey(ctx, addr)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, member.Session.Pubkey(), out[0].Recipient)
	require.True(t, out[0].Delivered())
}
