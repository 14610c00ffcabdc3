package envelope

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"relaygroups/internal/crypto"
	"relaygroups/internal/directory"
	"relaygroups/internal/proto"
)

func newKey(t *testing.T) (string, string) {
	t.Helper()
	sk, pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	return sk, pk
}

func newProtocol(t *testing.T) (*Protocol, *crypto.KeySigner) {
	t.Helper()
	sk, _ := newKey(t)
	signer, err := crypto.NewKeySigner(sk)
	require.NoError(t, err)
	return New(signer, crypto.NIP44{}, Options{Now: func() time.Time { return time.Unix(1_700_000_000, 0) }}), signer
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, signer := newProtocol(t)
	recipSK, recipPK := newKey(t)

	template := nostr.Event{
		Kind:      proto.KindJoinRequest,
		CreatedAt: 1_699_999_000,
		Content:   "let me in",
		Tags:      nostr.Tags{proto.Mention(signer.UserPubkey())},
	}
	wrap, err := p.Wrap(ctx, template, WrapOptions{Recipient: recipPK})
	require.NoError(t, err)
	require.Equal(t, proto.KindGiftWrap, wrap.Kind)
	require.Equal(t, recipPK, proto.TagValue(wrap.Tags, "p"))
	require.NotEqual(t, signer.UserPubkey(), wrap.PubKey)
	require.NoError(t, crypto.Verify(&wrap))

	rumor, err := p.Unwrap(ctx, &wrap, recipSK)
	require.NoError(t, err)
	require.Equal(t, template.Content, rumor.Content)
	require.Equal(t, template.Tags, rumor.Tags)
	require.Equal(t, template.Kind, rumor.Kind)
	require.Equal(t, template.CreatedAt, rumor.CreatedAt)
	require.Equal(t, signer.UserPubkey(), rumor.PubKey)
	require.Empty(t, rumor.Sig)
}

func TestWrapWithExplicitKeys(t *testing.T) {
	ctx := context.Background()
	p, _ := newProtocol(t)
	adminSK, adminPK := newKey(t)
	sharedSK, sharedPK := newKey(t)

	wrap, err := p.Wrap(ctx, nostr.Event{Kind: proto.KindMembersAdded, Content: "x"}, WrapOptions{
		AuthorSK:  adminSK,
		WrapSK:    sharedSK,
		Recipient: sharedPK,
	})
	require.NoError(t, err)
	require.Equal(t, sharedPK, wrap.PubKey)

	rumor, err := p.Unwrap(ctx, &wrap, sharedSK)
	require.NoError(t, err)
	require.Equal(t, adminPK, rumor.PubKey)
	require.Equal(t, nostr.Timestamp(1_700_000_000), rumor.CreatedAt)
}

func TestWrapTimestampsJittered(t *testing.T) {
	ctx := context.Background()
	p, _ := newProtocol(t)
	_, recipPK := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 20; i++ {
		wrap, err := p.Wrap(ctx, nostr.Event{Kind: 1, Content: "x"}, WrapOptions{Recipient: recipPK})
		require.NoError(t, err)
		ts := wrap.CreatedAt.Time()
		require.False(t, ts.After(now))
		require.True(t, now.Sub(ts) <= MaxJitter)
	}
}

func TestUnwrapWrongKey(t *testing.T) {
	ctx := context.Background()
	p, _ := newProtocol(t)
	_, recipPK := newKey(t)
	otherSK, _ := newKey(t)
	wrap, err := p.Wrap(ctx, nostr.Event{Kind: 1, Content: "x"}, WrapOptions{Recipient: recipPK})
	require.NoError(t, err)
	_, err = p.Unwrap(ctx, &wrap, otherSK)
	require.ErrorIs(t, err, ErrBadWrap)
}

func TestUnwrapRejectsForgedAuthor(t *testing.T) {
	ctx := context.Background()
	p, _ := newProtocol(t)
	recipSK, recipPK := newKey(t)
	sealSK, _ := newKey(t)
	_, victimPK := newKey(t)

	// rumor claims an author other than the seal signer
	rumor := nostr.Event{Kind: 1, PubKey: victimPK, CreatedAt: 1, Tags: nostr.Tags{}, Content: "forged"}
	rumor.ID = rumor.GetID()
	rumorJSON, err := json.Marshal(rumor)
	require.NoError(t, err)
	seal := nostr.Event{Kind: proto.KindSeal, CreatedAt: 1, Tags: nostr.Tags{}}
	seal.Content, err = crypto.NIP44{}.Encrypt(ctx, sealSK, recipPK, string(rumorJSON))
	require.NoError(t, err)
	require.NoError(t, crypto.Sign(ctx, &seal, sealSK))
	sealJSON, err := json.Marshal(seal)
	require.NoError(t, err)

	wrapSK, _ := newKey(t)
	wrap := nostr.Event{Kind: proto.KindGiftWrap, CreatedAt: 1, Tags: nostr.Tags{proto.Mention(recipPK)}}
	wrap.Content, err = crypto.NIP44{}.Encrypt(ctx, wrapSK, recipPK, string(sealJSON))
	require.NoError(t, err)
	require.NoError(t, crypto.Sign(ctx, &wrap, wrapSK))

	_, err = p.Unwrap(ctx, &wrap, recipSK)
	require.ErrorIs(t, err, ErrBadRumor)
}

func TestUnwrapRejectsTamperedWrap(t *testing.T) {
	ctx := context.Background()
	p, _ := newProtocol(t)
	recipSK, recipPK := newKey(t)
	wrap, err := p.Wrap(ctx, nostr.Event{Kind: 1, Content: "x"}, WrapOptions{Recipient: recipPK})
	require.NoError(t, err)
	wrap.Tags = append(wrap.Tags, nostr.Tag{"t", "extra"})
	_, err = p.Unwrap(ctx, &wrap, recipSK)
	require.ErrorIs(t, err, ErrBadWrap)

	_, err = p.Unwrap(ctx, &nostr.Event{Kind: 1}, recipSK)
	require.ErrorIs(t, err, ErrBadWrap)
}

func TestResolveRecipientKey(t *testing.T) {
	dir := directory.New(directory.Options{})
	addr := proto.NewAddress("aa", "x")
	require.NoError(t, dir.PutAdminKey(directory.AdminKeyRecord{Group: addr, Pubkey: "admin-pk", Privkey: "admin-sk"}))
	_, err := dir.PutSharedKey(directory.SharedKeyRecord{Group: addr, Pubkey: "shared-pk", Privkey: "shared-sk", CreatedAt: 1})
	require.NoError(t, err)

	key, err := ResolveRecipientKey(dir, &nostr.Event{Tags: nostr.Tags{{"p", "shared-pk"}}})
	require.NoError(t, err)
	require.Equal(t, "shared-sk", key.Privkey)
	require.False(t, key.Admin)
	require.Equal(t, addr, key.Group)

	key, err = ResolveRecipientKey(dir, &nostr.Event{Tags: nostr.Tags{{"p", "admin-pk"}}})
	require.NoError(t, err)
	require.True(t, key.Admin)

	_, err = ResolveRecipientKey(dir, &nostr.Event{Tags: nostr.Tags{{"p", "stranger"}}})
	require.ErrorIs(t, err, ErrNoRecipientKey)
	_, err = ResolveRecipientKey(dir, &nostr.Event{})
	require.ErrorIs(t, err, ErrNoRecipientKey)
}
