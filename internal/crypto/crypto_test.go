package crypto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T) (string, string) {
	t.Helper()
	sk, pk, err := GenerateKey()
	require.NoError(t, err)
	return sk, pk
}

func TestGenerateKeyDerivesPublic(t *testing.T) {
	sk, pk := mustKey(t)
	require.True(t, IsHexKey(sk))
	require.True(t, IsPublicKey(pk))
	derived, err := PublicKey(sk)
	require.NoError(t, err)
	require.Equal(t, pk, derived)
}

func TestPublicKeyRejectsGarbage(t *testing.T) {
	_, err := PublicKey("zz")
	require.ErrorIs(t, err, ErrBadPrivateKey)
	_, err = PublicKey(strings.Repeat("0", 64))
	require.ErrorIs(t, err, ErrBadPrivateKey)
	_, err = PublicKey(strings.Repeat("A", 64))
	require.ErrorIs(t, err, ErrBadPrivateKey)
}

func TestConversationKeySymmetric(t *testing.T) {
	aSK, aPK := mustKey(t)
	bSK, bPK := mustKey(t)
	k1, err := ConversationKey(aSK, bPK)
	require.NoError(t, err)
	k2, err := ConversationKey(bSK, aPK)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Len(t, k1, 32)
}

func TestNIP44RoundTrip(t *testing.T) {
	ctx := context.Background()
	aSK, aPK := mustKey(t)
	bSK, bPK := mustKey(t)
	c := NIP44{}
	for _, msg := range []string{"a", "hello group", strings.Repeat("x", 300), strings.Repeat("é", 1000)} {
		ct, err := c.Encrypt(ctx, aSK, bPK, msg)
		require.NoError(t, err)
		pt, err := c.Decrypt(ctx, bSK, aPK, ct)
		require.NoError(t, err)
		require.Equal(t, msg, pt)
	}
}

func TestNIP44WrongKeyFails(t *testing.T) {
	ctx := context.Background()
	aSK, aPK := mustKey(t)
	_, bPK := mustKey(t)
	cSK, _ := mustKey(t)
	ct, err := NIP44{}.Encrypt(ctx, aSK, bPK, "secret")
	require.NoError(t, err)
	_, err = NIP44{}.Decrypt(ctx, cSK, aPK, ct)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestNIP44TamperFails(t *testing.T) {
	ctx := context.Background()
	aSK, aPK := mustKey(t)
	bSK, bPK := mustKey(t)
	ct, err := NIP44{}.Encrypt(ctx, aSK, bPK, "secret")
	require.NoError(t, err)

	// flip a character in the middle of the base64 body
	mid := len(ct) / 2
	swap := byte('A')
	if ct[mid] == 'A' {
		swap = 'B'
	}
	bad := ct[:mid] + string(swap) + ct[mid+1:]
	_, err = NIP44{}.Decrypt(ctx, bSK, aPK, bad)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = NIP44{}.Decrypt(ctx, bSK, aPK, "#unsupported")
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestNIP44RejectsEmptyPlaintext(t *testing.T) {
	aSK, _ := mustKey(t)
	_, bPK := mustKey(t)
	_, err := NIP44{}.Encrypt(context.Background(), aSK, bPK, "")
	require.Error(t, err)
}

func TestPaddedLen(t *testing.T) {
	cases := map[int]int{
		1:     32,
		32:    32,
		33:    64,
		64:    64,
		65:    96,
		256:   256,
		257:   320,
		1000:  1024,
		65535: 65536,
	}
	for in, want := range cases {
		t.Run(fmt.Sprint(in), func(t *testing.T) {
			require.Equal(t, want, PaddedLen(in))
		})
	}
}

func TestEncryptCanceledContext(t *testing.T) {
	aSK, _ := mustKey(t)
	_, bPK := mustKey(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NIP44{}.Encrypt(ctx, aSK, bPK, "x")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestSignAndVerify(t *testing.T) {
	sk, pk := mustKey(t)
	s, err := NewKeySigner(sk)
	require.NoError(t, err)
	require.Equal(t, pk, s.UserPubkey())

	ev := nostr.Event{Kind: 1, CreatedAt: nostr.Timestamp(1700000000), Content: "hi"}
	require.NoError(t, s.SignAsUser(context.Background(), &ev))
	require.Equal(t, pk, ev.PubKey)
	require.NoError(t, Verify(&ev))

	ev.Content = "changed"
	require.ErrorIs(t, Verify(&ev), ErrBadSignature)
}

func TestEphemeralRedactedAndDestroyed(t *testing.T) {
	e, err := GenerateEphemeral()
	require.NoError(t, err)
	require.Equal(t, "Ephemeral{REDACTED}", e.String())
	require.Equal(t, "Ephemeral{REDACTED}", fmt.Sprint(e))
	sk, err := e.Secret()
	require.NoError(t, err)
	require.True(t, IsHexKey(sk))
	e.Destroy()
	_, err = e.Secret()
	require.Error(t, err)
}

func TestKeypairFiles(t *testing.T) {
	dir := t.TempDir()
	sk, pk := mustKey(t)
	require.NoError(t, SaveKeypair(dir, pk, sk))
	gotPK, gotSK, err := LoadKeypair(dir)
	require.NoError(t, err)
	require.Equal(t, pk, gotPK)
	require.Equal(t, sk, gotSK)

	_, other := mustKey(t)
	require.NoError(t, SaveKeypair(dir, other, sk))
	_, _, err = LoadKeypair(dir)
	require.Error(t, err)
}
