package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

var ErrBadSignature = errors.New("bad signature")

// Signer signs events either as the session user or with an explicit key
// (admin keys, shared keys, throwaway wrap keys). The user's own key never
// leaves the signer, so user-side encryption goes through it too.
type Signer interface {
	UserPubkey() string
	SignAsUser(ctx context.Context, ev *nostr.Event) error
	SignWithKey(ctx context.Context, ev *nostr.Event, sk string) error
	EncryptAsUser(ctx context.Context, recipientPK, plaintext string) (string, error)
	DecryptAsUser(ctx context.Context, senderPK, payload string) (string, error)
}

// KeySigner signs locally with a held private key.
type KeySigner struct {
	sk     string
	pk     string
	cipher Cipher
}

func NewKeySigner(sk string) (*KeySigner, error) {
	pk, err := PublicKey(sk)
	if err != nil {
		return nil, err
	}
	return &KeySigner{sk: sk, pk: pk, cipher: NIP44{}}, nil
}

func (s *KeySigner) String() string { return "KeySigner{" + s.pk + "}" }

func (s *KeySigner) UserPubkey() string { return s.pk }

func (s *KeySigner) SignAsUser(ctx context.Context, ev *nostr.Event) error {
	return s.SignWithKey(ctx, ev, s.sk)
}

func (s *KeySigner) SignWithKey(ctx context.Context, ev *nostr.Event, sk string) error {
	return Sign(ctx, ev, sk)
}

func (s *KeySigner) EncryptAsUser(ctx context.Context, recipientPK, plaintext string) (string, error) {
	return s.cipher.Encrypt(ctx, s.sk, recipientPK, plaintext)
}

func (s *KeySigner) DecryptAsUser(ctx context.Context, senderPK, payload string) (string, error) {
	return s.cipher.Decrypt(ctx, s.sk, senderPK, payload)
}

// Sign fills PubKey, ID and Sig on ev.
func Sign(ctx context.Context, ev *nostr.Event, sk string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := parsePrivateKey(sk); err != nil {
		return err
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if err := ev.Sign(sk); err != nil {
		return fmt.Errorf("sign kind %d: %w", ev.Kind, err)
	}
	return nil
}

// Verify checks the id hash and the schnorr signature.
func Verify(ev *nostr.Event) error {
	if ev == nil {
		return ErrBadSignature
	}
	if ev.GetID() != ev.ID {
		return fmt.Errorf("%w: id mismatch", ErrBadSignature)
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// HashID computes the canonical id of an unsigned event (rumors carry an id
// but no signature).
func HashID(ev *nostr.Event) string {
	return ev.GetID()
}
