package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/crypto"
	"relaygroups/internal/proto"
)

var (
	ErrNoRecipientKey = errors.New("wrap not addressed to a held key")
	ErrBadWrap        = errors.New("bad gift wrap")
	ErrBadSeal        = errors.New("bad seal")
	ErrBadRumor       = errors.New("bad rumor")
)

// MaxJitter bounds how far seal and wrap timestamps are pushed into the past.
const MaxJitter = 2 * 24 * time.Hour

type Options struct {
	Now    func() time.Time
	Jitter func() time.Duration
}

// Protocol builds and opens three-layer envelopes: an unsigned rumor, a
// seal signed by the author, and a gift wrap signed by a single-use key.
type Protocol struct {
	signer crypto.Signer
	cipher crypto.Cipher
	now    func() time.Time
	jitter func() time.Duration
}

func New(signer crypto.Signer, cipher crypto.Cipher, opts Options) *Protocol {
	p := &Protocol{signer: signer, cipher: cipher, now: opts.Now, jitter: opts.Jitter}
	if p.now == nil {
		p.now = time.Now
	}
	if p.jitter == nil {
		p.jitter = func() time.Duration {
			return time.Duration(rand.Int64N(int64(MaxJitter/time.Second))) * time.Second
		}
	}
	if p.cipher == nil {
		p.cipher = crypto.NIP44{}
	}
	return p
}

// WrapOptions picks the keys for each layer. An empty AuthorSK seals as the
// session user; an empty WrapSK uses a fresh disposable key.
type WrapOptions struct {
	AuthorSK  string
	WrapSK    string
	Recipient string
}

// Wrap turns template into a gift wrap addressed to o.Recipient.
func (p *Protocol) Wrap(ctx context.Context, template nostr.Event, o WrapOptions) (nostr.Event, error) {
	if !crypto.IsPublicKey(o.Recipient) {
		return nostr.Event{}, fmt.Errorf("wrap: %w", crypto.ErrBadPublicKey)
	}
	rumor, err := p.rumor(template, o.AuthorSK)
	if err != nil {
		return nostr.Event{}, err
	}
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, err
	}

	seal := nostr.Event{Kind: proto.KindSeal, CreatedAt: p.jittered(), Tags: nostr.Tags{}}
	if o.AuthorSK == "" {
		seal.Content, err = p.signer.EncryptAsUser(ctx, o.Recipient, string(rumorJSON))
		if err == nil {
			err = p.signer.SignAsUser(ctx, &seal)
		}
	} else {
		seal.Content, err = p.cipher.Encrypt(ctx, o.AuthorSK, o.Recipient, string(rumorJSON))
		if err == nil {
			err = p.signer.SignWithKey(ctx, &seal, o.AuthorSK)
		}
	}
	if err != nil {
		return nostr.Event{}, fmt.Errorf("seal: %w", err)
	}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, err
	}

	wrapSK := o.WrapSK
	if wrapSK == "" {
		eph, err := crypto.GenerateEphemeral()
		if err != nil {
			return nostr.Event{}, err
		}
		defer eph.Destroy()
		if wrapSK, err = eph.Secret(); err != nil {
			return nostr.Event{}, err
		}
	}
	wrap := nostr.Event{
		Kind:      proto.KindGiftWrap,
		CreatedAt: p.jittered(),
		Tags:      nostr.Tags{proto.Mention(o.Recipient)},
	}
	if wrap.Content, err = p.cipher.Encrypt(ctx, wrapSK, o.Recipient, string(sealJSON)); err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: %w", err)
	}
	if err := p.signer.SignWithKey(ctx, &wrap, wrapSK); err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: %w", err)
	}
	return wrap, nil
}

func (p *Protocol) rumor(template nostr.Event, authorSK string) (nostr.Event, error) {
	r := template
	r.Sig = ""
	if r.Tags == nil {
		r.Tags = nostr.Tags{}
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = nostr.Timestamp(p.now().Unix())
	}
	if authorSK == "" {
		r.PubKey = p.signer.UserPubkey()
	} else {
		pk, err := crypto.PublicKey(authorSK)
		if err != nil {
			return nostr.Event{}, err
		}
		r.PubKey = pk
	}
	r.ID = r.GetID()
	return r, nil
}

func (p *Protocol) jittered() nostr.Timestamp {
	return nostr.Timestamp(p.now().Add(-p.jitter()).Unix())
}

// Unwrap opens a gift wrap with recipientSK (empty means the session user)
// and returns the rumor. The rumor's author is the seal's signer.
func (p *Protocol) Unwrap(ctx context.Context, wrap *nostr.Event, recipientSK string) (nostr.Event, error) {
	if wrap == nil || wrap.Kind != proto.KindGiftWrap {
		return nostr.Event{}, ErrBadWrap
	}
	if err := crypto.Verify(wrap); err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrBadWrap, err)
	}
	sealJSON, err := p.decrypt(ctx, recipientSK, wrap.PubKey, wrap.Content)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrBadWrap, err)
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrBadSeal, err)
	}
	if seal.Kind != proto.KindSeal {
		return nostr.Event{}, fmt.Errorf("%w: kind %d", ErrBadSeal, seal.Kind)
	}
	if err := crypto.Verify(&seal); err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrBadSeal, err)
	}
	rumorJSON, err := p.decrypt(ctx, recipientSK, seal.PubKey, seal.Content)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrBadSeal, err)
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrBadRumor, err)
	}
	if rumor.PubKey != seal.PubKey {
		return nostr.Event{}, fmt.Errorf("%w: author does not match seal", ErrBadRumor)
	}
	if rumor.ID != rumor.GetID() {
		return nostr.Event{}, fmt.Errorf("%w: id mismatch", ErrBadRumor)
	}
	return rumor, nil
}

func (p *Protocol) decrypt(ctx context.Context, sk, senderPK, payload string) (string, error) {
	if sk == "" {
		return p.signer.DecryptAsUser(ctx, senderPK, payload)
	}
	return p.cipher.Decrypt(ctx, sk, senderPK, payload)
}
