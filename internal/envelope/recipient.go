package envelope

import (
	"github.com/nbd-wtf/go-nostr"

	"relaygroups/internal/directory"
	"relaygroups/internal/proto"
)

// RecipientKey is a held key a wrap is addressed to.
type RecipientKey struct {
	Pubkey  string
	Privkey string
	Group   proto.Address
	Admin   bool
}

// KeyLookup is the part of the directory recipient resolution reads.
type KeyLookup interface {
	SharedKey(pk string) (directory.SharedKeyRecord, bool)
	AdminKeyByPubkey(pk string) (directory.AdminKeyRecord, bool)
}

// ResolveRecipientKey finds the private key for the wrap's "p" tag,
// trying shared keys before admin keys.
func ResolveRecipientKey(keys KeyLookup, wrap *nostr.Event) (RecipientKey, error) {
	pk := proto.TagValue(wrap.Tags, "p")
	if pk == "" {
		return RecipientKey{}, ErrNoRecipientKey
	}
	if rec, ok := keys.SharedKey(pk); ok && rec.Privkey != "" {
		return RecipientKey{Pubkey: pk, Privkey: rec.Privkey, Group: rec.Group}, nil
	}
	if rec, ok := keys.AdminKeyByPubkey(pk); ok && rec.Privkey != "" {
		return RecipientKey{Pubkey: pk, Privkey: rec.Privkey, Group: rec.Group, Admin: true}, nil
	}
	return RecipientKey{}, ErrNoRecipientKey
}
