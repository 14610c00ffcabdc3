package proto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Address names a group: "10024:<admin pubkey>:<identifier>".
type Address string

const identifierBytes = 16

func NewIdentifier() (string, error) {
	b := make([]byte, identifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func NewAddress(adminPubkey, identifier string) Address {
	return Address(fmt.Sprintf("%d:%s:%s", KindGroupMetadata, adminPubkey, identifier))
}

func ParseAddress(s string) (Address, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: address %q", ErrMalformed, s)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind != KindGroupMetadata {
		return "", fmt.Errorf("%w: address kind %q", ErrMalformed, parts[0])
	}
	if len(parts[1]) != 64 {
		return "", fmt.Errorf("%w: address pubkey", ErrMalformed)
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return "", fmt.Errorf("%w: address pubkey", ErrMalformed)
	}
	if parts[2] == "" {
		return "", fmt.Errorf("%w: address identifier", ErrMalformed)
	}
	return Address(s), nil
}

func (a Address) String() string { return string(a) }

// Pubkey is the admin public key embedded in the address.
func (a Address) Pubkey() string {
	parts := strings.SplitN(string(a), ":", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

func (a Address) Identifier() string {
	parts := strings.SplitN(string(a), ":", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}

// DisplayName is the group name cut to 60 runes, or the address tail when
// the group has no name yet.
func DisplayName(a Address, name string) string {
	if name != "" {
		return ellipsize(name, 60)
	}
	s := string(a)
	if len(s) <= 8 {
		return s
	}
	return s[len(s)-8:]
}

func ellipsize(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// ShortKey abbreviates a hex pubkey for human-facing text.
func ShortKey(pk string) string {
	if len(pk) <= 12 {
		return pk
	}
	return pk[:8] + ":" + pk[len(pk)-4:]
}
