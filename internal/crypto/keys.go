package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// -----------------------------------------------------------------------------
// secp256k1 keys
//
// Keys travel as lowercase hex: 32-byte scalars for private keys and 32-byte
// x-only points for public keys, matching the event wire format.
// -----------------------------------------------------------------------------

const KeySize = 32

var (
	ErrBadPrivateKey = errors.New("bad private key")
	ErrBadPublicKey  = errors.New("bad public key")
)

// GenerateKey returns a fresh (privkey, pubkey) hex pair.
func GenerateKey() (string, string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", "", err
	}
	sk := hex.EncodeToString(priv.Serialize())
	pk := hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	return sk, pk, nil
}

// PublicKey derives the x-only public key for a hex private key.
func PublicKey(sk string) (string, error) {
	priv, err := parsePrivateKey(sk)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), nil
}

// IsHexKey reports whether s looks like a 32-byte lowercase hex key.
func IsHexKey(s string) bool {
	if len(s) != 2*KeySize || strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func IsPublicKey(pk string) bool {
	_, err := parsePublicKey(pk)
	return err == nil
}

func parsePrivateKey(sk string) (*btcec.PrivateKey, error) {
	if !IsHexKey(sk) {
		return nil, ErrBadPrivateKey
	}
	b, _ := hex.DecodeString(sk)
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
		return nil, ErrBadPrivateKey
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}

func parsePublicKey(pk string) (*btcec.PublicKey, error) {
	if !IsHexKey(pk) {
		return nil, ErrBadPublicKey
	}
	b, _ := hex.DecodeString(pk)
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	return pub, nil
}

// -----------------------------------------------------------------------------
// Disposable keys
// -----------------------------------------------------------------------------

// Ephemeral is a single-use keypair, used for the outer gift-wrap layer.
type Ephemeral struct {
	sk        string
	pk        string
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) GoString() string {
	return "crypto.Ephemeral{REDACTED}"
}

func (e *Ephemeral) Public() (string, error) {
	if e == nil || e.destroyed {
		return "", errors.New("ephemeral key destroyed")
	}
	return e.pk, nil
}

func (e *Ephemeral) Secret() (string, error) {
	if e == nil || e.destroyed {
		return "", errors.New("ephemeral key destroyed")
	}
	return e.sk, nil
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	e.sk = ""
	e.pk = ""
	e.destroyed = true
}

func GenerateEphemeral() (*Ephemeral, error) {
	sk, pk, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Ephemeral{sk: sk, pk: pk}, nil
}

// -----------------------------------------------------------------------------
// Identity key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, pk, sk string) error {
	if pk == "" || sk == "" {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(pk), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(sk), 0600)
}

func LoadKeypair(dir string) (string, string, error) {
	pkRaw, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return "", "", err
	}
	skRaw, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return "", "", err
	}
	pk := strings.TrimSpace(string(pkRaw))
	sk := strings.TrimSpace(string(skRaw))
	derived, err := PublicKey(sk)
	if err != nil {
		return "", "", fmt.Errorf("bad priv.hex")
	}
	if derived != pk {
		return "", "", fmt.Errorf("pub.hex does not match priv.hex")
	}
	return pk, sk, nil
}
