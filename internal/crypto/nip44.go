package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// Cipher encrypts payloads between two secp256k1 keys. Implementations may
// call out to a remote signer, so both directions take a context.
type Cipher interface {
	Encrypt(ctx context.Context, senderSK, recipientPK, plaintext string) (string, error)
	Decrypt(ctx context.Context, recipientSK, senderPK, payload string) (string, error)
}

var ErrDecrypt = errors.New("decrypt failed")

const (
	nip44Version  = 2
	nip44Salt     = "nip44-v2"
	nonceSize     = 32
	macSize       = 32
	minPlaintext  = 1
	maxPlaintext  = 65535
	minPayloadRaw = 1 + nonceSize + 2 + 32 + macSize
	maxPayloadRaw = 1 + nonceSize + 2 + 65536 + macSize
)

// NIP44 is the versioned (v2) conversation cipher: ECDH x-coordinate through
// HKDF, ChaCha20 over a length-prefixed padded body, HMAC-SHA256 over
// nonce and ciphertext.
type NIP44 struct {
	// Rand overrides the nonce source. Nil means crypto/rand.
	Rand io.Reader
}

var _ Cipher = NIP44{}

func (c NIP44) Encrypt(ctx context.Context, senderSK, recipientPK, plaintext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ck, err := ConversationKey(senderSK, recipientPK)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	r := c.Rand
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, nonce); err != nil {
		return "", err
	}
	return encryptWithNonce(ck, nonce, plaintext)
}

func (c NIP44) Decrypt(ctx context.Context, recipientSK, senderPK, payload string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ck, err := ConversationKey(recipientSK, senderPK)
	if err != nil {
		return "", err
	}
	return decryptWithKey(ck, payload)
}

// ConversationKey is symmetric: ConversationKey(a, B) == ConversationKey(b, A).
func ConversationKey(sk, pk string) ([]byte, error) {
	priv, err := parsePrivateKey(sk)
	if err != nil {
		return nil, err
	}
	pub, err := parsePublicKey(pk)
	if err != nil {
		return nil, err
	}
	shared := btcec.GenerateSharedSecret(priv, pub)
	return hkdf.Extract(sha256.New, shared, []byte(nip44Salt)), nil
}

func messageKeys(ck, nonce []byte) (key, chachaNonce, hmacKey []byte, err error) {
	out := make([]byte, 76)
	if _, err = io.ReadFull(hkdf.Expand(sha256.New, ck, nonce), out); err != nil {
		return nil, nil, nil, err
	}
	return out[0:32], out[32:44], out[44:76], nil
}

func encryptWithNonce(ck, nonce []byte, plaintext string) (string, error) {
	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}
	key, cn, hk, err := messageKeys(ck, nonce)
	if err != nil {
		return "", err
	}
	stream, err := chacha20.NewUnauthenticatedCipher(key, cn)
	if err != nil {
		return "", err
	}
	ct := make([]byte, len(padded))
	stream.XORKeyStream(ct, padded)
	mac := computeMAC(hk, nonce, ct)

	raw := make([]byte, 0, 1+len(nonce)+len(ct)+len(mac))
	raw = append(raw, nip44Version)
	raw = append(raw, nonce...)
	raw = append(raw, ct...)
	raw = append(raw, mac...)
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decryptWithKey(ck []byte, payload string) (string, error) {
	if payload == "" || payload[0] == '#' {
		return "", fmt.Errorf("%w: unknown encoding", ErrDecrypt)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < minPayloadRaw || len(raw) > maxPayloadRaw {
		return "", fmt.Errorf("%w: bad payload size %d", ErrDecrypt, len(raw))
	}
	if raw[0] != nip44Version {
		return "", fmt.Errorf("%w: unknown version %d", ErrDecrypt, raw[0])
	}
	nonce := raw[1 : 1+nonceSize]
	ct := raw[1+nonceSize : len(raw)-macSize]
	mac := raw[len(raw)-macSize:]

	key, cn, hk, err := messageKeys(ck, nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(mac, computeMAC(hk, nonce, ct)) {
		return "", fmt.Errorf("%w: invalid mac", ErrDecrypt)
	}
	stream, err := chacha20.NewUnauthenticatedCipher(key, cn)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ct))
	stream.XORKeyStream(padded, ct)
	return unpad(padded)
}

func computeMAC(key, nonce, ct []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ct)
	return h.Sum(nil)
}

// PaddedLen returns the body size for an unpadded plaintext length, not
// counting the two-byte length prefix.
func PaddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func pad(plaintext string) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintext || n > maxPlaintext {
		return nil, fmt.Errorf("invalid plaintext length %d", n)
	}
	out := make([]byte, 2+PaddedLen(n))
	binary.BigEndian.PutUint16(out[:2], uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) (string, error) {
	if len(padded) < 2 {
		return "", fmt.Errorf("%w: short body", ErrDecrypt)
	}
	n := int(binary.BigEndian.Uint16(padded[:2]))
	if n < minPlaintext || 2+n > len(padded) || len(padded) != 2+PaddedLen(n) {
		return "", fmt.Errorf("%w: invalid padding", ErrDecrypt)
	}
	return string(padded[2 : 2+n]), nil
}
