// Package onion implements per-hop onion wrap/unwrap, keyed by ephemeral
// X25519 ECDH with a forward-secret key per hop: the shared secret is
// expanded with HKDF and the AEAD nonce is bound to the flow's session
// identifier.
package onion

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	NextHopSize  = 32
	SessionIDLen = 16
	nonceLen     = chacha20poly1305.NonceSizeX // 24
	counterLen   = nonceLen - SessionIDLen      // 8
)

var (
	ErrDecryptionFailed = errors.New("onion: decryption failed")
	ErrShortPacket      = errors.New("onion: packet shorter than the minimum envelope")
)

// Packet is the on-wire relay packet: ephemeral_public ‖ nonce ‖ ciphertext.
type Packet struct {
	EphemeralPublic [32]byte
	Nonce           [nonceLen]byte
	Ciphertext      []byte
}

// Encode serializes the packet to its wire form.
func (p *Packet) Encode() []byte {
	out := make([]byte, 0, 32+nonceLen+len(p.Ciphertext))
	out = append(out, p.EphemeralPublic[:]...)
	out = append(out, p.Nonce[:]...)
	out = append(out, p.Ciphertext...)
	return out
}

// Decode parses a wire packet.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < 32+nonceLen {
		return nil, ErrShortPacket
	}
	p := &Packet{Ciphertext: append([]byte(nil), raw[32+nonceLen:]...)}
	copy(p.EphemeralPublic[:], raw[:32])
	copy(p.Nonce[:], raw[32:32+nonceLen])
	return p, nil
}

// Ephemeral is a single-use X25519 keypair. It is never returned from
// WrapLayer when generated internally: the caller-visible API gives no way
// to recover a discarded ephemeral private key, which makes forward secrecy
// a property of the API surface rather than caller discipline.
type Ephemeral struct {
	Priv [32]byte
	Pub  [32]byte
}

// NewEphemeral generates a fresh X25519 keypair. Priv holds the raw random
// scalar as read; curve25519.X25519 clamps it each time it is used.
func NewEphemeral() (*Ephemeral, error) {
	var e Ephemeral
	if _, err := rand.Read(e.Priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(e.Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(e.Pub[:], pub)
	return &e, nil
}

func deriveKey(shared, sessionID []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, shared, sessionID, []byte("capsule-onion-layer-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := h.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapLayer encrypts next_hop‖payload for a single hop. If ephemeral is nil
// a fresh one is generated and used only for the duration of this call.
func WrapLayer(payload []byte, nextHop [32]byte, hopStaticPublic [32]byte, sessionID [SessionIDLen]byte, ephemeral *Ephemeral) (*Packet, error) {
	eph := ephemeral
	if eph == nil {
		var err error
		eph, err = NewEphemeral()
		if err != nil {
			return nil, err
		}
	}

	shared, err := curve25519.X25519(eph.Priv[:], hopStaticPublic[:])
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(shared, sessionID[:])
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	var nonce [nonceLen]byte
	copy(nonce[:SessionIDLen], sessionID[:])
	if _, err := rand.Read(nonce[SessionIDLen:]); err != nil {
		return nil, err
	}

	cleartext := make([]byte, 0, NextHopSize+len(payload))
	cleartext = append(cleartext, nextHop[:]...)
	cleartext = append(cleartext, payload...)

	ct := aead.Seal(nil, nonce[:], cleartext, nil)

	p := &Packet{Nonce: nonce, Ciphertext: ct}
	copy(p.EphemeralPublic[:], eph.Pub[:])
	return p, nil
}

// UnwrapLayer decrypts one layer using the hop's long-term static private
// key, returning the inner next-hop field, the remaining payload, and the
// session id carried in the nonce prefix. A tag failure returns
// ErrDecryptionFailed without revealing which byte of the cleartext (if any
// partial decrypt occurred) was at fault; AEAD.Open never returns partial
// plaintext on failure.
func UnwrapLayer(p *Packet, hopStaticPrivate [32]byte) (nextHop [32]byte, payload []byte, sessionID [SessionIDLen]byte, err error) {
	copy(sessionID[:], p.Nonce[:SessionIDLen])

	shared, derr := curve25519.X25519(hopStaticPrivate[:], p.EphemeralPublic[:])
	if derr != nil {
		return nextHop, nil, sessionID, ErrDecryptionFailed
	}
	key, kerr := deriveKey(shared, sessionID[:])
	if kerr != nil {
		return nextHop, nil, sessionID, ErrDecryptionFailed
	}
	aead, aerr := chacha20poly1305.NewX(key)
	if aerr != nil {
		return nextHop, nil, sessionID, ErrDecryptionFailed
	}

	cleartext, oerr := aead.Open(nil, p.Nonce[:], p.Ciphertext, nil)
	if oerr != nil || len(cleartext) < NextHopSize {
		return nextHop, nil, sessionID, ErrDecryptionFailed
	}

	copy(nextHop[:], cleartext[:NextHopSize])
	return nextHop, cleartext[NextHopSize:], sessionID, nil
}

// IsLocalDelivery reports whether a next-hop field denotes local delivery
// (all zeros).
func IsLocalDelivery(nextHop [32]byte) bool {
	var zero [32]byte
	return subtle.ConstantTimeCompare(nextHop[:], zero[:]) == 1
}
