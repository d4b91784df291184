// Package identity derives and persists the node's long-term signing and
// handshake keys. The key file at rest is a sealed envelope (magic prefix ‖
// salt ‖ nonce ‖ ciphertext) under an Argon2id-derived key and
// XChaCha20-Poly1305. The node identifier is the SHA-256 hash of the
// signing public key; it has no binding to the device the key was
// generated on.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/hoshizora-labs/capsule/internal/routing"
)

var fileMagic = [4]byte{'C', 'I', 'D', '1'}

const saltLen = 16

var ErrCorruptIdentityFile = errors.New("identity: file too short or bad magic")

// Identity holds the node's long-term signing keypair (ed25519, used for
// future auth-step signatures) and static X25519 keypair (used as the hop
// key in onion wrap/unwrap).
type Identity struct {
	SigningPriv ed25519.PrivateKey
	SigningPub  ed25519.PublicKey
	StaticPriv  [32]byte
	StaticPub   [32]byte
	NodeID      routing.NodeID
}

// Generate creates a fresh identity. The ed25519 seed is expanded from
// random input key material via HKDF, keeping the seed derivation step
// separate from the entropy source.
func Generate() (*Identity, error) {
	ikm := make([]byte, 32)
	if _, err := rand.Read(ikm); err != nil {
		return nil, err
	}
	hk := hkdf.New(sha256.New, ikm, nil, []byte("capsule-identity-seed-v1"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hk, seed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	var staticPriv [32]byte
	if _, err := rand.Read(staticPriv[:]); err != nil {
		return nil, err
	}
	staticPubSlice, err := curve25519.X25519(staticPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var staticPub [32]byte
	copy(staticPub[:], staticPubSlice)

	return &Identity{
		SigningPriv: priv,
		SigningPub:  pub,
		StaticPriv:  staticPriv,
		StaticPub:   staticPub,
		NodeID:      deriveNodeID(pub),
	}, nil
}

// deriveNodeID computes the node identifier: the SHA-256 hash of the
// long-term ed25519 signing public key.
func deriveNodeID(pub ed25519.PublicKey) routing.NodeID {
	return sha256.Sum256(pub)
}

func kdf(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 2, 64*1024, 1, 32)
}

// Seal writes the identity's private key material to path, encrypted under
// a passphrase-derived key, mode 0600.
func (id *Identity) Seal(path string, passphrase []byte) error {
	plain := make([]byte, 0, ed25519.SeedSize+32)
	plain = append(plain, id.SigningPriv.Seed()...)
	plain = append(plain, id.StaticPriv[:]...)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := kdf(passphrase, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, len(fileMagic)+saltLen+len(nonce)+len(ct))
	out = append(out, fileMagic[:]...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)

	return os.WriteFile(path, out, 0600)
}

// Load decrypts an identity file written by Seal and reconstructs the
// derived public keys and NodeId.
func Load(path string, passphrase []byte) (*Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	min := len(fileMagic) + saltLen + chacha20poly1305.NonceSizeX
	if len(b) < min || string(b[:len(fileMagic)]) != string(fileMagic[:]) {
		return nil, ErrCorruptIdentityFile
	}

	off := len(fileMagic)
	salt := b[off : off+saltLen]
	off += saltLen
	nonce := b[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	ct := b[off:]

	key := kdf(passphrase, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.New("identity: decrypt failed (wrong passphrase?)")
	}
	if len(plain) != ed25519.SeedSize+32 {
		return nil, ErrCorruptIdentityFile
	}

	signingPriv := ed25519.NewKeyFromSeed(plain[:ed25519.SeedSize])
	var staticPriv [32]byte
	copy(staticPriv[:], plain[ed25519.SeedSize:])
	staticPubSlice, err := curve25519.X25519(staticPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var staticPub [32]byte
	copy(staticPub[:], staticPubSlice)

	pub := signingPriv.Public().(ed25519.PublicKey)
	return &Identity{
		SigningPriv: signingPriv,
		SigningPub:  pub,
		StaticPriv:  staticPriv,
		StaticPub:   staticPub,
		NodeID:      deriveNodeID(pub),
	}, nil
}

// LoadOrGenerate loads the identity at path if present, otherwise generates
// and seals a fresh one there.
func LoadOrGenerate(path string, passphrase []byte) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path, passphrase)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Seal(path, passphrase); err != nil {
		return nil, err
	}
	return id, nil
}
