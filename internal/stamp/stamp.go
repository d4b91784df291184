// Package stamp implements the entropy-stamp admission-control token: a
// memory-hard proof of work, verified before any payload allocation happens
// on the ingress path (see internal/transport).
package stamp

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/argon2"
)

// Size is the fixed wire size of a stamp: 32-byte hash, 1-byte difficulty,
// 2-byte memory-cost parameter, 8-byte timestamp, 2-byte service-type, and
// 13 reserved bytes carrying the mining nonce, the only place a counter
// can live in the fixed 58-byte envelope.
const Size = 58

const (
	hashLen    = 32
	nonceLen   = 13
	defaultMem = 2048 // KiB (2 MiB)
)

var (
	ErrStampMissing           = errors.New("stamp: missing or truncated")
	ErrServiceMismatch        = errors.New("stamp: service-type mismatch")
	ErrStampExpired           = errors.New("stamp: timestamp outside freshness window")
	ErrInsufficientDifficulty = errors.New("stamp: fewer leading zero bits than required")
	ErrMiningExhausted        = errors.New("stamp: max_iterations exhausted without a solution")
)

// Stamp is the decoded 58-byte entropy stamp.
type Stamp struct {
	Hash        [hashLen]byte
	Difficulty  byte
	MemCostKiB  uint16
	TimestampMs int64
	ServiceType uint16
	Nonce       [nonceLen]byte
}

// Encode serializes the stamp to its fixed 58-byte wire form.
func (s *Stamp) Encode() []byte {
	out := make([]byte, Size)
	copy(out[0:32], s.Hash[:])
	out[32] = s.Difficulty
	binary.BigEndian.PutUint16(out[33:35], s.MemCostKiB)
	binary.BigEndian.PutUint64(out[35:43], uint64(s.TimestampMs))
	binary.BigEndian.PutUint16(out[43:45], s.ServiceType)
	copy(out[45:58], s.Nonce[:])
	return out
}

// Decode parses a 58-byte wire stamp.
func Decode(raw []byte) (*Stamp, error) {
	if len(raw) < Size {
		return nil, ErrStampMissing
	}
	s := &Stamp{
		Difficulty:  raw[32],
		MemCostKiB:  binary.BigEndian.Uint16(raw[33:35]),
		TimestampMs: int64(binary.BigEndian.Uint64(raw[35:43])),
		ServiceType: binary.BigEndian.Uint16(raw[43:45]),
	}
	copy(s.Hash[:], raw[0:32])
	copy(s.Nonce[:], raw[45:58])
	return s, nil
}

// derive recomputes the memory-hard hash bound to (payloadHash, serviceType,
// difficulty, memCostKiB, timestampMs, nonce). The nonce is the Argon2id
// password (the value the miner walks); everything else that must bind the
// stamp to its context is folded into the salt.
func derive(payloadHash []byte, serviceType uint16, difficulty byte, memCostKiB uint16, timestampMs int64, nonce [nonceLen]byte) [hashLen]byte {
	salt := make([]byte, 0, len(payloadHash)+2+1+2+8)
	salt = append(salt, payloadHash...)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], serviceType)
	salt = append(salt, tmp[:]...)
	salt = append(salt, difficulty)
	binary.BigEndian.PutUint16(tmp[:], memCostKiB)
	salt = append(salt, tmp[:]...)
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], uint64(timestampMs))
	salt = append(salt, tmp8[:]...)

	out := argon2.IDKey(nonce[:], salt, 1, uint32(memCostKiB), 1, hashLen)
	var h [hashLen]byte
	copy(h[:], out)
	return h
}

func leadingZeroBits(h [hashLen]byte) int {
	n := 0
	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if b&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

// Mine walks a nonce until the derived hash has at least difficulty leading
// zero bits, bounded by maxIterations.
func Mine(payloadHash []byte, difficulty byte, serviceType uint16, maxIterations int) (*Stamp, error) {
	now := time.Now().UnixMilli()
	var nonce [nonceLen]byte
	for i := 0; i < maxIterations; i++ {
		putCounter(nonce[:], uint64(i))
		h := derive(payloadHash, serviceType, difficulty, defaultMem, now, nonce)
		if leadingZeroBits(h) >= int(difficulty) {
			return &Stamp{
				Hash:        h,
				Difficulty:  difficulty,
				MemCostKiB:  defaultMem,
				TimestampMs: now,
				ServiceType: serviceType,
				Nonce:       nonce,
			}, nil
		}
	}
	return nil, ErrMiningExhausted
}

func putCounter(b []byte, v uint64) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-8; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// Verify checks a stamp in the documented order: service-type match,
// freshness, difficulty bit count, then hash recompute.
func Verify(s *Stamp, payloadHash []byte, minDifficulty byte, serviceType uint16, maxAge time.Duration) error {
	if s.ServiceType != serviceType {
		return ErrServiceMismatch
	}
	now := time.Now().UnixMilli()
	age := time.Duration(now-s.TimestampMs) * time.Millisecond
	if age < -60*time.Second {
		return ErrStampExpired // timestamp too far in the future
	}
	if age > maxAge {
		return ErrStampExpired // older than the configured max age
	}
	if leadingZeroBits(s.Hash) < int(minDifficulty) {
		return ErrInsufficientDifficulty
	}
	recomputed := derive(payloadHash, s.ServiceType, s.Difficulty, s.MemCostKiB, s.TimestampMs, s.Nonce)
	if recomputed != s.Hash {
		return ErrInsufficientDifficulty
	}
	return nil
}
