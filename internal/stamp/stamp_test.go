package stamp

import (
	"testing"
	"time"
)

func TestMineAndVerify(t *testing.T) {
	payloadHash := []byte("0123456789abcdef0123456789abcdef")
	const difficulty = 8
	const svc = uint16(0x4201)

	s, err := Mine(payloadHash, difficulty, svc, 1<<20)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if err := Verify(s, payloadHash, difficulty, svc, 3600*time.Second); err != nil {
		t.Fatalf("verify: %v", err)
	}

	raw := s.Encode()
	if len(raw) != Size {
		t.Fatalf("expected %d bytes, got %d", Size, len(raw))
	}
	back, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Verify(back, payloadHash, difficulty, svc, 3600*time.Second); err != nil {
		t.Fatalf("verify after round trip: %v", err)
	}
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	payloadHash := []byte("payload-hash-bytes")
	const difficulty = 6
	const svc = uint16(7)

	s, err := Mine(payloadHash, difficulty, svc, 1<<20)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}

	t.Run("wrong service type", func(t *testing.T) {
		tampered := *s
		tampered.ServiceType = svc + 1
		if err := Verify(&tampered, payloadHash, difficulty, svc, time.Hour); err != ErrServiceMismatch {
			t.Fatalf("expected ErrServiceMismatch, got %v", err)
		}
	})

	t.Run("wrong payload hash", func(t *testing.T) {
		if err := Verify(s, []byte("different"), difficulty, svc, time.Hour); err != ErrInsufficientDifficulty {
			t.Fatalf("expected recompute failure, got %v", err)
		}
	})

	t.Run("difficulty raised above what was mined", func(t *testing.T) {
		if err := Verify(s, payloadHash, difficulty+40, svc, time.Hour); err == nil {
			t.Fatal("expected verify to fail when requiring more difficulty than mined")
		}
	})

	t.Run("expired", func(t *testing.T) {
		tampered := *s
		tampered.TimestampMs = time.Now().Add(-2 * time.Hour).UnixMilli()
		if err := Verify(&tampered, payloadHash, difficulty, svc, time.Hour); err != ErrStampExpired {
			t.Fatalf("expected ErrStampExpired, got %v", err)
		}
	})
}

func TestMineExhaustsIterations(t *testing.T) {
	_, err := Mine([]byte("x"), 255, 1, 4)
	if err != ErrMiningExhausted {
		t.Fatalf("expected ErrMiningExhausted, got %v", err)
	}
}
