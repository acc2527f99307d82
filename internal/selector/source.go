package selector

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"sync"

	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/crypto"
	"go.uber.org/atomic"
)

// Source kinds accepted by New.
const (
	KindCrypto = "crypto"
	KindHash   = "hash"
	KindSeeded = "seeded"
)

var ErrUnknownSource = errors.New("unknown random source")

// CryptoSource draws from the operating system CSPRNG.
type CryptoSource struct{}

// Uint64n returns a uniform value in [0, n).
func (CryptoSource) Uint64n(n uint64) (uint64, error) {
	v, err := rand.Int(rand.Reader, new(big.Int).SetUint64(n))
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// SeededSource is a deterministic PCG stream for simulations and tests.
// It is predictable and must not back a live deployment.
type SeededSource struct {
	mu sync.Mutex
	r  *mrand.Rand
}

// NewSeededSource creates a PCG stream from seed.
func NewSeededSource(seed uint64) *SeededSource {
	return &SeededSource{r: mrand.New(mrand.NewPCG(seed, 0x6c6f6f74))}
}

// Uint64n returns the next value in [0, n).
func (s *SeededSource) Uint64n(n uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Uint64N(n), nil
}

// HashSource derives values from BLAKE3(seed, epoch, counter). Anyone who
// knows the committed seed can recompute every draw, which makes outcomes
// auditable. Whoever chooses the seed can predict all outcomes, in the same
// way block producers could with a block-derived seed, so the seed must be
// committed before sales open and kept secret until then.
type HashSource struct {
	seed    []byte
	epoch   uint64
	counter atomic.Uint64
}

// NewHashSource creates a source for one process lifetime (epoch).
// The epoch must differ between restarts so counters never repeat.
func NewHashSource(seed []byte, epoch uint64) (*HashSource, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("hash source seed must be at least 16 bytes, got %d", len(seed))
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &HashSource{seed: s, epoch: epoch}, nil
}

// Uint64n returns a uniform value in [0, n), rejecting the biased tail.
func (h *HashSource) Uint64n(n uint64) (uint64, error) {
	threshold := -n % n
	for {
		v := HashValue(h.seed, h.epoch, h.counter.Inc()-1)
		if v >= threshold {
			return v % n, nil
		}
	}
}

// Position returns how many values have been consumed in this epoch.
func (h *HashSource) Position() uint64 {
	return h.counter.Load()
}

// HashValue is the raw 64-bit value at (epoch, counter) for seed.
func HashValue(seed []byte, epoch, counter uint64) uint64 {
	var e, c [8]byte
	binary.BigEndian.PutUint64(e[:], epoch)
	binary.BigEndian.PutUint64(c[:], counter)
	d := crypto.TaggedHash("klingnet-loot/draw", seed, e[:], c[:])
	return binary.BigEndian.Uint64(d[:8])
}

var keyEpoch = []byte("rnd/epoch")

// NextEpoch increments and returns the persisted draw epoch.
func NextEpoch(db storage.DB) (uint64, error) {
	var epoch uint64
	data, err := db.Get(keyEpoch)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("read epoch: %w", err)
	case len(data) == 8:
		epoch = binary.BigEndian.Uint64(data)
	default:
		return 0, fmt.Errorf("corrupt epoch record (%d bytes)", len(data))
	}
	if epoch == math.MaxUint64 {
		return 0, errors.New("epoch counter exhausted")
	}
	epoch++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	if err := db.Put(keyEpoch, buf[:]); err != nil {
		return 0, fmt.Errorf("write epoch: %w", err)
	}
	return epoch, nil
}

// New builds a source by kind. seed is used by the hash and seeded kinds;
// db supplies the hash source's epoch.
func New(kind string, seed []byte, db storage.DB) (Source, error) {
	switch kind {
	case "", KindCrypto:
		return CryptoSource{}, nil
	case KindHash:
		epoch, err := NextEpoch(db)
		if err != nil {
			return nil, err
		}
		return NewHashSource(seed, epoch)
	case KindSeeded:
		var s [8]byte
		copy(s[:], seed)
		return NewSeededSource(binary.BigEndian.Uint64(s[:])), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, kind)
	}
}
