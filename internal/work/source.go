package work

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Source supplies work units. Implementations backed by a pool session return
// a fresh unit (new nonce2 or new job) on every call.
type Source interface {
	Next(ctx context.Context) (Unit, error)
}

// StaticConfig describes a fixed block template, used for benchmarking and
// for running without a pool.
type StaticConfig struct {
	Version    int32   `json:"version" yaml:"version" toml:"version"`
	PrevBlock  string  `json:"prev_block" yaml:"prev_block" toml:"prev_block"`
	MerkleRoot string  `json:"merkle_root" yaml:"merkle_root" toml:"merkle_root"`
	Bits       uint32  `json:"bits" yaml:"bits" toml:"bits"`
	Difficulty float64 `json:"difficulty" yaml:"difficulty" toml:"difficulty"`
}

// StaticSource rolls nonce2 over a fixed template. Each nonce2 yields a
// distinct merkle root, the way an extranonce in the coinbase would.
type StaticSource struct {
	version int32
	prev    chainhash.Hash
	merkle  chainhash.Hash
	bits    uint32
	target  *big.Int
	now     func() time.Time

	mu     sync.Mutex
	nonce2 uint64
}

// NewStaticSource validates cfg. now may be nil.
func NewStaticSource(cfg StaticConfig, now func() time.Time) (*StaticSource, error) {
	s := &StaticSource{version: cfg.Version, bits: cfg.Bits, now: now}
	if s.version == 0 {
		s.version = 0x20000000
	}
	if s.bits == 0 {
		s.bits = diffOneBits
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.PrevBlock != "" {
		h, err := chainhash.NewHashFromStr(cfg.PrevBlock)
		if err != nil {
			return nil, fmt.Errorf("prev_block: %w", err)
		}
		s.prev = *h
	}
	if cfg.MerkleRoot != "" {
		h, err := chainhash.NewHashFromStr(cfg.MerkleRoot)
		if err != nil {
			return nil, fmt.Errorf("merkle_root: %w", err)
		}
		s.merkle = *h
	}
	if cfg.Difficulty > 0 {
		t, err := ShareTarget(cfg.Difficulty, 1)
		if err != nil {
			return nil, err
		}
		s.target = t
	} else {
		s.target = TargetFromBits(s.bits)
	}
	return s, nil
}

func (s *StaticSource) Next(ctx context.Context) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, err
	}
	s.mu.Lock()
	n2 := s.nonce2
	s.nonce2++
	s.mu.Unlock()

	var roll [chainhash.HashSize + 8]byte
	copy(roll[:], s.merkle[:])
	binary.LittleEndian.PutUint64(roll[chainhash.HashSize:], n2)
	merkle := chainhash.DoubleHashH(roll[:])

	hdr := wire.NewBlockHeader(s.version, &s.prev, &merkle, s.bits, 0)
	hdr.Timestamp = time.Unix(s.now().Unix(), 0)
	return FromHeader(fmt.Sprintf("static-%x", n2), hdr, s.target, n2)
}
