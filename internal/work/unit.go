// Package work models the immutable mining work handed to devices and checks
// device-reported nonces on the host.
package work

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderSize is the serialized size of a block header.
const HeaderSize = wire.MaxBlockHeaderPayload

// nonceOffset is where the nonce sits in a serialized header.
const nonceOffset = 76

// diffOneBits is the compact target of difficulty 1.
const diffOneBits = 0x1d00ffff

// Unit is one work snapshot. Values are copied, never shared.
type Unit struct {
	Job    string
	Header [HeaderSize]byte
	// Target is the share target as a little-endian 256-bit integer.
	Target [32]byte
	Nonce2 uint64
}

// FromHeader serializes hdr into a Unit with the given share target.
func FromHeader(job string, hdr *wire.BlockHeader, target *big.Int, nonce2 uint64) (Unit, error) {
	u := Unit{Job: job, Nonce2: nonce2}
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	if err := hdr.Serialize(&buf); err != nil {
		return u, fmt.Errorf("serialize header: %w", err)
	}
	copy(u.Header[:], buf.Bytes())
	if err := u.SetTarget(target); err != nil {
		return u, err
	}
	return u, nil
}

// SetTarget stores t; it must fit 256 bits and be positive.
func (u *Unit) SetTarget(t *big.Int) error {
	if t == nil || t.Sign() <= 0 {
		return fmt.Errorf("work: target must be positive")
	}
	be := t.Bytes()
	if len(be) > len(u.Target) {
		return fmt.Errorf("work: target exceeds 256 bits")
	}
	u.Target = [32]byte{}
	for i, b := range be {
		u.Target[len(be)-1-i] = b
	}
	return nil
}

// TargetInt returns the target as a big integer.
func (u Unit) TargetInt() *big.Int {
	be := make([]byte, len(u.Target))
	for i, b := range u.Target {
		be[len(be)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

// Target64 is the most significant 64 bits of the target, the value devices
// compare the top of each hash against.
func (u Unit) Target64() uint64 {
	return binary.LittleEndian.Uint64(u.Target[24:])
}

// NTime is the header timestamp, used when submitting shares.
func (u Unit) NTime() uint32 {
	return binary.LittleEndian.Uint32(u.Header[68:])
}

// BlockHeader decodes the stored header.
func (u Unit) BlockHeader() (wire.BlockHeader, error) {
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(u.Header[:])); err != nil {
		return h, fmt.Errorf("deserialize header: %w", err)
	}
	return h, nil
}

// WithNonce returns the header bytes with nonce patched in.
func (u Unit) WithNonce(nonce uint32) [HeaderSize]byte {
	h := u.Header
	binary.LittleEndian.PutUint32(h[nonceOffset:], nonce)
	return h
}

// Hash is the double SHA-256 of the header carrying nonce.
func (u Unit) Hash(nonce uint32) chainhash.Hash {
	h := u.WithNonce(nonce)
	return chainhash.DoubleHashH(h[:])
}

// Check re-hashes nonce on the host and compares the full 256-bit value
// against the target.
func (u Unit) Check(nonce uint32) (chainhash.Hash, bool) {
	h := u.Hash(nonce)
	return h, blockchain.HashToBig(&h).Cmp(u.TargetInt()) <= 0
}

// TargetFromBits expands a compact nBits value.
func TargetFromBits(bits uint32) *big.Int {
	return blockchain.CompactToBig(bits)
}

// ShareTarget derives the target for a pool difficulty. diffOneMul scales the
// difficulty-1 target for algorithms whose pools count difficulty differently
// (1 for SHA-256d).
func ShareTarget(difficulty float64, diffOneMul uint64) (*big.Int, error) {
	if difficulty <= 0 {
		return nil, fmt.Errorf("work: difficulty must be positive, got %v", difficulty)
	}
	if diffOneMul == 0 {
		diffOneMul = 1
	}
	one := new(big.Float).SetInt(TargetFromBits(diffOneBits))
	one.Mul(one, new(big.Float).SetUint64(diffOneMul))
	t, _ := one.Quo(one, big.NewFloat(difficulty)).Int(nil)
	if t.Sign() <= 0 {
		return nil, fmt.Errorf("work: difficulty %v too high", difficulty)
	}
	limit := new(big.Int).Lsh(big.NewInt(1), 256)
	if t.Cmp(limit) >= 0 {
		t.Sub(limit, big.NewInt(1))
	}
	return t, nil
}
