package sha256d

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"

	"minerd/internal/device"
)

// Dispatch blob words.
const (
	wordHashCount = iota
	wordTargetHi
	wordTargetLo
	wordMaxNonces
	wordNonceBase
)

// Offsets in the work blob.
const (
	headerTail = 64 // second SHA-256 block of the header
	midstateAt = 80
)

// sha256.digest marshaled form: magic, state, block buffer, length.
const (
	stateMagic = "sha\x03"
	stateSize  = len(stateMagic) + 32 + sha256.BlockSize + 8
)

// hashKernel resumes from the midstate, hashes the header tail with the work
// item's nonce, hashes again and stores the top 64 bits of the result.
//
// args: work blob, dispatch blob, hash scratch (8 bytes per work item).
var hashKernel = device.Kernel{Name: "sha256d_hash", Run: hashItem}

// compareKernel appends every nonce whose hash top does not exceed the target
// to the nonce buffer. The count keeps growing past capacity so the host can
// tell an overflow.
//
// args: dispatch blob, hash scratch, nonce buffer.
var compareKernel = device.Kernel{Name: "sha256d_compare", Run: compareItem}

func hashItem(gid uint32, args []device.Mem) {
	wb, disp, out := args[0].Bytes(), args[1], args[2]
	nonce := disp.Uint32(wordNonceBase) + gid

	var state [stateSize]byte
	copy(state[:], stateMagic)
	copy(state[len(stateMagic):], wb[midstateAt:midstateAt+32])
	binary.BigEndian.PutUint64(state[stateSize-8:], sha256.BlockSize)
	h := sha256.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state[:]); err != nil {
		panic(err)
	}

	var tail [16]byte
	copy(tail[:], wb[headerTail:headerTail+16])
	binary.LittleEndian.PutUint32(tail[12:], nonce)
	h.Write(tail[:])
	var first [sha256.Size]byte
	final := sha256.Sum256(h.Sum(first[:0]))

	out.PutUint64(int(gid)*8, binary.LittleEndian.Uint64(final[24:]))
}

func compareItem(gid uint32, args []device.Mem) {
	disp, hashes, nonces := args[0], args[1], args[2]
	target := uint64(disp.Uint32(wordTargetHi))<<32 | uint64(disp.Uint32(wordTargetLo))
	if hashes.Uint64(int(gid)*8) > target {
		return
	}
	slot := nonces.AtomicAdd32(0, 1)
	if slot < disp.Uint32(wordMaxNonces) {
		nonces.PutUint32(1+int(slot), disp.Uint32(wordNonceBase)+gid)
	}
}

// midstate is the SHA-256 state after the first 64 header bytes, as big
// endian words.
func midstate(header []byte) [32]byte {
	h := sha256.New()
	h.Write(header[:sha256.BlockSize])
	state, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(err)
	}
	var m [32]byte
	copy(m[:], state[len(stateMagic):])
	return m
}
