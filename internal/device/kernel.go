package device

import (
	"encoding/binary"
	"sync"
)

// KernelFunc executes a single work item. args are the buffers bound at
// enqueue time, in order.
type KernelFunc func(gid uint32, args []Mem)

// Kernel is a named program stage in the host ABI.
type Kernel struct {
	Name string
	Run  KernelFunc
}

// Mem is a host view of buffer memory handed to kernels. Word accessors are
// little endian, matching the byte order of the blobs the dispatcher uploads.
type Mem struct {
	b  []byte
	mu *sync.Mutex
}

// NewMem wraps b; mu guards AtomicAdd32 and may be shared by all views of b.
func NewMem(b []byte, mu *sync.Mutex) Mem {
	if mu == nil {
		mu = new(sync.Mutex)
	}
	return Mem{b: b, mu: mu}
}

func (m Mem) Bytes() []byte { return m.b }

func (m Mem) Len() int { return len(m.b) }

func (m Mem) Uint32(word int) uint32 {
	return binary.LittleEndian.Uint32(m.b[word*4:])
}

func (m Mem) PutUint32(word int, v uint32) {
	binary.LittleEndian.PutUint32(m.b[word*4:], v)
}

func (m Mem) Uint64(off int) uint64 {
	return binary.LittleEndian.Uint64(m.b[off:])
}

func (m Mem) PutUint64(off int, v uint64) {
	binary.LittleEndian.PutUint64(m.b[off:], v)
}

// AtomicAdd32 adds delta to the word and returns its previous value.
func (m Mem) AtomicAdd32(word int, delta uint32) uint32 {
	m.mu.Lock()
	old := m.Uint32(word)
	m.PutUint32(word, old+delta)
	m.mu.Unlock()
	return old
}
