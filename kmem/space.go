package kmem

import (
	"sort"
	"sync"
)

// Default bases for the two synthetic address spaces.
const (
	KernelBase Addr = 0xffff888000000000
	UserBase   Addr = 0x00007f0000000000

	// guardGap separates consecutive allocations so an overrun lands on
	// unmapped memory.
	guardGap = 4096
)

type region struct {
	base Addr
	data []byte
}

func (r region) end() Addr { return r.base + Addr(len(r.data)) }

type addressSpace struct {
	regions []region
	next    Addr
}

func (as *addressSpace) find(addr Addr) (region, bool) {
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].end() > addr
	})
	if i < len(as.regions) && as.regions[i].base <= addr {
		return as.regions[i], true
	}
	return region{}, false
}

func (as *addressSpace) insert(r region) {
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].base >= r.base
	})
	as.regions = append(as.regions, region{})
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
}

func (as *addressSpace) alloc(size int) (Addr, []byte) {
	base := as.next
	data := make([]byte, size)
	as.insert(region{base: base, data: data})
	as.next = base + Addr(roundUp(size, 8)) + guardGap
	return base, data
}

func (as *addressSpace) read(dst []byte, src Addr) (int, error) {
	copied := 0
	for copied < len(dst) {
		r, ok := as.find(src + Addr(copied))
		if !ok {
			break
		}
		off := int(src + Addr(copied) - r.base)
		copied += copy(dst[copied:], r.data[off:])
	}
	clear(dst[copied:])
	if copied == 0 && len(dst) > 0 {
		return 0, ErrInaccessible
	}
	return copied, nil
}

// Space is a sparse, synthetic pair of kernel and user address spaces. It
// implements Reader and is safe for concurrent use once populated.
type Space struct {
	mu     sync.RWMutex
	kernel addressSpace
	user   addressSpace
}

// NewSpace returns an empty Space.
func NewSpace() *Space {
	return &Space{
		kernel: addressSpace{next: KernelBase},
		user:   addressSpace{next: UserBase},
	}
}

// AllocKernel maps size zeroed bytes of kernel memory and returns the base
// address together with the backing slice. Writes through the slice are
// visible to readers.
func (s *Space) AllocKernel(size int) (Addr, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernel.alloc(size)
}

// AllocUser maps size zeroed bytes of user memory.
func (s *Space) AllocUser(size int) (Addr, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user.alloc(size)
}

// MapKernel maps data at a caller-chosen kernel address.
func (s *Space) MapKernel(base Addr, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kernel.insert(region{base: base, data: data})
}

// MapUser maps data at a caller-chosen user address.
func (s *Space) MapUser(base Addr, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user.insert(region{base: base, data: data})
}

// ReadKernel implements Reader.
func (s *Space) ReadKernel(dst []byte, src Addr) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kernel.read(dst, src)
}

// ReadUser implements Reader.
func (s *Space) ReadUser(dst []byte, src Addr) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.read(dst, src)
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
