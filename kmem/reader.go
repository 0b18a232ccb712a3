// Package kmem implements bounded copies out of kernel and process address
// spaces. Every read is limited by the capacity of the destination buffer and
// an unmapped source is reported as an error, never as a fault.
package kmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Addr is a virtual address in either the kernel or a process address space.
type Addr uint64

// PtrSize is the width of a kernel pointer on the supported 64-bit targets.
const PtrSize = 8

var (
	// ErrInaccessible is returned when no byte of the requested range is mapped.
	ErrInaccessible = errors.New("kmem: address range inaccessible")
	// ErrShortRead is returned by the exact-width helpers when only a prefix
	// of the range could be copied.
	ErrShortRead = errors.New("kmem: short read")
	// ErrNullPointer is returned when a pointer chain reaches NULL.
	ErrNullPointer = errors.New("kmem: null pointer in chain")
)

// Reader copies at most len(dst) bytes from src into dst and returns the
// number of bytes copied. Bytes of dst past the returned count are zeroed.
// When the first byte of the range is unmapped the result is
// (0, ErrInaccessible).
type Reader interface {
	ReadKernel(dst []byte, src Addr) (int, error)
	ReadUser(dst []byte, src Addr) (int, error)
}

// ReadKernelFull copies exactly len(dst) bytes of kernel memory.
func ReadKernelFull(r Reader, dst []byte, src Addr) error {
	n, err := r.ReadKernel(dst, src)
	if err != nil {
		return err
	}
	if n != len(dst) {
		clear(dst)
		return fmt.Errorf("%w: %d of %d bytes at %#x", ErrShortRead, n, len(dst), uint64(src))
	}
	return nil
}

// ReadUserString copies a NUL-terminated string from user memory into dst,
// stopping at the first NUL or at len(dst)-1 bytes. dst is always
// terminated. The returned length includes the terminator.
func ReadUserString(r Reader, dst []byte, src Addr) (int, error) {
	return readString(r.ReadUser, dst, src)
}

// ReadKernelString is ReadUserString for kernel memory.
func ReadKernelString(r Reader, dst []byte, src Addr) (int, error) {
	return readString(r.ReadKernel, dst, src)
}

func readString(read func([]byte, Addr) (int, error), dst []byte, src Addr) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	n, err := read(dst, src)
	if err != nil {
		dst[0] = 0
		return 0, err
	}
	for i := 0; i < n; i++ {
		if dst[i] == 0 {
			clear(dst[i:])
			return i + 1, nil
		}
	}
	if n == len(dst) {
		dst[n-1] = 0
		return n, nil
	}
	// The mapping ended before a terminator; keep what was readable.
	dst[n] = 0
	return n + 1, nil
}

// U16 reads a little-endian 16-bit kernel value.
func U16(r Reader, src Addr) (uint16, error) {
	var b [2]byte
	if err := ReadKernelFull(r, b[:], src); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// U32 reads a little-endian 32-bit kernel value.
func U32(r Reader, src Addr) (uint32, error) {
	var b [4]byte
	if err := ReadKernelFull(r, b[:], src); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// U64 reads a little-endian 64-bit kernel value.
func U64(r Reader, src Addr) (uint64, error) {
	var b [8]byte
	if err := ReadKernelFull(r, b[:], src); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Ptr reads a kernel pointer.
func Ptr(r Reader, src Addr) (Addr, error) {
	v, err := U64(r, src)
	return Addr(v), err
}

// Chain follows a chain of pointer-valued fields starting at base and
// returns the address of the final field. For offsets [a, b, c] it reads the
// pointer at base+a, then the pointer at that value plus b, and returns the
// last pointer plus c. A NULL pointer anywhere in the chain is an error.
func Chain(r Reader, base Addr, offsets ...uint64) (Addr, error) {
	if base == 0 {
		return 0, ErrNullPointer
	}
	addr := base
	for i, off := range offsets {
		if i == len(offsets)-1 {
			return addr + Addr(off), nil
		}
		p, err := Ptr(r, addr+Addr(off))
		if err != nil {
			return 0, err
		}
		if p == 0 {
			return 0, fmt.Errorf("%w: link %d", ErrNullPointer, i)
		}
		addr = p
	}
	return addr, nil
}

// ChainU32 follows Chain and reads the 32-bit value at its end.
func ChainU32(r Reader, base Addr, offsets ...uint64) (uint32, error) {
	addr, err := Chain(r, base, offsets...)
	if err != nil {
		return 0, err
	}
	return U32(r, addr)
}

// ChainU64 follows Chain and reads the 64-bit value at its end.
func ChainU64(r Reader, base Addr, offsets ...uint64) (uint64, error) {
	addr, err := Chain(r, base, offsets...)
	if err != nil {
		return 0, err
	}
	return U64(r, addr)
}

// ChainPtr follows Chain and reads the pointer at its end.
func ChainPtr(r Reader, base Addr, offsets ...uint64) (Addr, error) {
	addr, err := Chain(r, base, offsets...)
	if err != nil {
		return 0, err
	}
	return Ptr(r, addr)
}
