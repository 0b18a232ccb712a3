//go:build linux

package kmem

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ProcessMemory reads the user address space of a live process with
// process_vm_readv. Kernel memory is never readable from user space, so
// ReadKernel always fails.
type ProcessMemory struct {
	Pid int
}

// NewProcessMemory returns a reader for the given pid, or for the calling
// process when pid is 0.
func NewProcessMemory(pid int) *ProcessMemory {
	if pid == 0 {
		pid = os.Getpid()
	}
	return &ProcessMemory{Pid: pid}
}

// ReadKernel implements Reader.
func (pm *ProcessMemory) ReadKernel(dst []byte, _ Addr) (int, error) {
	clear(dst)
	return 0, ErrInaccessible
}

// ReadUser implements Reader. The remote range is split on page boundaries
// so a partially mapped range yields the readable prefix.
func (pm *ProcessMemory) ReadUser(dst []byte, src Addr) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	page := Addr(os.Getpagesize())

	local := []unix.Iovec{{Base: &dst[0]}}
	local[0].SetLen(len(dst))

	var remote []unix.RemoteIovec
	for addr, left := src, len(dst); left > 0; {
		chunk := int(page - addr%page)
		if chunk > left {
			chunk = left
		}
		remote = append(remote, unix.RemoteIovec{Base: uintptr(addr), Len: chunk})
		addr += Addr(chunk)
		left -= chunk
	}

	n, err := unix.ProcessVMReadv(pm.Pid, local, remote, 0)
	if n < 0 {
		n = 0
	}
	clear(dst[n:])
	if n == 0 {
		if err == nil || errors.Is(err, unix.EFAULT) {
			return 0, ErrInaccessible
		}
		return 0, fmt.Errorf("%w: pid %d: %v", ErrInaccessible, pm.Pid, err)
	}
	return n, nil
}
