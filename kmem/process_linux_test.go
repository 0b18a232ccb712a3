//go:build linux

package kmem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessMemoryReadsOwnAddressSpace(t *testing.T) {
	src := []byte("true\x00--flag\x00")
	pm := NewProcessMemory(0)

	dst := make([]byte, len(src))
	n, err := pm.ReadUser(dst, Addr(uintptr(unsafe.Pointer(&src[0]))))
	require.NoError(t, err)
	assert.Equal(t, len(src), n)
	assert.Equal(t, src, dst)
}

func TestProcessMemoryUnmapped(t *testing.T) {
	pm := NewProcessMemory(0)
	dst := make([]byte, 16)
	_, err := pm.ReadUser(dst, 8)
	assert.ErrorIs(t, err, ErrInaccessible)
}

func TestProcessMemoryKernelIsInaccessible(t *testing.T) {
	pm := NewProcessMemory(0)
	_, err := pm.ReadKernel(make([]byte, 8), KernelBase)
	assert.ErrorIs(t, err, ErrInaccessible)
}
