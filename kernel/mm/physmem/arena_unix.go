//go:build unix

package physmem

import "golang.org/x/sys/unix"

// allocArena maps an anonymous private region. The kernel zero-fills mapped
// pages so freshly booted RAM reads as zero.
func allocArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeArena(mem []byte) error {
	return unix.Munmap(mem)
}
