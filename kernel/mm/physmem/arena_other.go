//go:build !unix

package physmem

func allocArena(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeArena([]byte) error { return nil }
