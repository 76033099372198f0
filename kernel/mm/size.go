package mm

import "fmt"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages required to hold a block of this size.
func (s Size) Pages() uint64 {
	return (uint64(s) + uint64(PageSize) - 1) >> PageShift
}

// String implements fmt.Stringer.
func (s Size) String() string {
	switch {
	case s >= Gb && s%Gb == 0:
		return fmt.Sprintf("%dGb", s/Gb)
	case s >= Mb && s%Mb == 0:
		return fmt.Sprintf("%dMb", s/Mb)
	case s >= Kb && s%Kb == 0:
		return fmt.Sprintf("%dKb", s/Kb)
	default:
		return fmt.Sprintf("%d bytes", uint64(s))
	}
}
