//go:build !windows

package memalloc

import (
	"fmt"
	"runtime"
)

// Alloc is unavailable outside Windows: this system targets Windows PE
// guests exclusively (spec non-goal), and there is no portable equivalent
// of VirtualAlloc/VirtualProtect this package would fall back to.
func Alloc(size int, prot Protection) (Region, error) {
	return nil, fmt.Errorf("memalloc: RWX allocation requires windows (GOOS=%s unsupported)", runtime.GOOS)
}

// CurrentImageBase is unavailable outside Windows for the same reason.
func CurrentImageBase() (uint64, error) {
	return 0, fmt.Errorf("memalloc: image base query requires windows (GOOS=%s unsupported)", runtime.GOOS)
}
