//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package datapool

// OpenFile is not available on this platform
func OpenFile(string, int, bool) (Datapool, error) {
	return nil, ErrUnsupported
}
