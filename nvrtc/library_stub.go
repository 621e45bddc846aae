//go:build !cuda || !cgo

package nvrtc

func loadLibrary() (Library, error) {
	return nil, ErrNotBuilt
}
