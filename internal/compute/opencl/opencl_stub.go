//go:build !gpu

package opencl

import "github.com/cwbudde/gpustress/internal/compute"

// Available reports whether the OpenCL backend is compiled in.
const Available = false

// Platforms returns ErrNotBuilt when OpenCL support is not compiled in.
func Platforms() ([]compute.Platform, error) {
	return nil, ErrNotBuilt
}
