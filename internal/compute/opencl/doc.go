// Package opencl binds the compute API to OpenCL 1.2 through cgo.
//
// The binding is compiled only with the "gpu" build tag and links against
// libOpenCL; default builds get a stub whose Platforms returns ErrNotBuilt.
package opencl

import "errors"

// ErrNotBuilt indicates the binary was built without OpenCL support.
var ErrNotBuilt = errors.New("opencl support requires building with '-tags gpu'")
