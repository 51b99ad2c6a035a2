// Package backend maps backend names to compute platform enumerators.
package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cwbudde/gpustress/internal/compute"
	"github.com/cwbudde/gpustress/internal/compute/host"
	"github.com/cwbudde/gpustress/internal/compute/opencl"
)

// Backend identifies a compute API implementation.
type Backend string

const (
	OpenCL Backend = "opencl"
	Host   Backend = "host"
)

// ErrUnknownBackend is returned when the name does not match a known backend.
var ErrUnknownBackend = errors.New("unknown compute backend")

// Normalize maps arbitrary user input to a canonical backend identifier.
func Normalize(name string) Backend {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "opencl", "cl", "gpu":
		return OpenCL
	case "host", "cpu", "go":
		return Host
	default:
		return Backend(name)
	}
}

// Supported returns the backends understood by Platforms.
func Supported() []Backend {
	return []Backend{OpenCL, Host}
}

// Platforms enumerates the platforms of the named backend.
func Platforms(name string) ([]compute.Platform, error) {
	switch b := Normalize(name); b {
	case OpenCL:
		platforms, err := opencl.Platforms()
		if err != nil {
			return nil, fmt.Errorf("enumerate OpenCL platforms: %w", err)
		}
		return platforms, nil
	case Host:
		return host.Platforms()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
}
