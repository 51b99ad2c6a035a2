// Package config holds the validated settings shared by every stress session.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/cwbudde/gpustress/internal/selector"
)

// MaxKItersNum is the largest inner iteration count the calibrator tries.
const MaxKItersNum = 25

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the immutable run configuration. Sessions receive a copy at
// construction.
type Config struct {
	UseCPUs bool
	UseGPUs bool
	// ExcludePlatforms skips platforms whose name contains any entry.
	ExcludePlatforms []string

	// Backend is the compute backend name (opencl, host).
	Backend string
	// Program is the kernel source path; empty selects the default program.
	Program string

	// WorkFactor scales the work size: workSize = computeUnits*groupSize*WorkFactor.
	WorkFactor int
	// PassIters is the number of kernel dispatches per pass.
	PassIters int
	// KItersNum pins the inner iteration count; 0 calibrates it.
	KItersNum int
	// GroupSize overrides the device maximum work-group size when positive.
	GroupSize int

	// WarnDelay is how long the start-up warning stays up before devices
	// are touched.
	WarnDelay time.Duration
	// Progress shows a progress bar while calibrating.
	Progress bool
}

// Default returns the settings used when no flags are given.
func Default() Config {
	return Config{
		ExcludePlatforms: []string{"Intel"},
		Backend:          "opencl",
		WorkFactor:       256,
		PassIters:        10,
		WarnDelay:        4 * time.Second,
	}
}

// Validate checks the ranges of the numeric settings.
func (c Config) Validate() error {
	if c.WorkFactor <= 0 {
		return fmt.Errorf("%w: work factor must be positive, got %d", ErrInvalid, c.WorkFactor)
	}
	if c.PassIters <= 0 {
		return fmt.Errorf("%w: pass iterations must be positive, got %d", ErrInvalid, c.PassIters)
	}
	if c.KItersNum < 0 || c.KItersNum > MaxKItersNum {
		return fmt.Errorf("%w: kiters %d out of range [0,%d]", ErrInvalid, c.KItersNum, MaxKItersNum)
	}
	if c.GroupSize < 0 {
		return fmt.Errorf("%w: group size must not be negative, got %d", ErrInvalid, c.GroupSize)
	}
	if c.WarnDelay < 0 {
		return fmt.Errorf("%w: warning delay must not be negative", ErrInvalid)
	}
	return nil
}

// Normalize applies defaults that depend on other fields: GPUs are used
// when neither device class is requested.
func (c Config) Normalize() Config {
	if !c.UseCPUs && !c.UseGPUs {
		c.UseGPUs = true
	}
	c.ExcludePlatforms = append([]string(nil), c.ExcludePlatforms...)
	return c
}

// Filter returns the device selection filter for this configuration.
func (c Config) Filter() selector.Filter {
	return selector.Filter{
		UseCPUs:          c.UseCPUs,
		UseGPUs:          c.UseGPUs,
		ExcludePlatforms: c.ExcludePlatforms,
	}
}
