// Package selector picks the compute devices a run stresses.
package selector

import (
	"fmt"
	"strings"

	"github.com/cwbudde/gpustress/internal/compute"
)

// Filter decides which devices are eligible.
type Filter struct {
	UseCPUs bool
	UseGPUs bool
	// ExcludePlatforms skips every platform whose name contains one of
	// these substrings.
	ExcludePlatforms []string
}

// Target is a selected device together with its owning platform.
type Target struct {
	Index    int
	Platform compute.PlatformInfo
	Device   compute.Device
}

// String identifies the target the way every diagnostic does.
func (t Target) String() string {
	return fmt.Sprintf("#%d %s:%s", t.Index, t.Platform.Name, t.Device.Info().Name)
}

// Accepts reports whether a device of type dt passes the class filter.
// With neither class requested, GPUs are selected.
func (f Filter) Accepts(dt compute.DeviceType) bool {
	useGPUs := f.UseGPUs || !f.UseCPUs
	switch dt {
	case compute.DeviceTypeGPU:
		return useGPUs
	case compute.DeviceTypeCPU:
		return f.UseCPUs
	default:
		return false
	}
}

// Excludes reports whether the platform name matches an exclusion.
func (f Filter) Excludes(platformName string) bool {
	for _, pattern := range f.ExcludePlatforms {
		if pattern != "" && strings.Contains(platformName, pattern) {
			return true
		}
	}
	return false
}

// Select returns the eligible devices in platform, then device, order.
func Select(platforms []compute.Platform, f Filter) ([]Target, error) {
	var targets []Target
	for _, p := range platforms {
		info := p.Info()
		if f.Excludes(info.Name) {
			continue
		}
		devices, err := p.Devices()
		if err != nil {
			return nil, fmt.Errorf("list devices of %s: %w", info.Name, err)
		}
		for _, d := range devices {
			if !f.Accepts(d.Info().Type) {
				continue
			}
			targets = append(targets, Target{Index: len(targets), Platform: info, Device: d})
		}
	}
	return targets, nil
}
