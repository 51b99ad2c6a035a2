// Package host implements the compute API on the host CPU in pure Go.
//
// Dispatches run asynchronously on a per-queue goroutine in submission order,
// so a host device behaves like an in-order OpenCL queue: Dispatch returns
// immediately and the returned event completes later. The device can inject
// faults and delays, and it tracks buffers that are read or written while
// another queue still has dispatches pending on them.
package host

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/cwbudde/gpustress/internal/compute"
	"github.com/cwbudde/gpustress/internal/kernel"
)

// Config describes a host device and the faults it injects.
type Config struct {
	Name             string
	Vendor           string
	Type             compute.DeviceType
	ComputeUnits     uint32
	MaxWorkGroupSize int

	// Latency is added to every dispatch execution.
	Latency time.Duration
	// ProfileDuration, when set, replaces the measured execution time
	// reported through profiling events.
	ProfileDuration func(p kernel.Params) time.Duration

	// FailDispatch is the 1-based device-wide dispatch number that completes
	// with FailStatus instead of running. Zero disables it.
	FailDispatch int64
	FailStatus   int
	// CorruptRead is the 1-based device-wide ReadBuffer number whose result
	// has one byte flipped. Zero disables it.
	CorruptRead int64
	// FailBuild is the 1-based BuildProgram number that fails. Zero
	// disables it.
	FailBuild int64
}

// Device is a host compute device.
type Device struct {
	cfg Config

	dispatches atomic.Int64
	reads      atomic.Int64
	builds     atomic.Int64
	hazards    atomic.Int64
}

// NewDevice creates a host device, filling unset fields with defaults.
func NewDevice(cfg Config) *Device {
	if cfg.Name == "" {
		cfg.Name = defaultDeviceName()
	}
	if cfg.Vendor == "" {
		cfg.Vendor = "gpustress"
	}
	if cfg.Type == "" {
		cfg.Type = compute.DeviceTypeCPU
	}
	if cfg.ComputeUnits == 0 {
		cfg.ComputeUnits = uint32(runtime.NumCPU())
	}
	if cfg.MaxWorkGroupSize == 0 {
		cfg.MaxWorkGroupSize = 16
	}
	if cfg.FailStatus == 0 {
		cfg.FailStatus = compute.StatusOutOfResources
	}
	return &Device{cfg: cfg}
}

// Info implements compute.Device.
func (d *Device) Info() compute.DeviceInfo {
	return compute.DeviceInfo{
		Name:             d.cfg.Name,
		Vendor:           d.cfg.Vendor,
		Version:          "Go " + runtime.Version(),
		Type:             d.cfg.Type,
		MaxComputeUnits:  d.cfg.ComputeUnits,
		MaxWorkGroupSize: d.cfg.MaxWorkGroupSize,
	}
}

// CreateContext implements compute.Device.
func (d *Device) CreateContext() (compute.Context, error) {
	return &hostContext{device: d}, nil
}

// Dispatches reports how many dispatches were submitted to the device.
func (d *Device) Dispatches() int64 { return d.dispatches.Load() }

// Reads reports how many ReadBuffer calls the device served.
func (d *Device) Reads() int64 { return d.reads.Load() }

// Builds reports how many programs were built for the device.
func (d *Device) Builds() int64 { return d.builds.Load() }

// Hazards reports how many transfers touched a buffer that another queue
// still had dispatches pending on.
func (d *Device) Hazards() int64 { return d.hazards.Load() }

// Platform groups host devices.
type Platform struct {
	info    compute.PlatformInfo
	devices []*Device
}

// NewPlatform creates a platform exposing devices in order.
func NewPlatform(name string, devices ...*Device) *Platform {
	info := compute.PlatformInfo{
		Name:    name,
		Vendor:  "gpustress",
		Version: "host " + runtime.GOARCH,
	}
	for _, d := range devices {
		info.Devices = append(info.Devices, d.Info())
	}
	return &Platform{info: info, devices: devices}
}

// Info implements compute.Platform.
func (p *Platform) Info() compute.PlatformInfo { return p.info }

// Devices implements compute.Platform.
func (p *Platform) Devices() ([]compute.Device, error) {
	out := make([]compute.Device, len(p.devices))
	for i, d := range p.devices {
		out[i] = d
	}
	return out, nil
}

// Platforms returns the single host platform with one device backed by the
// whole machine.
func Platforms() ([]compute.Platform, error) {
	return []compute.Platform{NewPlatform("Go Host", NewDevice(Config{}))}, nil
}

func defaultDeviceName() string {
	return fmt.Sprintf("%s host (%s)", runtime.GOARCH, strings.Join(Features(), ","))
}

// Features lists the SIMD features of the host CPU.
func Features() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE2 {
			features = append(features, "SSE2")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "AVX2")
		}
		if cpu.X86.HasFMA {
			features = append(features, "FMA")
		}
		if cpu.X86.HasAVX512F {
			features = append(features, "AVX512F")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "NEON")
		}
		if cpu.ARM64.HasFPHP {
			features = append(features, "FP16")
		}
		if cpu.ARM64.HasSVE {
			features = append(features, "SVE")
		}
	}
	if len(features) == 0 {
		features = append(features, "scalar")
	}
	return features
}
