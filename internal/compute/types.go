package compute

// DeviceType describes the class of a compute device.
type DeviceType string

const (
	DeviceTypeGPU         DeviceType = "GPU"
	DeviceTypeCPU         DeviceType = "CPU"
	DeviceTypeAccelerator DeviceType = "Accelerator"
	DeviceTypeDefault     DeviceType = "Default"
	DeviceTypeUnknown     DeviceType = "Unknown"
)

// DeviceInfo captures metadata about a compute device.
type DeviceInfo struct {
	Name             string
	Vendor           string
	Version          string
	Type             DeviceType
	MaxComputeUnits  uint32
	MaxWorkGroupSize int
}

// PlatformInfo captures metadata about a compute platform and its devices.
type PlatformInfo struct {
	Name    string
	Vendor  string
	Version string
	Devices []DeviceInfo
}
