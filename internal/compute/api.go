package compute

// Platform is one installed compute platform (an OpenCL ICD, the host backend).
type Platform interface {
	Info() PlatformInfo
	Devices() ([]Device, error)
}

// Device is a compute device owned by a platform.
type Device interface {
	Info() DeviceInfo
	// CreateContext creates a context bound to this device only.
	CreateContext() (Context, error)
}

// Context owns queues, buffers and programs created for one device.
type Context interface {
	// NewQueue creates an in-order command queue. When profiling is set,
	// events returned by Dispatch carry device timestamps.
	NewQueue(profiling bool) (Queue, error)
	NewBuffer(size int) (Buffer, error)
	// BuildProgram compiles source with the given build options. A failed
	// build returns a *BuildError holding the device build log.
	BuildProgram(source []byte, options string) (Program, error)
	Release()
}

// Queue submits work to a device in program order.
type Queue interface {
	// WriteBuffer copies src into buf and returns once the copy is complete.
	WriteBuffer(buf Buffer, src []byte) error
	// ReadBuffer copies buf into dst and returns once the copy is complete.
	ReadBuffer(buf Buffer, dst []byte) error
	// Dispatch enqueues a one-dimensional range of the kernel without
	// waiting for it. Kernel arguments are captured at submission.
	Dispatch(k Kernel, global, local int) (Event, error)
	Finish() error
	Release()
}

// Event tracks completion of a dispatched command.
type Event interface {
	// Wait blocks until the command has finished, successfully or not.
	Wait() error
	// Status returns the execution status: StatusComplete, a positive
	// pending state, or a negative error code.
	Status() (int, error)
	// ProfilingTimes returns device start and end timestamps in nanoseconds.
	ProfilingTimes() (start, end uint64, err error)
	Release()
}

// Buffer is device-resident memory.
type Buffer interface {
	Size() int
	Release()
}

// Program is a compiled kernel program.
type Program interface {
	NewKernel(name string) (Kernel, error)
	BuildLog() string
	Release()
}

// Kernel is a launchable entry point of a Program.
type Kernel interface {
	// SetArg binds argument index to value. Supported values are uint32,
	// float32 and Buffer.
	SetArg(index int, value any) error
	Release()
}
