package compute

import (
	"errors"
	"fmt"
	"strings"
)

// Execution and error status codes. Values match the OpenCL definitions so
// both backends report identical diagnostics.
const (
	StatusComplete  = 0
	StatusRunning   = 1
	StatusSubmitted = 2
	StatusQueued    = 3

	StatusDeviceNotFound             = -1
	StatusDeviceNotAvailable         = -2
	StatusCompilerNotAvailable       = -3
	StatusMemObjectAllocationFailure = -4
	StatusOutOfResources             = -5
	StatusOutOfHostMemory            = -6
	StatusProfilingInfoNotAvailable  = -7
	StatusBuildProgramFailure        = -11
	StatusExecStatusErrorForEvents   = -14
	StatusInvalidValue               = -30
	StatusInvalidDeviceType          = -31
	StatusInvalidPlatform            = -32
	StatusInvalidDevice              = -33
	StatusInvalidContext             = -34
	StatusInvalidQueueProperties     = -35
	StatusInvalidCommandQueue        = -36
	StatusInvalidHostPtr             = -37
	StatusInvalidMemObject           = -38
	StatusInvalidBinary              = -42
	StatusInvalidBuildOptions        = -43
	StatusInvalidProgram             = -44
	StatusInvalidProgramExecutable   = -45
	StatusInvalidKernelName          = -46
	StatusInvalidKernelDefinition    = -47
	StatusInvalidKernel              = -48
	StatusInvalidArgIndex            = -49
	StatusInvalidArgValue            = -50
	StatusInvalidArgSize             = -51
	StatusInvalidKernelArgs          = -52
	StatusInvalidWorkDimension       = -53
	StatusInvalidWorkGroupSize       = -54
	StatusInvalidWorkItemSize        = -55
	StatusInvalidGlobalOffset        = -56
	StatusInvalidEventWaitList       = -57
	StatusInvalidEvent               = -58
	StatusInvalidOperation           = -59
	StatusInvalidBufferSize          = -61
	StatusInvalidGlobalWorkSize      = -63
)

var statusNames = map[int]string{
	StatusComplete:                   "CL_SUCCESS",
	StatusDeviceNotFound:             "CL_DEVICE_NOT_FOUND",
	StatusDeviceNotAvailable:         "CL_DEVICE_NOT_AVAILABLE",
	StatusCompilerNotAvailable:       "CL_COMPILER_NOT_AVAILABLE",
	StatusMemObjectAllocationFailure: "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	StatusOutOfResources:             "CL_OUT_OF_RESOURCES",
	StatusOutOfHostMemory:            "CL_OUT_OF_HOST_MEMORY",
	StatusProfilingInfoNotAvailable:  "CL_PROFILING_INFO_NOT_AVAILABLE",
	StatusBuildProgramFailure:        "CL_BUILD_PROGRAM_FAILURE",
	StatusExecStatusErrorForEvents:   "CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST",
	StatusInvalidValue:               "CL_INVALID_VALUE",
	StatusInvalidDeviceType:          "CL_INVALID_DEVICE_TYPE",
	StatusInvalidPlatform:            "CL_INVALID_PLATFORM",
	StatusInvalidDevice:              "CL_INVALID_DEVICE",
	StatusInvalidContext:             "CL_INVALID_CONTEXT",
	StatusInvalidQueueProperties:     "CL_INVALID_QUEUE_PROPERTIES",
	StatusInvalidCommandQueue:        "CL_INVALID_COMMAND_QUEUE",
	StatusInvalidHostPtr:             "CL_INVALID_HOST_PTR",
	StatusInvalidMemObject:           "CL_INVALID_MEM_OBJECT",
	StatusInvalidBinary:              "CL_INVALID_BINARY",
	StatusInvalidBuildOptions:        "CL_INVALID_BUILD_OPTIONS",
	StatusInvalidProgram:             "CL_INVALID_PROGRAM",
	StatusInvalidProgramExecutable:   "CL_INVALID_PROGRAM_EXECUTABLE",
	StatusInvalidKernelName:          "CL_INVALID_KERNEL_NAME",
	StatusInvalidKernelDefinition:    "CL_INVALID_KERNEL_DEFINITION",
	StatusInvalidKernel:              "CL_INVALID_KERNEL",
	StatusInvalidArgIndex:            "CL_INVALID_ARG_INDEX",
	StatusInvalidArgValue:            "CL_INVALID_ARG_VALUE",
	StatusInvalidArgSize:             "CL_INVALID_ARG_SIZE",
	StatusInvalidKernelArgs:          "CL_INVALID_KERNEL_ARGS",
	StatusInvalidWorkDimension:       "CL_INVALID_WORK_DIMENSION",
	StatusInvalidWorkGroupSize:       "CL_INVALID_WORK_GROUP_SIZE",
	StatusInvalidWorkItemSize:        "CL_INVALID_WORK_ITEM_SIZE",
	StatusInvalidGlobalOffset:        "CL_INVALID_GLOBAL_OFFSET",
	StatusInvalidEventWaitList:       "CL_INVALID_EVENT_WAIT_LIST",
	StatusInvalidEvent:               "CL_INVALID_EVENT",
	StatusInvalidOperation:           "CL_INVALID_OPERATION",
	StatusInvalidBufferSize:          "CL_INVALID_BUFFER_SIZE",
	StatusInvalidGlobalWorkSize:      "CL_INVALID_GLOBAL_WORK_SIZE",
}

// StatusText returns the symbolic name of a status code.
func StatusText(status int) string {
	if name, ok := statusNames[status]; ok {
		return name
	}
	return "CL_UNKNOWN_ERROR"
}

// ErrNoDevices indicates that no usable compute devices were found.
var ErrNoDevices = errors.New("no compute devices found")

// Error is a failed compute API call or a command that completed with a
// negative execution status.
type Error struct {
	Op     string
	Status int
}

// StatusError builds an *Error for op.
func StatusError(op string, status int) error {
	return &Error{Op: op, Status: status}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, StatusText(e.Status), e.Status)
}

// Is reports whether target is an *Error with the same status. A target
// with an empty Op matches any operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Status == e.Status && (t.Op == "" || t.Op == e.Op)
}

// BuildError is a failed program build together with its build log.
type BuildError struct {
	Options string
	Status  int
	Log     string
}

func (e *BuildError) Error() string {
	log := strings.TrimSpace(e.Log)
	if log == "" {
		return fmt.Sprintf("build program (%s): %s (%d)", e.Options, StatusText(e.Status), e.Status)
	}
	return fmt.Sprintf("build program (%s): %s (%d): %s", e.Options, StatusText(e.Status), e.Status, firstLine(log))
}

// Unwrap exposes the build status as an *Error.
func (e *BuildError) Unwrap() error {
	return &Error{Op: "clBuildProgram", Status: e.Status}
}

// StatusOf extracts the status code carried by err, if any.
func StatusOf(err error) (int, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status, true
	}
	return 0, false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// CheckEvent returns an *Error for op when ev finished with a negative
// execution status.
func CheckEvent(op string, ev Event) error {
	status, err := ev.Status()
	if err != nil {
		return err
	}
	if status < 0 {
		return &Error{Op: op, Status: status}
	}
	return nil
}
