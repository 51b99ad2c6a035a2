//go:build gpu

package opencl

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <CL/cl.h>
#include <stdlib.h>

static cl_context gpustress_create_context(cl_platform_id platform, cl_device_id device, cl_int *status) {
	cl_context_properties props[3];
	props[0] = CL_CONTEXT_PLATFORM;
	props[1] = (cl_context_properties)platform;
	props[2] = 0;
	return clCreateContext(props, 1, &device, NULL, NULL, status);
}

static cl_command_queue gpustress_create_queue(cl_context ctx, cl_device_id device, int profiling, cl_int *status) {
	cl_command_queue_properties props = profiling ? CL_QUEUE_PROFILING_ENABLE : 0;
	return clCreateCommandQueue(ctx, device, props, status);
}
*/
import "C"

import (
	"errors"
	"unsafe"

	"github.com/cwbudde/gpustress/internal/compute"
)

// Available reports whether the OpenCL backend is compiled in.
const Available = true

// platformNotFoundKHR is returned by the ICD loader when no platform is
// installed (cl_khr_icd).
const platformNotFoundKHR = -1001

// Platforms enumerates the installed OpenCL platforms and their devices.
func Platforms() ([]compute.Platform, error) {
	var count C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &count)
	if status == platformNotFoundKHR {
		return nil, nil
	}
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(count)", status)
	}
	if count == 0 {
		return nil, nil
	}

	ids := make([]C.cl_platform_id, int(count))
	status = C.clGetPlatformIDs(count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(list)", status)
	}

	out := make([]compute.Platform, 0, len(ids))
	for _, pid := range ids {
		p, err := newPlatform(pid)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type platform struct {
	id      C.cl_platform_id
	info    compute.PlatformInfo
	devices []*device
}

func newPlatform(pid C.cl_platform_id) (*platform, error) {
	name, err := getPlatformString(pid, C.CL_PLATFORM_NAME)
	if err != nil {
		return nil, err
	}
	vendor, err := getPlatformString(pid, C.CL_PLATFORM_VENDOR)
	if err != nil {
		return nil, err
	}
	version, err := getPlatformString(pid, C.CL_PLATFORM_VERSION)
	if err != nil {
		return nil, err
	}

	p := &platform{
		id:   pid,
		info: compute.PlatformInfo{Name: name, Vendor: vendor, Version: version},
	}

	devices, err := enumerateDevices(pid)
	if err != nil && !errors.Is(err, compute.ErrNoDevices) {
		return nil, err
	}
	p.devices = devices
	for _, d := range devices {
		p.info.Devices = append(p.info.Devices, d.info)
	}
	return p, nil
}

func (p *platform) Info() compute.PlatformInfo { return p.info }

func (p *platform) Devices() ([]compute.Device, error) {
	out := make([]compute.Device, len(p.devices))
	for i, d := range p.devices {
		out[i] = d
	}
	return out, nil
}

type device struct {
	id       C.cl_device_id
	platform C.cl_platform_id
	info     compute.DeviceInfo
}

func enumerateDevices(pid C.cl_platform_id) ([]*device, error) {
	var count C.cl_uint
	status := C.clGetDeviceIDs(pid, C.CL_DEVICE_TYPE_ALL, 0, nil, &count)
	if status == C.CL_DEVICE_NOT_FOUND {
		return nil, compute.ErrNoDevices
	}
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(count)", status)
	}
	if count == 0 {
		return nil, compute.ErrNoDevices
	}

	ids := make([]C.cl_device_id, int(count))
	status = C.clGetDeviceIDs(pid, C.CL_DEVICE_TYPE_ALL, count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(list)", status)
	}

	devices := make([]*device, 0, len(ids))
	for _, id := range ids {
		info, err := buildDeviceInfo(id)
		if err != nil {
			return nil, err
		}
		devices = append(devices, &device{id: id, platform: pid, info: info})
	}
	return devices, nil
}

func buildDeviceInfo(id C.cl_device_id) (compute.DeviceInfo, error) {
	name, err := getDeviceString(id, C.CL_DEVICE_NAME)
	if err != nil {
		return compute.DeviceInfo{}, err
	}
	vendor, err := getDeviceString(id, C.CL_DEVICE_VENDOR)
	if err != nil {
		return compute.DeviceInfo{}, err
	}
	version, err := getDeviceString(id, C.CL_DEVICE_VERSION)
	if err != nil {
		return compute.DeviceInfo{}, err
	}

	var rawType C.cl_device_type
	status := C.clGetDeviceInfo(id, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(rawType)), unsafe.Pointer(&rawType), nil)
	if status != C.CL_SUCCESS {
		return compute.DeviceInfo{}, statusError("clGetDeviceInfo(type)", status)
	}

	var computeUnits C.cl_uint
	status = C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_COMPUTE_UNITS, C.size_t(unsafe.Sizeof(computeUnits)), unsafe.Pointer(&computeUnits), nil)
	if status != C.CL_SUCCESS {
		return compute.DeviceInfo{}, statusError("clGetDeviceInfo(computeUnits)", status)
	}

	var groupSize C.size_t
	status = C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(groupSize)), unsafe.Pointer(&groupSize), nil)
	if status != C.CL_SUCCESS {
		return compute.DeviceInfo{}, statusError("clGetDeviceInfo(maxWorkGroupSize)", status)
	}

	return compute.DeviceInfo{
		Name:             name,
		Vendor:           vendor,
		Version:          version,
		Type:             mapDeviceType(rawType),
		MaxComputeUnits:  uint32(computeUnits),
		MaxWorkGroupSize: int(groupSize),
	}, nil
}

func (d *device) Info() compute.DeviceInfo { return d.info }

func (d *device) CreateContext() (compute.Context, error) {
	var status C.cl_int
	ctx := C.gpustress_create_context(d.platform, d.id, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateContext", status)
	}
	return &context{id: ctx, device: d.id}, nil
}

type context struct {
	id     C.cl_context
	device C.cl_device_id
}

func (c *context) NewQueue(profiling bool) (compute.Queue, error) {
	var flag C.int
	if profiling {
		flag = 1
	}
	var status C.cl_int
	q := C.gpustress_create_queue(c.id, c.device, flag, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateCommandQueue", status)
	}
	return &queue{id: q}, nil
}

func (c *context) NewBuffer(size int) (compute.Buffer, error) {
	var status C.cl_int
	mem := C.clCreateBuffer(c.id, C.CL_MEM_READ_WRITE, C.size_t(size), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateBuffer", status)
	}
	return &buffer{mem: mem, size: size}, nil
}

func (c *context) BuildProgram(source []byte, options string) (compute.Program, error) {
	if len(source) == 0 {
		return nil, statusError("clCreateProgramWithSource", C.CL_INVALID_VALUE)
	}

	src := C.CString(string(source))
	defer C.free(unsafe.Pointer(src))
	length := C.size_t(len(source))

	var status C.cl_int
	prog := C.clCreateProgramWithSource(c.id, 1, &src, &length, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateProgramWithSource", status)
	}

	opts := C.CString(options)
	defer C.free(unsafe.Pointer(opts))

	p := &program{id: prog, device: c.device}
	status = C.clBuildProgram(prog, 1, &c.device, opts, nil, nil)
	p.log = p.fetchBuildLog()
	if status != C.CL_SUCCESS {
		p.Release()
		return nil, &compute.BuildError{Options: options, Status: int(status), Log: p.log}
	}
	return p, nil
}

func (c *context) Release() {
	if c.id != nil {
		C.clReleaseContext(c.id)
		c.id = nil
	}
}

type buffer struct {
	mem  C.cl_mem
	size int
}

func (b *buffer) Size() int { return b.size }

func (b *buffer) Release() {
	if b.mem != nil {
		C.clReleaseMemObject(b.mem)
		b.mem = nil
	}
}

type program struct {
	id     C.cl_program
	device C.cl_device_id
	log    string
}

func (p *program) fetchBuildLog() string {
	var size C.size_t
	if status := C.clGetProgramBuildInfo(p.id, p.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size); status != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, int(size))
	if status := C.clGetProgramBuildInfo(p.id, p.device, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		return ""
	}
	return trimNull(buf)
}

func (p *program) NewKernel(name string) (compute.Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var status C.cl_int
	k := C.clCreateKernel(p.id, cname, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateKernel", status)
	}
	return &kernelHandle{id: k}, nil
}

func (p *program) BuildLog() string { return p.log }

func (p *program) Release() {
	if p.id != nil {
		C.clReleaseProgram(p.id)
		p.id = nil
	}
}

type kernelHandle struct {
	id C.cl_kernel
}

func (k *kernelHandle) SetArg(index int, value any) error {
	var status C.cl_int
	switch v := value.(type) {
	case uint32:
		cv := C.cl_uint(v)
		status = C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	case float32:
		cv := C.cl_float(v)
		status = C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	case *buffer:
		mem := v.mem
		status = C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	default:
		return compute.StatusError("clSetKernelArg", compute.StatusInvalidArgValue)
	}
	if status != C.CL_SUCCESS {
		return statusError("clSetKernelArg", status)
	}
	return nil
}

func (k *kernelHandle) Release() {
	if k.id != nil {
		C.clReleaseKernel(k.id)
		k.id = nil
	}
}

type queue struct {
	id C.cl_command_queue
}

func (q *queue) WriteBuffer(buf compute.Buffer, src []byte) error {
	b, ok := buf.(*buffer)
	if !ok {
		return compute.StatusError("clEnqueueWriteBuffer", compute.StatusInvalidMemObject)
	}
	if len(src) == 0 {
		return nil
	}
	status := C.clEnqueueWriteBuffer(q.id, b.mem, C.CL_TRUE, 0, C.size_t(len(src)), unsafe.Pointer(&src[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueWriteBuffer", status)
	}
	return nil
}

func (q *queue) ReadBuffer(buf compute.Buffer, dst []byte) error {
	b, ok := buf.(*buffer)
	if !ok {
		return compute.StatusError("clEnqueueReadBuffer", compute.StatusInvalidMemObject)
	}
	if len(dst) == 0 {
		return nil
	}
	status := C.clEnqueueReadBuffer(q.id, b.mem, C.CL_TRUE, 0, C.size_t(len(dst)), unsafe.Pointer(&dst[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueReadBuffer", status)
	}
	return nil
}

func (q *queue) Dispatch(k compute.Kernel, global, local int) (compute.Event, error) {
	kh, ok := k.(*kernelHandle)
	if !ok {
		return nil, compute.StatusError("clEnqueueNDRangeKernel", compute.StatusInvalidKernel)
	}
	g := C.size_t(global)
	l := C.size_t(local)
	var ev C.cl_event
	status := C.clEnqueueNDRangeKernel(q.id, kh.id, 1, nil, &g, &l, 0, nil, &ev)
	if status != C.CL_SUCCESS {
		return nil, statusError("clEnqueueNDRangeKernel", status)
	}
	// Submit without blocking so the device starts while the host moves on.
	C.clFlush(q.id)
	return &event{id: ev}, nil
}

func (q *queue) Finish() error {
	if status := C.clFinish(q.id); status != C.CL_SUCCESS {
		return statusError("clFinish", status)
	}
	return nil
}

func (q *queue) Release() {
	if q.id != nil {
		C.clReleaseCommandQueue(q.id)
		q.id = nil
	}
}

type event struct {
	id C.cl_event
}

func (e *event) Wait() error {
	status := C.clWaitForEvents(1, &e.id)
	// A command that finished with an error status is reported by Status.
	if status != C.CL_SUCCESS && status != C.CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST {
		return statusError("clWaitForEvents", status)
	}
	return nil
}

func (e *event) Status() (int, error) {
	var st C.cl_int
	status := C.clGetEventInfo(e.id, C.CL_EVENT_COMMAND_EXECUTION_STATUS, C.size_t(unsafe.Sizeof(st)), unsafe.Pointer(&st), nil)
	if status != C.CL_SUCCESS {
		return 0, statusError("clGetEventInfo", status)
	}
	return int(st), nil
}

func (e *event) ProfilingTimes() (uint64, uint64, error) {
	var start, end C.cl_ulong
	status := C.clGetEventProfilingInfo(e.id, C.CL_PROFILING_COMMAND_START, C.size_t(unsafe.Sizeof(start)), unsafe.Pointer(&start), nil)
	if status != C.CL_SUCCESS {
		return 0, 0, statusError("clGetEventProfilingInfo(start)", status)
	}
	status = C.clGetEventProfilingInfo(e.id, C.CL_PROFILING_COMMAND_END, C.size_t(unsafe.Sizeof(end)), unsafe.Pointer(&end), nil)
	if status != C.CL_SUCCESS {
		return 0, 0, statusError("clGetEventProfilingInfo(end)", status)
	}
	return uint64(start), uint64(end), nil
}

func (e *event) Release() {
	if e.id != nil {
		C.clReleaseEvent(e.id)
		e.id = nil
	}
}

func getPlatformString(id C.cl_platform_id, param C.cl_platform_info) (string, error) {
	var size C.size_t
	status := C.clGetPlatformInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetPlatformInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, int(size))
	status = C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetPlatformInfo(value)", status)
	}
	return trimNull(buf), nil
}

func getDeviceString(id C.cl_device_id, param C.cl_device_info) (string, error) {
	var size C.size_t
	status := C.clGetDeviceInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, int(size))
	status = C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(value)", status)
	}
	return trimNull(buf), nil
}

func mapDeviceType(dt C.cl_device_type) compute.DeviceType {
	switch {
	case dt&C.CL_DEVICE_TYPE_GPU != 0:
		return compute.DeviceTypeGPU
	case dt&C.CL_DEVICE_TYPE_CPU != 0:
		return compute.DeviceTypeCPU
	case dt&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		return compute.DeviceTypeAccelerator
	case dt&C.CL_DEVICE_TYPE_DEFAULT != 0:
		return compute.DeviceTypeDefault
	default:
		return compute.DeviceTypeUnknown
	}
}

func trimNull(buf []byte) string {
	if len(buf) == 0 {
		return ""
	}
	if buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf)
}

func statusError(op string, status C.cl_int) error {
	return compute.StatusError(op, int(status))
}
