package host

import (
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/gpustress/internal/compute"
	"github.com/cwbudde/gpustress/internal/kernel"
)

type hostContext struct {
	device *Device
}

func (c *hostContext) NewQueue(profiling bool) (compute.Queue, error) {
	q := &queue{device: c.device, profiling: profiling}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q, nil
}

func (c *hostContext) NewBuffer(size int) (compute.Buffer, error) {
	if size <= 0 {
		return nil, compute.StatusError("clCreateBuffer", compute.StatusInvalidBufferSize)
	}
	return &buffer{data: make([]byte, size), pending: make(map[*queue]int)}, nil
}

func (c *hostContext) BuildProgram(source []byte, options string) (compute.Program, error) {
	n := c.device.builds.Add(1)
	if c.device.cfg.FailBuild != 0 && n == c.device.cfg.FailBuild {
		return nil, &compute.BuildError{
			Options: options,
			Status:  compute.StatusBuildProgramFailure,
			Log:     "host: injected build failure",
		}
	}
	if !strings.Contains(string(source), kernel.EntryPoint) {
		return nil, &compute.BuildError{
			Options: options,
			Status:  compute.StatusBuildProgramFailure,
			Log:     "host: source does not define " + kernel.EntryPoint,
		}
	}
	return &program{params: kernel.ParamsFromDefines(kernel.ParseDefines(options))}, nil
}

func (c *hostContext) Release() {}

type buffer struct {
	mu      sync.Mutex
	data    []byte
	pending map[*queue]int
}

func (b *buffer) Size() int { return len(b.data) }

func (b *buffer) Release() {}

func (b *buffer) acquire(q *queue) {
	b.mu.Lock()
	b.pending[q]++
	b.mu.Unlock()
}

func (b *buffer) settle(q *queue) {
	b.mu.Lock()
	b.pending[q]--
	if b.pending[q] == 0 {
		delete(b.pending, q)
	}
	b.mu.Unlock()
}

// busyFor reports whether a queue other than q has dispatches pending on b.
func (b *buffer) busyFor(q *queue) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for owner := range b.pending {
		if owner != q {
			return true
		}
	}
	return false
}

type program struct {
	params kernel.Params
}

func (p *program) NewKernel(name string) (compute.Kernel, error) {
	if name != kernel.EntryPoint {
		return nil, compute.StatusError("clCreateKernel", compute.StatusInvalidKernelName)
	}
	return &hostKernel{params: p.params}, nil
}

func (p *program) BuildLog() string { return "" }

func (p *program) Release() {}

const maxArgs = 8

type hostKernel struct {
	params kernel.Params
	args   [maxArgs]any
}

func (k *hostKernel) SetArg(index int, value any) error {
	if index < 0 || index >= maxArgs || (!k.params.PolyWalker && index > 2) {
		return compute.StatusError("clSetKernelArg", compute.StatusInvalidArgIndex)
	}
	switch value.(type) {
	case uint32, float32:
		if index == 1 || index == 2 {
			return compute.StatusError("clSetKernelArg", compute.StatusInvalidArgValue)
		}
	case *buffer:
		if index != 1 && index != 2 {
			return compute.StatusError("clSetKernelArg", compute.StatusInvalidArgValue)
		}
	default:
		return compute.StatusError("clSetKernelArg", compute.StatusInvalidArgValue)
	}
	k.args[index] = value
	return nil
}

func (k *hostKernel) Release() {}

// launch is a dispatch with its arguments captured at submission.
type launch struct {
	params   kernel.Params
	n        int
	src, dst *buffer
	global   int
	fail     bool
}

type command struct {
	launch *launch
	event  *event
	// transfer runs on the queue goroutine and signals done.
	transfer func()
	done     chan struct{}
}

type queue struct {
	device    *Device
	profiling bool

	mu       sync.Mutex
	cond     *sync.Cond
	commands []command
	closed   bool
}

func (q *queue) push(c command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return compute.StatusError("enqueue", compute.StatusInvalidCommandQueue)
	}
	q.commands = append(q.commands, c)
	q.cond.Signal()
	return nil
}

func (q *queue) loop() {
	for {
		q.mu.Lock()
		for len(q.commands) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.commands) == 0 {
			q.mu.Unlock()
			return
		}
		c := q.commands[0]
		q.commands = q.commands[1:]
		q.mu.Unlock()

		if c.launch != nil {
			q.execute(c.launch, c.event)
			continue
		}
		c.transfer()
		close(c.done)
	}
}

func (q *queue) execute(l *launch, ev *event) {
	ev.setStatus(compute.StatusRunning)
	start := time.Now()

	status := compute.StatusComplete
	if l.fail {
		status = q.device.cfg.FailStatus
	} else {
		if q.device.cfg.Latency > 0 {
			time.Sleep(q.device.cfg.Latency)
		}
		runItems(l)
	}

	elapsed := time.Since(start)
	if fn := q.device.cfg.ProfileDuration; fn != nil {
		elapsed = fn(l.params)
	}

	l.src.settle(q)
	l.dst.settle(q)
	ev.complete(status, uint64(start.UnixNano()), uint64(start.UnixNano())+uint64(elapsed))
}

// runItems evaluates every work item of l, split across the host CPUs.
func runItems(l *launch) {
	workers := runtime.GOMAXPROCS(0)
	chunk := (l.n + workers - 1) / workers
	if l.n < 64 || chunk == 0 {
		for gid := 0; gid < l.n; gid++ {
			kernel.RunItem(l.params, gid, l.src.data, l.dst.data)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for begin := 0; begin < l.n; begin += chunk {
		end := min(begin+chunk, l.n)
		g.Go(func() error {
			for gid := begin; gid < end; gid++ {
				kernel.RunItem(l.params, gid, l.src.data, l.dst.data)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (q *queue) WriteBuffer(buf compute.Buffer, src []byte) error {
	b, ok := buf.(*buffer)
	if !ok {
		return compute.StatusError("clEnqueueWriteBuffer", compute.StatusInvalidMemObject)
	}
	if len(src) > len(b.data) {
		return compute.StatusError("clEnqueueWriteBuffer", compute.StatusInvalidValue)
	}
	if b.busyFor(q) {
		q.device.hazards.Add(1)
		return compute.StatusError("clEnqueueWriteBuffer", compute.StatusInvalidOperation)
	}
	return q.transfer(func() { copy(b.data, src) })
}

func (q *queue) ReadBuffer(buf compute.Buffer, dst []byte) error {
	b, ok := buf.(*buffer)
	if !ok {
		return compute.StatusError("clEnqueueReadBuffer", compute.StatusInvalidMemObject)
	}
	if len(dst) > len(b.data) {
		return compute.StatusError("clEnqueueReadBuffer", compute.StatusInvalidValue)
	}
	if b.busyFor(q) {
		q.device.hazards.Add(1)
		return compute.StatusError("clEnqueueReadBuffer", compute.StatusInvalidOperation)
	}
	n := q.device.reads.Add(1)
	corrupt := q.device.cfg.CorruptRead != 0 && n == q.device.cfg.CorruptRead
	return q.transfer(func() {
		copy(dst, b.data)
		if corrupt && len(dst) > 0 {
			dst[len(dst)-1] ^= 0x01
		}
	})
}

func (q *queue) transfer(fn func()) error {
	done := make(chan struct{})
	if err := q.push(command{transfer: fn, done: done}); err != nil {
		return err
	}
	<-done
	return nil
}

func (q *queue) Dispatch(k compute.Kernel, global, local int) (compute.Event, error) {
	hk, ok := k.(*hostKernel)
	if !ok {
		return nil, compute.StatusError("clEnqueueNDRangeKernel", compute.StatusInvalidKernel)
	}
	if local <= 0 || local > q.device.cfg.MaxWorkGroupSize {
		return nil, compute.StatusError("clEnqueueNDRangeKernel", compute.StatusInvalidWorkGroupSize)
	}
	if global <= 0 || global%local != 0 {
		return nil, compute.StatusError("clEnqueueNDRangeKernel", compute.StatusInvalidGlobalWorkSize)
	}

	l, err := hk.capture(global)
	if err != nil {
		return nil, err
	}

	n := q.device.dispatches.Add(1)
	l.fail = q.device.cfg.FailDispatch != 0 && n == q.device.cfg.FailDispatch

	ev := newEvent(q.profiling)
	l.src.acquire(q)
	l.dst.acquire(q)
	if err := q.push(command{launch: l, event: ev}); err != nil {
		l.src.settle(q)
		l.dst.settle(q)
		return nil, err
	}
	return ev, nil
}

func (k *hostKernel) capture(global int) (*launch, error) {
	n, ok := k.args[0].(uint32)
	src, okSrc := k.args[1].(*buffer)
	dst, okDst := k.args[2].(*buffer)
	if !ok || !okSrc || !okDst {
		return nil, compute.StatusError("clEnqueueNDRangeKernel", compute.StatusInvalidKernelArgs)
	}

	params := k.params
	if params.PolyWalker {
		for i := range params.Poly {
			c, ok := k.args[3+i].(float32)
			if !ok {
				return nil, compute.StatusError("clEnqueueNDRangeKernel", compute.StatusInvalidKernelArgs)
			}
			params.Poly[i] = c
		}
	}

	items := min(int(n), global)
	need := items * kernel.ElementSize
	if need > len(src.data) || need > len(dst.data) {
		return nil, compute.StatusError("clEnqueueNDRangeKernel", compute.StatusInvalidBufferSize)
	}
	return &launch{params: params, n: items, src: src, dst: dst, global: global}, nil
}

func (q *queue) Finish() error {
	return q.transfer(func() {})
}

func (q *queue) Release() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

type event struct {
	profiling bool
	done      chan struct{}

	mu         sync.Mutex
	status     int
	start, end uint64
}

func newEvent(profiling bool) *event {
	return &event{profiling: profiling, done: make(chan struct{}), status: compute.StatusQueued}
}

func (e *event) setStatus(status int) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

func (e *event) complete(status int, start, end uint64) {
	e.mu.Lock()
	e.status = status
	e.start = start
	e.end = end
	e.mu.Unlock()
	close(e.done)
}

func (e *event) Wait() error {
	<-e.done
	return nil
}

func (e *event) Status() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, nil
}

func (e *event) ProfilingTimes() (uint64, uint64, error) {
	if !e.profiling {
		return 0, 0, compute.StatusError("clGetEventProfilingInfo", compute.StatusProfilingInfoNotAvailable)
	}
	select {
	case <-e.done:
	default:
		return 0, 0, compute.StatusError("clGetEventProfilingInfo", compute.StatusProfilingInfoNotAvailable)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.start, e.end, nil
}

func (e *event) Release() {}
