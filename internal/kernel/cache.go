package kernel

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cwbudde/gpustress/internal/compute"
)

// Key identifies one build of the workload program.
type Key struct {
	GroupSize int
	KItersNum int
}

// Program is a built workload program with its launchable kernel.
type Program struct {
	Key     Key
	Options string
	Variant Variant

	program compute.Program
	kernel  compute.Kernel
}

// Kernel returns the launchable gpuStress entry point.
func (p *Program) Kernel() compute.Kernel {
	return p.kernel
}

// BuildLog returns the device compiler output for this build.
func (p *Program) BuildLog() string {
	return p.program.BuildLog()
}

// SetStaticArgs binds the arguments that do not change between dispatches:
// the work size and, for poly-walker variants, the polynomial coefficients.
func (p *Program) SetStaticArgs(workSize int) error {
	if err := p.kernel.SetArg(0, uint32(workSize)); err != nil {
		return fmt.Errorf("set work size argument: %w", err)
	}
	if !p.Variant.PolyWalker {
		return nil
	}
	for i, c := range PolyCoefficients {
		if err := p.kernel.SetArg(3+i, c); err != nil {
			return fmt.Errorf("set polynomial argument %d: %w", i, err)
		}
	}
	return nil
}

// SetBuffers binds the source and destination buffers of the next dispatch.
func (p *Program) SetBuffers(src, dst compute.Buffer) error {
	if err := p.kernel.SetArg(1, src); err != nil {
		return fmt.Errorf("set source buffer argument: %w", err)
	}
	if err := p.kernel.SetArg(2, dst); err != nil {
		return fmt.Errorf("set destination buffer argument: %w", err)
	}
	return nil
}

func (p *Program) release() {
	if p.kernel != nil {
		p.kernel.Release()
		p.kernel = nil
	}
	if p.program != nil {
		p.program.Release()
		p.program = nil
	}
}

// Cache compiles the workload source for one device context and keeps the
// resulting programs by Key. A Cache belongs to a single session and is not
// safe for concurrent use.
type Cache struct {
	ctx      compute.Context
	source   *Source
	logger   *slog.Logger
	programs map[Key]*Program
}

// NewCache creates an empty cache building source in ctx.
func NewCache(ctx compute.Context, source *Source, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		ctx:      ctx,
		source:   source,
		logger:   logger,
		programs: make(map[Key]*Program),
	}
}

// Get returns the program for (groupSize, kiters), building it on first use.
// A failed build logs the device build log and returns a *compute.BuildError.
func (c *Cache) Get(groupSize, kiters int) (*Program, error) {
	key := Key{GroupSize: groupSize, KItersNum: kiters}
	if p, ok := c.programs[key]; ok {
		return p, nil
	}

	options := BuildOptions(groupSize, kiters, c.source.Variant)
	built, err := c.ctx.BuildProgram(c.source.Code, options)
	if err != nil {
		var buildErr *compute.BuildError
		if errors.As(err, &buildErr) {
			c.logger.Error("Program build failed",
				"program", c.source.Name,
				"options", options,
				"log", buildErr.Log,
			)
		}
		return nil, err
	}

	k, err := built.NewKernel(EntryPoint)
	if err != nil {
		built.Release()
		return nil, fmt.Errorf("create kernel %s: %w", EntryPoint, err)
	}

	p := &Program{
		Key:     key,
		Options: options,
		Variant: c.source.Variant,
		program: built,
		kernel:  k,
	}
	c.programs[key] = p
	return p, nil
}

// Len reports the number of cached programs.
func (c *Cache) Len() int {
	return len(c.programs)
}

// Retain releases every cached program except keep.
func (c *Cache) Retain(keep Key) {
	for key, p := range c.programs {
		if key == keep {
			continue
		}
		p.release()
		delete(c.programs, key)
	}
}

// Release frees every cached program.
func (c *Cache) Release() {
	for key, p := range c.programs {
		p.release()
		delete(c.programs, key)
	}
}
